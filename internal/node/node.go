// Package node wires the pieces spec.md names into the running process
// spec.md §6 describes as the CLI wrapper's sole core hook:
// Node.New(config, storage) -> Node, Node.Run() -> blocks until shutdown.
// It owns construction order (store, dispatcher, pool, transport,
// consensus engine), genesis bootstrap, and crash-recovery replay ordering
// (spec.md §4.5: cached consensus messages are replayed "before opening
// network links").
package node

import (
	"fmt"
	"log"

	"github.com/rechain/rechain/internal/config"
	"github.com/rechain/rechain/internal/consensus"
	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/dispatcher"
	"github.com/rechain/rechain/internal/executor"
	"github.com/rechain/rechain/internal/pool"
	"github.com/rechain/rechain/internal/services/configchange"
	"github.com/rechain/rechain/internal/services/timestamping"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/transport"
	"github.com/rechain/rechain/internal/wire"
)

// defaultPoolCapacity bounds the in-memory transaction pool absent an
// operator override; spec.md §4.4 leaves the exact figure to the
// implementation.
const defaultPoolCapacity = 10000

// Identity is the operator-supplied key material for this node: a
// consensus signing key makes it a validator if that key is listed in
// genesis, otherwise the node runs as an auditor (spec.md glossary).
type Identity struct {
	ConsensusSecret crypto.SecretKey
	IsAuditor       bool
}

// Node owns every long-lived sub-component spec.md §2 lists, following the
// one-way ownership spec.md §9 prescribes in place of the teacher's cyclic
// node/services/api references: services reach shared state only through
// the context (here, the store and dispatcher) Node hands them at
// construction, never back through Node itself.
type Node struct {
	cfg     *config.NodeConfig
	genesis *config.Genesis
	log     *log.Logger

	store      *store.Engine
	pool       *pool.Pool
	dispatcher *dispatcher.Dispatcher
	transport  *transport.Transport
	engine     *consensus.Engine

	stop chan struct{}
}

// New constructs a Node bound to an already-open store, registering every
// service genesis names (in the fixed order spec.md §4.7 requires),
// bootstrapping the height-0 genesis block if this is a fresh store, and
// wiring the transport/consensus pair together.
func New(cfg *config.NodeConfig, genesis *config.Genesis, st *store.Engine, identity Identity, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default()
	}

	disp, err := buildDispatcher(genesis)
	if err != nil {
		return nil, err
	}

	if err := ensureGenesisBlock(st, disp); err != nil {
		return nil, err
	}

	p := pool.New(defaultPoolCapacity)

	tr, err := transport.New(genesis, st, p, logger)
	if err != nil {
		return nil, fmt.Errorf("node: construct transport: %w", err)
	}

	cid, err := resolveIdentity(genesis, identity)
	if err != nil {
		return nil, err
	}

	engine, err := consensus.New(st, p, disp, genesis, cid, tr, logger)
	if err != nil {
		return nil, fmt.Errorf("node: construct consensus engine: %w", err)
	}
	tr.BindConsensus(engine)

	return &Node{
		cfg:        cfg,
		genesis:    genesis,
		log:        logger,
		store:      st,
		pool:       p,
		dispatcher: disp,
		transport:  tr,
		engine:     engine,
		stop:       make(chan struct{}),
	}, nil
}

// buildDispatcher registers one service instance per genesis.Services
// entry, in the sorted order genesis validation already guarantees. An
// unrecognized service name is a configuration error (spec.md §7: "fatal;
// process terminates before opening the network").
func buildDispatcher(genesis *config.Genesis) (*dispatcher.Dispatcher, error) {
	disp := dispatcher.New()
	serviceKeys := make([]crypto.PublicKey, len(genesis.Validators))
	for i, v := range genesis.Validators {
		serviceKeys[i] = v.ServiceKey
	}
	threshold := genesis.Threshold()

	for _, sc := range genesis.Services {
		var svc dispatcher.Service
		switch sc.Name {
		case timestamping.ServiceName:
			svc = timestamping.New()
		case configchange.ServiceName:
			svc = configchange.New(serviceKeys, threshold)
		default:
			return nil, fmt.Errorf("node: %w: unknown service %q (id %d)", ErrConfiguration, sc.Name, sc.ID)
		}
		if svc.ID() != sc.ID {
			return nil, fmt.Errorf("node: %w: service %q genesis id %d does not match implementation id %d", ErrConfiguration, sc.Name, sc.ID, svc.ID())
		}
		if err := disp.Register(svc); err != nil {
			return nil, fmt.Errorf("node: %w: %v", ErrConfiguration, err)
		}
	}
	return disp, nil
}

// ensureGenesisBlock installs the height-0 block the first time a fresh
// store is opened; a store that already has one is left untouched, so
// restarting an existing node never re-initializes service state.
func ensureGenesisBlock(st *store.Engine, disp *dispatcher.Dispatcher) error {
	snap := st.Snapshot()
	_, exists, err := executor.LoadHeader(snap, 0)
	snap.Discard()
	if err != nil {
		return fmt.Errorf("node: check genesis block: %w", err)
	}
	if exists {
		return nil
	}

	snap = st.Snapshot()
	defer snap.Discard()
	result, err := executor.BuildGenesis(snap, disp)
	if err != nil {
		return fmt.Errorf("node: build genesis block: %w", err)
	}
	if err := st.MergeSync(result.Patch); err != nil {
		return fmt.Errorf("node: install genesis block: %w", err)
	}
	return nil
}

// resolveIdentity matches identity's consensus key against genesis's
// validator list, returning an auditor identity if the key is absent or
// the operator explicitly requested auditor mode.
func resolveIdentity(genesis *config.Genesis, identity Identity) (consensus.Identity, error) {
	if identity.IsAuditor {
		return consensus.Identity{}, nil
	}
	pub := identity.ConsensusSecret.Public()
	for i, v := range genesis.Validators {
		if v.ConsensusKey == pub {
			return consensus.Identity{IsValidator: true, ValidatorID: uint16(i), Secret: identity.ConsensusSecret}, nil
		}
	}
	return consensus.Identity{}, nil // not in the validator set: run as auditor
}

// Submit verifies and pools a locally-authored transaction, for a CLI or
// API caller acting on this node's behalf.
func (n *Node) Submit(tx wire.SignedTransaction) (bool, error) {
	return n.engine.Submit(tx)
}

// Dispatcher exposes the registered service registry, for callers (tests,
// a future public API layer) that need to look up a service's own query
// methods against a snapshot.
func (n *Node) Dispatcher() *dispatcher.Dispatcher { return n.dispatcher }

// Store exposes the underlying persistent store for read-only inspection.
func (n *Node) Store() *store.Engine { return n.store }

// Height reports the consensus engine's current height.
func (n *Node) Height() uint64 { return n.engine.Height() }

// Run opens the network (listener plus static connect-list dials) and
// blocks running the consensus engine's serial event loop until Stop is
// called. Crash-recovery replay of core.consensus_messages_cache is done
// synchronously here, before any network link opens, rather than left to
// race with Engine.Run's own goroutine.
func (n *Node) Run() error {
	if err := n.engine.Replay(); err != nil {
		return fmt.Errorf("node: replay consensus message cache: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.engine.Run(n.stop) }()

	if n.cfg.Network.ListenAddress != "" {
		if err := n.transport.Listen(n.cfg.Network.ListenAddress); err != nil {
			n.engine.Stop()
			<-errCh
			return fmt.Errorf("node: listen: %w", err)
		}
	}
	for _, addr := range n.cfg.Network.Connect {
		n.transport.DialStatic(addr)
	}

	return <-errCh
}

// Stop requests a graceful shutdown: the consensus engine's Run loop
// returns at its next iteration and the transport tears down every link.
func (n *Node) Stop() {
	close(n.stop)
	n.transport.Stop()
}
