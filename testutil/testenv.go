// Package testutil provides the multi-validator test harness every
// integration-style test in this module builds on: a genesis with real
// Ed25519 validator keys, one BadgerDB store per validator under
// t.TempDir(), and an in-memory FakeNetwork standing in for
// internal/transport so a quorum of consensus engines can run against each
// other without a socket.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/config"
	"github.com/rechain/rechain/internal/consensus"
	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/dispatcher"
	"github.com/rechain/rechain/internal/executor"
	"github.com/rechain/rechain/internal/pool"
	"github.com/rechain/rechain/internal/services/timestamping"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
)

// testPoolCapacity bounds the in-memory pool each harness validator runs
// with; generous enough that no test hits eviction by accident.
const testPoolCapacity = 1000

// Validator is one harness participant: its key material and every
// component node.Node would normally wire together for it.
type Validator struct {
	ID            uint16
	ConsensusKeys crypto.KeyPair
	ServiceKeys   crypto.KeyPair
	Store         *store.Engine
	Pool          *pool.Pool
	Dispatcher    *dispatcher.Dispatcher
	Engine        *consensus.Engine
	Net           *FakeNetwork
}

// Harness is a complete in-memory deployment: a genesis shared by every
// validator and each validator's own store/engine pair.
type Harness struct {
	t          *testing.T
	Genesis    *config.Genesis
	Validators []*Validator
}

// NewHarness builds n validators (n must be at least 4, spec.md §6's
// genesis floor), each registering the timestamping service, with fast
// consensus timeouts suited to a test process rather than a production
// network. The genesis block is bootstrapped into every validator's store
// before this returns.
func NewHarness(t *testing.T, n int) *Harness {
	t.Helper()
	require.GreaterOrEqual(t, n, 4, "testutil: harness needs at least 4 validators")

	validatorKeys := make([]config.ValidatorKey, n)
	consensusKeys := make([]crypto.KeyPair, n)
	serviceKeys := make([]crypto.KeyPair, n)
	for i := 0; i < n; i++ {
		ck, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		sk, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		consensusKeys[i] = ck
		serviceKeys[i] = sk
		validatorKeys[i] = config.ValidatorKey{ConsensusKey: ck.Public, ServiceKey: sk.Public}
	}

	genesis := &config.Genesis{
		Validators: validatorKeys,
		Consensus:  config.DefaultConsensusParams(),
		Services:   []config.ServiceConfig{{ID: timestamping.ServiceID, Name: timestamping.ServiceName}},
	}
	genesis.Consensus.RoundTimeout = config.Duration(150 * time.Millisecond)
	genesis.Consensus.RoundTimeoutIncr = config.Duration(50 * time.Millisecond)
	genesis.Consensus.ProposeTimeout = config.Duration(10 * time.Millisecond)
	genesis.Consensus.StatusTimeout = config.Duration(time.Hour) // quiet unless a test wants it
	genesis.Consensus.PeersTimeout = config.Duration(time.Hour)
	require.NoError(t, genesis.Validate())

	h := &Harness{t: t, Genesis: genesis, Validators: make([]*Validator, n)}

	for i := 0; i < n; i++ {
		disp := dispatcher.New()
		require.NoError(t, disp.Register(timestamping.New()))

		st, err := store.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })

		snap := st.Snapshot()
		result, err := executor.BuildGenesis(snap, disp)
		snap.Discard()
		require.NoError(t, err)
		require.NoError(t, st.MergeSync(result.Patch))

		p := pool.New(testPoolCapacity)
		net := &FakeNetwork{h: h, self: uint16(i)}

		identity := consensus.Identity{IsValidator: true, ValidatorID: uint16(i), Secret: consensusKeys[i].Secret}
		engine, err := consensus.New(st, p, disp, genesis, identity, net, nil)
		require.NoError(t, err)

		h.Validators[i] = &Validator{
			ID:            uint16(i),
			ConsensusKeys: consensusKeys[i],
			ServiceKeys:   serviceKeys[i],
			Store:         st,
			Pool:          p,
			Dispatcher:    disp,
			Engine:        engine,
			Net:           net,
		}
	}
	return h
}

// Run starts every validator's engine on its own goroutine, returning a
// stop function the test must call (usually via t.Cleanup) to shut them
// all down.
func (h *Harness) Run() (stop func()) {
	stopCh := make(chan struct{})
	done := make(chan error, len(h.Validators))
	for _, v := range h.Validators {
		v := v
		go func() { done <- v.Engine.Run(stopCh) }()
	}
	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(stopCh)
		for range h.Validators {
			<-done
		}
	}
}

// SubmitToAll inserts tx into every validator's pool directly, standing in
// for client gossip so tests don't depend on the transaction-request
// liveness path.
func (h *Harness) SubmitToAll(tx wire.SignedTransaction) {
	for _, v := range h.Validators {
		_, _ = v.Engine.Submit(tx)
	}
}

// AwaitHeight polls every validator until all have reached at least height
// or the timeout elapses, failing the test in the latter case.
func (h *Harness) AwaitHeight(height uint64, timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ready := true
		for _, v := range h.Validators {
			if v.Engine.Height() < height {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("testutil: timed out waiting for height %d", height)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// FakeNetwork implements consensus.Network by delivering directly to the
// in-process peer engines in the same Harness, synchronously and without
// any wire-level handshake, matching internal/transport's contract but not
// its implementation.
type FakeNetwork struct {
	h    *Harness
	self uint16

	// Drop, if set, is consulted for every frame this validator broadcasts;
	// returning true silently swallows it instead of delivering it to peers.
	// Tests use it to simulate a silent proposer or a link partition without
	// touching the engine itself.
	Drop func(f wire.Frame) bool

	// DropTo, if set, is consulted once per intended recipient for every
	// frame this validator broadcasts; returning true withholds the frame
	// from that one recipient while the rest of the broadcast proceeds
	// normally. Tests use it to make a single validator miss a Propose it
	// would otherwise have received, without partitioning it entirely.
	DropTo func(recipientID uint16, f wire.Frame) bool
}

// Broadcast delivers f to every other validator's engine, unless Drop or
// DropTo says otherwise.
func (n *FakeNetwork) Broadcast(f wire.Frame) {
	if n.Drop != nil && n.Drop(f) {
		return
	}
	for _, v := range n.h.Validators {
		if v.ID == n.self {
			continue
		}
		if n.DropTo != nil && n.DropTo(v.ID, f) {
			continue
		}
		v.Engine.HandleInbound(f)
	}
}

// RequestTransactions answers from the first peer pool that has each hash,
// delivering a TransactionsResponse back to the requester only.
func (n *FakeNetwork) RequestTransactions(hashes []crypto.Hash) {
	self := n.h.Validators[n.self]
	var found [][]byte
	for _, h := range hashes {
		for _, v := range n.h.Validators {
			if v.ID == n.self {
				continue
			}
			if tx, ok := v.Pool.Get(h); ok {
				found = append(found, tx.Encode())
				break
			}
		}
	}
	if len(found) == 0 {
		return
	}
	resp := wire.TransactionsResponse{Transactions: found}
	frame := wire.Frame{Class: wire.ClassSync, Type: wire.TypeTransactionsResponse, Version: wire.ProtocolVersion, Payload: resp.EncodePayload()}
	self.Engine.HandleInbound(frame)
}

// RequestBlock answers from the first peer that has committed height,
// delivering a BlockResponse straight back to the requester.
func (n *FakeNetwork) RequestBlock(height uint64) {
	self := n.h.Validators[n.self]
	for _, v := range n.h.Validators {
		if v.ID == n.self {
			continue
		}
		resp, ok := loadBlockResponse(v.Store, height)
		if !ok {
			continue
		}
		self.Engine.DeliverBlockResponse(resp)
		return
	}
}

func loadBlockResponse(st *store.Engine, height uint64) (wire.BlockResponse, bool) {
	snap := st.Snapshot()
	defer snap.Discard()

	header, ok, err := executor.LoadHeader(snap, height)
	if err != nil || !ok {
		return wire.BlockResponse{}, false
	}
	hashes, err := executor.LoadBlockTxHashes(snap, height)
	if err != nil {
		return wire.BlockResponse{}, false
	}
	resp := wire.BlockResponse{Block: header.Encode()}
	for _, h := range hashes {
		if tx, ok, _ := executor.LoadTransaction(snap, h); ok {
			resp.Transactions = append(resp.Transactions, tx.Encode())
		}
	}

	precommits := store.NewListIndex(snap, executor.IndexPrecommits, header.Hash().Bytes())
	n, err := precommits.Len()
	if err != nil {
		return wire.BlockResponse{}, false
	}
	for i := uint64(0); i < n; i++ {
		raw, ok, err := precommits.Get(i)
		if err != nil || !ok {
			continue
		}
		pc, err := wire.DecodeSignedPrecommit(raw)
		if err != nil {
			continue
		}
		resp.Precommits = append(resp.Precommits, pc)
	}
	return resp, true
}

// RequestPropose answers from the first peer whose engine still holds
// proposeHash, delivering a ProposeResponse straight back to the requester,
// mirroring RequestBlock's liveness pattern.
func (n *FakeNetwork) RequestPropose(height uint64, proposeHash crypto.Hash) {
	self := n.h.Validators[n.self]
	req := wire.ProposeRequest{Height: height, ProposeHash: proposeHash}
	for _, v := range n.h.Validators {
		if v.ID == n.self {
			continue
		}
		done := make(chan struct{})
		var resp wire.ProposeResponse
		var found bool
		v.Engine.HandleProposeRequest(req, func(r wire.ProposeResponse, ok bool) {
			resp, found = r, ok
			close(done)
		})
		<-done
		if found {
			self.Engine.DeliverProposeResponse(resp)
			return
		}
	}
}

// RequestPeers is a no-op: the harness has a fixed, fully-connected
// validator set with no discovery to perform.
func (n *FakeNetwork) RequestPeers() {}
