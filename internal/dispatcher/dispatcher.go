// Package dispatcher is the service registry spec.md §4.7 describes:
// services register at boot in a fixed order, transactions are routed to
// their target service by a numeric serviceId, and an unknown serviceId is
// rejected before the transaction is ever pooled.
package dispatcher

import (
	"errors"
	"fmt"

	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
	"github.com/rechain/rechain/pkg/merkle"
)

// ErrUnknownService is returned when a transaction names a serviceId no
// registered service owns. Per spec.md §4.7 this must happen at
// verification time, before the transaction reaches the pool.
var ErrUnknownService = errors.New("dispatcher: unknown service id")

// ErrDuplicateService is returned by Register when a serviceId is already
// taken.
var ErrDuplicateService = errors.New("dispatcher: duplicate service id")

// Transaction is a decoded, executable transaction produced by a service's
// TxFromRaw.
type Transaction interface {
	// Execute applies the transaction's effect to fork. Returning an error
	// rolls back only this transaction's writes; panicking is caught by the
	// executor and treated the same way, tagged with a reserved error code.
	Execute(fork *store.Fork) error
}

// Service is the capability set every registered service must implement.
type Service interface {
	ID() uint16
	Name() string
	// TxFromRaw decodes a transaction's service-specific payload. A decode
	// failure is a structural error, not a typed execution error — the
	// transaction is rejected outright rather than executed and rolled back.
	TxFromRaw(raw []byte) (Transaction, error)
	// StateHash returns this service's own state roots, aggregated by the
	// dispatcher into the block's overall stateHash. Accepting
	// store.ReadAccess rather than a concrete *store.Snapshot lets the
	// executor call this mid-block against an uncommitted *store.Fork, which
	// is how stateHash gets computed before the block's patch is merged.
	StateHash(access store.ReadAccess) ([]merkle.Hash, error)
}

// Initializer is an optional capability: a service implementing it runs
// Initialize once, the first time it is registered against a fresh store.
type Initializer interface {
	Initialize(fork *store.Fork) error
}

// AfterTransactionsHook is an optional capability: a service implementing
// it runs AfterTransactions once per block, after every transaction in the
// block has executed.
type AfterTransactionsHook interface {
	AfterTransactions(fork *store.Fork) error
}

// AfterCommitHook is an optional capability: a service implementing it
// runs AfterCommit once per block, after the block's patch has been merged.
type AfterCommitHook interface {
	AfterCommit(snapshot *store.Snapshot) error
}

// Dispatcher holds services in registration order and routes transactions
// to them by serviceId.
type Dispatcher struct {
	order []Service
	byID  map[uint16]Service
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{byID: make(map[uint16]Service)}
}

// Register adds a service, preserving registration order for StateHash
// aggregation and lifecycle hook fan-out.
func (d *Dispatcher) Register(s Service) error {
	if _, exists := d.byID[s.ID()]; exists {
		return fmt.Errorf("dispatcher: %w: id %d (%s)", ErrDuplicateService, s.ID(), s.Name())
	}
	d.byID[s.ID()] = s
	d.order = append(d.order, s)
	return nil
}

// Services returns every registered service, in registration order.
func (d *Dispatcher) Services() []Service {
	return append([]Service{}, d.order...)
}

// Dispatch decodes a pooled/proposed transaction envelope into an
// executable Transaction via its target service.
func (d *Dispatcher) Dispatch(tx wire.SignedTransaction) (Transaction, error) {
	svc, ok := d.byID[tx.ServiceID]
	if !ok {
		return nil, fmt.Errorf("dispatcher: %w: %d", ErrUnknownService, tx.ServiceID)
	}
	decoded, err := svc.TxFromRaw(tx.Payload)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: decode transaction for service %d: %w", tx.ServiceID, err)
	}
	return decoded, nil
}

// Owns reports whether serviceID names a registered service, the check the
// pool's insertion path uses to reject transactions for unknown services
// before they are ever stored.
func (d *Dispatcher) Owns(serviceID uint16) bool {
	_, ok := d.byID[serviceID]
	return ok
}

// InitializeAll runs Initialize on every service that implements
// Initializer, in registration order.
func (d *Dispatcher) InitializeAll(fork *store.Fork) error {
	for _, s := range d.order {
		if init, ok := s.(Initializer); ok {
			if err := init.Initialize(fork); err != nil {
				return fmt.Errorf("dispatcher: initialize service %d (%s): %w", s.ID(), s.Name(), err)
			}
		}
	}
	return nil
}

// AfterTransactionsAll runs AfterTransactions on every service that
// implements AfterTransactionsHook, in registration order.
func (d *Dispatcher) AfterTransactionsAll(fork *store.Fork) error {
	for _, s := range d.order {
		if hook, ok := s.(AfterTransactionsHook); ok {
			if err := hook.AfterTransactions(fork); err != nil {
				return fmt.Errorf("dispatcher: after_transactions service %d (%s): %w", s.ID(), s.Name(), err)
			}
		}
	}
	return nil
}

// AfterCommitAll runs AfterCommit on every service that implements
// AfterCommitHook, in registration order.
func (d *Dispatcher) AfterCommitAll(snapshot *store.Snapshot) error {
	for _, s := range d.order {
		if hook, ok := s.(AfterCommitHook); ok {
			if err := hook.AfterCommit(snapshot); err != nil {
				return fmt.Errorf("dispatcher: after_commit service %d (%s): %w", s.ID(), s.Name(), err)
			}
		}
	}
	return nil
}

// StateHash aggregates every service's own state roots, in registration
// order, into the flat list the block header's stateHash is computed over.
func (d *Dispatcher) StateHash(access store.ReadAccess) ([]merkle.Hash, error) {
	var all []merkle.Hash
	for _, s := range d.order {
		roots, err := s.StateHash(access)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: state hash for service %d (%s): %w", s.ID(), s.Name(), err)
		}
		all = append(all, roots...)
	}
	return all, nil
}
