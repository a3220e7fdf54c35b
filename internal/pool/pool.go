// Package pool implements the transaction pool: a signature-verified,
// deduplicated, capacity-bounded holding area for transactions awaiting
// inclusion in a block.
package pool

import (
	"container/list"
	"errors"
	"sync"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/wire"
)

// ErrInvalidSignature is returned by Insert when the envelope's signature
// does not verify against its stated signer.
var ErrInvalidSignature = errors.New("pool: invalid transaction signature")

// Pool is a hash-indexed, FIFO-evicting set of pending transactions. The
// zero value is not usable; construct with New. Safe for concurrent use —
// spec.md §4.5 has the consensus loop and the API submission handler share
// it under one lock, held only for O(1) hash lookup/insert/remove.
type Pool struct {
	mu       sync.Mutex
	capacity int
	byHash   map[crypto.Hash]*list.Element
	order    *list.List // front = oldest; holds crypto.Hash values
	txs      map[crypto.Hash]wire.SignedTransaction
}

// New returns an empty pool bounded to capacity entries. A capacity of 0
// means unbounded.
func New(capacity int) *Pool {
	return &Pool{
		capacity: capacity,
		byHash:   make(map[crypto.Hash]*list.Element),
		order:    list.New(),
		txs:      make(map[crypto.Hash]wire.SignedTransaction),
	}
}

// Insert verifies tx's signature, computes its hash, and adds it unless
// already present. It reports whether the transaction was newly added, and
// evicts the oldest-inserted entry if doing so would exceed capacity.
func (p *Pool) Insert(tx wire.SignedTransaction) (bool, error) {
	if !tx.Verify() {
		return false, ErrInvalidSignature
	}
	hash := tx.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[hash]; exists {
		return false, nil
	}

	elem := p.order.PushBack(hash)
	p.byHash[hash] = elem
	p.txs[hash] = tx

	if p.capacity > 0 && p.order.Len() > p.capacity {
		p.evictOldestLocked()
	}
	return true, nil
}

// evictOldestLocked removes the oldest-inserted transaction. Caller must
// hold p.mu.
func (p *Pool) evictOldestLocked() {
	oldest := p.order.Front()
	if oldest == nil {
		return
	}
	hash := oldest.Value.(crypto.Hash)
	p.order.Remove(oldest)
	delete(p.byHash, hash)
	delete(p.txs, hash)
}

// Contains reports whether hash is currently pooled.
func (p *Pool) Contains(hash crypto.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Get returns the pooled transaction for hash, if present.
func (p *Pool) Get(hash crypto.Hash) (wire.SignedTransaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[hash]
	return tx, ok
}

// Remove deletes hash from the pool — called once its transaction commits
// in a block, or when explicitly evicted.
func (p *Pool) Remove(hash crypto.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elem, ok := p.byHash[hash]
	if !ok {
		return
	}
	p.order.Remove(elem)
	delete(p.byHash, hash)
	delete(p.txs, hash)
}

// Len returns the current number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// IterateCapped returns up to max pooled transactions in oldest-first
// order, for block construction.
func (p *Pool) IterateCapped(max int) []wire.SignedTransaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]wire.SignedTransaction, 0, max)
	for e := p.order.Front(); e != nil && len(out) < max; e = e.Next() {
		hash := e.Value.(crypto.Hash)
		out = append(out, p.txs[hash])
	}
	return out
}
