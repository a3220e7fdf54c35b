// Package store is the persistent KV engine: an atomic snapshot-and-merge
// model over BadgerDB, with typed index views layered on top in indices.go,
// proof_list.go and proof_map.go.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// Engine owns the BadgerDB handle. Every read goes through a Snapshot and
// every write except ClearPrefix goes through a Fork built on one; the
// engine itself exposes only Merge/MergeSync to apply a fork's patch.
type Engine struct {
	db *badger.DB
}

// Open opens (creating if necessary) the BadgerDB instance rooted at path.
func Open(path string) (*Engine, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger db at %q: %w", path, err)
	}
	return &Engine{db: db}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Snapshot opens a read-only, point-in-time view. Concurrent merges applied
// after a snapshot is taken are never visible through it, matching spec.md
// §4.1's "concurrent readers continue to see the pre-merge snapshot".
func (e *Engine) Snapshot() *Snapshot {
	return &Snapshot{txn: e.db.NewTransaction(false)}
}

// Snapshot is a read-only view obtained from an Engine. Callers must call
// Discard once done to release the underlying Badger transaction.
type Snapshot struct {
	txn *badger.Txn
}

// Discard releases the snapshot's resources. Safe to call more than once.
func (s *Snapshot) Discard() {
	s.txn.Discard()
}

// Get returns the value for key, or (nil, nil) if it is absent.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	item, err := s.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out = append([]byte{}, val...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return out, nil
}

// Has reports whether key is present.
func (s *Snapshot) Has(key []byte) (bool, error) {
	_, err := s.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has: %w", err)
	}
	return true, nil
}

// Iterate walks every key with the given prefix in ascending order, calling
// fn with the full key (including prefix) and its value. fn returning false
// stops iteration early.
func (s *Snapshot) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		var cont bool
		err := item.Value(func(val []byte) error {
			cont = fn(key, append([]byte{}, val...))
			return nil
		})
		if err != nil {
			return fmt.Errorf("store: iterate: %w", err)
		}
		if !cont {
			break
		}
	}
	return nil
}

// Fork returns a writable overlay on top of this snapshot. Writes accumulate
// in memory until IntoPatch/Merge applies them.
func (s *Snapshot) Fork() *Fork {
	return &Fork{snapshot: s, overrides: make(map[string]overrideState)}
}

type overrideState struct {
	present bool // true once this key has an override recorded
	deleted bool
	value   []byte
}

type undoEntry struct {
	key   string
	prior overrideState
}

// Fork is a writable overlay on a Snapshot. Every mutation is logged so a
// nested range of it can be undone via RollbackTo without disturbing writes
// made outside that range — the mechanism the executor uses to roll back a
// single misbehaving transaction's writes without touching the rest of the
// block.
type Fork struct {
	snapshot  *Snapshot
	overrides map[string]overrideState
	undo      []undoEntry
}

func (f *Fork) touch(key string, next overrideState) {
	prior, had := f.overrides[key]
	if !had {
		prior = overrideState{}
	}
	f.undo = append(f.undo, undoEntry{key: key, prior: prior})
	f.overrides[key] = next
}

// Get returns the value for key, checking this fork's own writes first and
// falling back to the underlying snapshot.
func (f *Fork) Get(key []byte) ([]byte, error) {
	if st, ok := f.overrides[string(key)]; ok {
		if st.deleted {
			return nil, nil
		}
		return st.value, nil
	}
	return f.snapshot.Get(key)
}

// Has reports whether key is present, accounting for staged writes/deletes.
func (f *Fork) Has(key []byte) (bool, error) {
	if st, ok := f.overrides[string(key)]; ok {
		return !st.deleted, nil
	}
	return f.snapshot.Has(key)
}

// Set stages key=value.
func (f *Fork) Set(key, value []byte) {
	v := append([]byte{}, value...)
	f.touch(string(key), overrideState{present: true, deleted: false, value: v})
}

// Delete stages a tombstone for key.
func (f *Fork) Delete(key []byte) {
	f.touch(string(key), overrideState{present: true, deleted: true})
}

// Iterate walks keys with the given prefix from both the staged overrides
// and the underlying snapshot, staged state taking precedence and deleted
// keys suppressed. Order is not guaranteed to match Snapshot.Iterate's
// byte order once overrides are involved.
func (f *Fork) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	seen := make(map[string]bool)
	for k, st := range f.overrides {
		if len(k) < len(prefix) || k[:len(prefix)] != string(prefix) {
			continue
		}
		seen[k] = true
		if st.deleted {
			continue
		}
		if !fn([]byte(k), st.value) {
			return nil
		}
	}
	return f.snapshot.Iterate(prefix, func(key, value []byte) bool {
		if seen[string(key)] {
			return true
		}
		return fn(key, value)
	})
}

// Checkpoint returns a mark that RollbackTo can later undo back to.
func (f *Fork) Checkpoint() int {
	return len(f.undo)
}

// RollbackTo undoes every Set/Delete recorded since mark, restoring each
// affected key's prior override state (or removing the override entirely if
// it had none).
func (f *Fork) RollbackTo(mark int) {
	for i := len(f.undo) - 1; i >= mark; i-- {
		e := f.undo[i]
		if e.prior.present {
			f.overrides[e.key] = e.prior
		} else {
			delete(f.overrides, e.key)
		}
	}
	f.undo = f.undo[:mark]
}

// Patch is the changeset produced by IntoPatch, ready to be merged into the
// engine atomically.
type Patch struct {
	sets    map[string][]byte
	deletes map[string]bool
}

// IntoPatch snapshots the fork's staged writes into an immutable changeset.
func (f *Fork) IntoPatch() *Patch {
	p := &Patch{sets: make(map[string][]byte), deletes: make(map[string]bool)}
	for k, st := range f.overrides {
		if st.deleted {
			p.deletes[k] = true
		} else {
			p.sets[k] = st.value
		}
	}
	return p
}

// Merge applies patch atomically. Only the consensus loop may call this, per
// spec.md §4.5's single-writer rule.
func (e *Engine) Merge(p *Patch) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		for k, v := range p.sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		for k := range p.deletes {
			if err := txn.Delete([]byte(k)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: merge: %w", err)
	}
	return nil
}

// MergeSync applies patch and forces it to a durable checkpoint before
// returning, for the cases that must survive a crash immediately (genesis
// install, a committed block's precommit record, a block applied from a
// BlockResponse).
func (e *Engine) MergeSync(p *Patch) error {
	if err := e.Merge(p); err != nil {
		return err
	}
	if err := e.db.Sync(); err != nil {
		return fmt.Errorf("store: merge_sync: %w", err)
	}
	return nil
}

// ClearPrefix drops every key under prefix directly against the database,
// bypassing the snapshot/fork/patch path. It is for maintenance operations
// (clearing the consensus message cache) that must not go through the
// single-writer consensus loop.
func (e *Engine) ClearPrefix(prefix []byte) error {
	if err := e.db.DropPrefix(prefix); err != nil {
		return fmt.Errorf("store: clear prefix: %w", err)
	}
	return nil
}

// ReadAccess is satisfied by both Snapshot and Fork, letting index views
// work read-only against either.
type ReadAccess interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
}

// WriteAccess additionally allows staging mutations; only *Fork implements
// it, so index views reject mutation attempts against a bare Snapshot at
// runtime with a clear error rather than a type assertion panic.
type WriteAccess interface {
	ReadAccess
	Set(key, value []byte)
	Delete(key []byte)
}

var (
	_ ReadAccess  = (*Snapshot)(nil)
	_ WriteAccess = (*Fork)(nil)
)
