package store

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrReadOnly is returned by a mutating index method when the underlying
// access is a bare Snapshot rather than a Fork.
var ErrReadOnly = errors.New("store: index is read-only")

func writable(access ReadAccess) (WriteAccess, error) {
	w, ok := access.(WriteAccess)
	if !ok {
		return nil, ErrReadOnly
	}
	return w, nil
}

// MapIndex is an unordered key/value view with no root hash: point lookup,
// insertion, deletion, and full-index iteration.
type MapIndex struct {
	addr   []byte
	access ReadAccess
}

// NewMapIndex opens a map view addressed by name.
func NewMapIndex(access ReadAccess, name string, familyID ...[]byte) *MapIndex {
	return &MapIndex{addr: IndexAddress(name, familyID...), access: access}
}

func (m *MapIndex) fullKey(key []byte) []byte {
	return append(append([]byte{}, m.addr...), key...)
}

// Get returns the value stored for key, or (nil, false) if absent.
func (m *MapIndex) Get(key []byte) ([]byte, bool, error) {
	v, err := m.access.Get(m.fullKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("store: map get: %w", err)
	}
	return v, v != nil, nil
}

// Has reports whether key is present.
func (m *MapIndex) Has(key []byte) (bool, error) {
	return m.access.Has(m.fullKey(key))
}

// Put inserts or overwrites the value stored for key.
func (m *MapIndex) Put(key, value []byte) error {
	w, err := writable(m.access)
	if err != nil {
		return err
	}
	w.Set(m.fullKey(key), value)
	return nil
}

// Remove deletes key, if present.
func (m *MapIndex) Remove(key []byte) error {
	w, err := writable(m.access)
	if err != nil {
		return err
	}
	w.Delete(m.fullKey(key))
	return nil
}

// Iterate walks every entry in the map in implementation-defined order,
// stopping early if fn returns false.
func (m *MapIndex) Iterate(fn func(key, value []byte) bool) error {
	return m.access.Iterate(m.addr, func(fullKey, value []byte) bool {
		return fn(fullKey[len(m.addr):], value)
	})
}

// SetIndex is a MapIndex specialized to membership-only entries.
type SetIndex struct {
	m *MapIndex
}

// NewSetIndex opens a set view addressed by name.
func NewSetIndex(access ReadAccess, name string, familyID ...[]byte) *SetIndex {
	return &SetIndex{m: NewMapIndex(access, name, familyID...)}
}

var setMember = []byte{1}

// Contains reports whether item is a member.
func (s *SetIndex) Contains(item []byte) (bool, error) {
	return s.m.Has(item)
}

// Add inserts item into the set; a no-op if already present.
func (s *SetIndex) Add(item []byte) error {
	return s.m.Put(item, setMember)
}

// Remove deletes item from the set, if present.
func (s *SetIndex) Remove(item []byte) error {
	return s.m.Remove(item)
}

// Iterate walks every member, stopping early if fn returns false.
func (s *SetIndex) Iterate(fn func(item []byte) bool) error {
	return s.m.Iterate(func(key, _ []byte) bool { return fn(key) })
}

// ListIndex is an ordered, densely-indexed sequence with no root hash:
// push, indexed get, and length. Backing ProofListIndex reuses this for
// persistence and layers a Merkle root on top.
type ListIndex struct {
	addr   []byte
	access ReadAccess
}

// NewListIndex opens a list view addressed by name.
func NewListIndex(access ReadAccess, name string, familyID ...[]byte) *ListIndex {
	return &ListIndex{addr: IndexAddress(name, familyID...), access: access}
}

func (l *ListIndex) lenKey() []byte {
	return append(append([]byte{}, l.addr...), []byte("\x01len")...)
}

func (l *ListIndex) itemKey(i uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], i)
	return append(append([]byte{}, l.addr...), b[:]...)
}

// Len returns the number of elements pushed so far.
func (l *ListIndex) Len() (uint64, error) {
	v, err := l.access.Get(l.lenKey())
	if err != nil {
		return 0, fmt.Errorf("store: list len: %w", err)
	}
	if v == nil {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(v), nil
}

// Get returns the element at index, or (nil, false) if out of range.
func (l *ListIndex) Get(index uint64) ([]byte, bool, error) {
	n, err := l.Len()
	if err != nil {
		return nil, false, err
	}
	if index >= n {
		return nil, false, nil
	}
	v, err := l.access.Get(l.itemKey(index))
	if err != nil {
		return nil, false, fmt.Errorf("store: list get: %w", err)
	}
	return v, true, nil
}

// Push appends value as the new last element.
func (l *ListIndex) Push(value []byte) error {
	w, err := writable(l.access)
	if err != nil {
		return err
	}
	n, err := l.Len()
	if err != nil {
		return err
	}
	w.Set(l.itemKey(n), value)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n+1)
	w.Set(l.lenKey(), b[:])
	return nil
}

// EntryIndex holds at most one optional value under a single fixed key.
type EntryIndex struct {
	addr   []byte
	access ReadAccess
}

// NewEntryIndex opens an entry view addressed by name.
func NewEntryIndex(access ReadAccess, name string, familyID ...[]byte) *EntryIndex {
	return &EntryIndex{addr: IndexAddress(name, familyID...), access: access}
}

// Get returns the stored value, or (nil, false) if never set.
func (e *EntryIndex) Get() ([]byte, bool, error) {
	v, err := e.access.Get(e.addr)
	if err != nil {
		return nil, false, fmt.Errorf("store: entry get: %w", err)
	}
	return v, v != nil, nil
}

// Set stores value, replacing any prior one.
func (e *EntryIndex) Set(value []byte) error {
	w, err := writable(e.access)
	if err != nil {
		return err
	}
	w.Set(e.addr, value)
	return nil
}

// Remove clears the stored value.
func (e *EntryIndex) Remove() error {
	w, err := writable(e.access)
	if err != nil {
		return err
	}
	w.Delete(e.addr)
	return nil
}
