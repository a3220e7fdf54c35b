package store

import (
	"fmt"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/pkg/merkle"
)

// ProofMapIndex is a sparse Merkle trie over 256-bit keys: put, get,
// remove, an objectHash/key-proof pair. Raw values are persisted through an
// ordinary MapIndex keyed by the 32-byte key; the trie stores the hash of
// each value (per spec.md §4.1, "leaves store value hashes") and is rebuilt
// from the persisted entries on demand, mirroring ProofListIndex's rebuild
// strategy.
type ProofMapIndex struct {
	entries *MapIndex
}

// NewProofMapIndex opens a proof-map view addressed by name.
func NewProofMapIndex(access ReadAccess, name string, familyID ...[]byte) *ProofMapIndex {
	return &ProofMapIndex{entries: NewMapIndex(access, name, familyID...)}
}

// Get returns the raw value stored for key.
func (p *ProofMapIndex) Get(key merkle.Hash) ([]byte, bool, error) {
	return p.entries.Get(key[:])
}

// Put inserts or overwrites the value stored for key.
func (p *ProofMapIndex) Put(key merkle.Hash, value []byte) error {
	return p.entries.Put(key[:], value)
}

// Remove deletes key, if present.
func (p *ProofMapIndex) Remove(key merkle.Hash) error {
	return p.entries.Remove(key[:])
}

func (p *ProofMapIndex) rebuild() (*merkle.Trie, error) {
	t := merkle.NewTrie()
	var iterErr error
	err := p.entries.Iterate(func(k, v []byte) bool {
		if len(k) != merkle.HashSize {
			iterErr = fmt.Errorf("store: proof-map key %x is not %d bytes", k, merkle.HashSize)
			return false
		}
		var key merkle.Hash
		copy(key[:], k)
		t.Put(key, crypto.SHA256(v))
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return t, nil
}

// ObjectHash returns the trie's root hash. An empty trie's root is the zero
// hash.
func (p *ProofMapIndex) ObjectHash() (merkle.Hash, error) {
	t, err := p.rebuild()
	if err != nil {
		return merkle.Hash{}, err
	}
	return t.ObjectHash(), nil
}

// Proof returns an inclusion proof for key against ObjectHash.
func (p *ProofMapIndex) Proof(key merkle.Hash) (merkle.TrieProof, bool, error) {
	t, err := p.rebuild()
	if err != nil {
		return merkle.TrieProof{}, false, err
	}
	proof, ok := t.Proof(key)
	return proof, ok, nil
}
