package store

import (
	"fmt"

	"github.com/rechain/rechain/pkg/merkle"
)

// ProofListIndex is an append-only Merkle list: push, indexed get, len, and
// an objectHash/range-proof pair that let a light client verify a single
// element against the root without holding the whole list. It persists raw
// leaf values through an ordinary ListIndex and rebuilds the in-memory
// Merkle tree from them on demand, the same "load everything, rebuild the
// tree" shape the teacher's MerkleStore.rebuildTree uses for its flat state
// tree.
type ProofListIndex struct {
	list *ListIndex
}

// NewProofListIndex opens a proof-list view addressed by name.
func NewProofListIndex(access ReadAccess, name string, familyID ...[]byte) *ProofListIndex {
	return &ProofListIndex{list: NewListIndex(access, name, familyID...)}
}

// Len returns the number of leaves pushed so far.
func (p *ProofListIndex) Len() (uint64, error) { return p.list.Len() }

// Get returns the raw value stored at index.
func (p *ProofListIndex) Get(index uint64) ([]byte, bool, error) { return p.list.Get(index) }

// Push appends value as the new last leaf.
func (p *ProofListIndex) Push(value []byte) error { return p.list.Push(value) }

func (p *ProofListIndex) rebuild() (*merkle.List, error) {
	n, err := p.list.Len()
	if err != nil {
		return nil, err
	}
	l := merkle.NewList()
	for i := uint64(0); i < n; i++ {
		v, ok, err := p.list.Get(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("store: proof-list missing leaf %d of %d", i, n)
		}
		l.Push(v)
	}
	return l, nil
}

// ObjectHash returns the Merkle root over every leaf pushed so far. The
// empty list's root is the zero hash.
func (p *ProofListIndex) ObjectHash() (merkle.Hash, error) {
	l, err := p.rebuild()
	if err != nil {
		return merkle.Hash{}, err
	}
	return l.Root(), nil
}

// Proof returns an audit path proving the leaf at index against ObjectHash.
func (p *ProofListIndex) Proof(index uint64) (merkle.RangeProof, bool, error) {
	l, err := p.rebuild()
	if err != nil {
		return merkle.RangeProof{}, false, err
	}
	proof, ok := l.Proof(int(index))
	return proof, ok, nil
}
