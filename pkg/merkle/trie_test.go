package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func key(b byte) Hash {
	var h Hash
	h[0] = b
	h[HashSize-1] = b
	return h
}

func val(s string) Hash {
	return hashLeaf([]byte(s))
}

func TestTrieEmptyRootIsZero(t *testing.T) {
	tr := NewTrie()
	require.Equal(t, Hash{}, tr.ObjectHash())
}

func TestTriePutGet(t *testing.T) {
	tr := NewTrie()
	tr.Put(key(1), val("one"))
	tr.Put(key(2), val("two"))
	tr.Put(key(3), val("three"))

	got, ok := tr.Get(key(2))
	require.True(t, ok)
	require.Equal(t, val("two"), got)

	_, ok = tr.Get(key(99))
	require.False(t, ok)
}

func TestTrieUpdateChangesRootButNotKeySet(t *testing.T) {
	tr := NewTrie()
	tr.Put(key(1), val("one"))
	root1 := tr.ObjectHash()

	tr.Put(key(1), val("uno"))
	root2 := tr.ObjectHash()
	require.NotEqual(t, root1, root2)

	got, ok := tr.Get(key(1))
	require.True(t, ok)
	require.Equal(t, val("uno"), got)
}

func TestTrieRootIndependentOfInsertionOrder(t *testing.T) {
	a := NewTrie()
	a.Put(key(1), val("one"))
	a.Put(key(2), val("two"))
	a.Put(key(3), val("three"))

	b := NewTrie()
	b.Put(key(3), val("three"))
	b.Put(key(1), val("one"))
	b.Put(key(2), val("two"))

	require.Equal(t, a.ObjectHash(), b.ObjectHash())
}

func TestTrieRemoveRestoresPriorRoot(t *testing.T) {
	tr := NewTrie()
	tr.Put(key(1), val("one"))
	root1 := tr.ObjectHash()

	tr.Put(key(2), val("two"))
	tr.Remove(key(2))

	require.Equal(t, root1, tr.ObjectHash())
	_, ok := tr.Get(key(2))
	require.False(t, ok)
}

func TestTrieProofRoundTrip(t *testing.T) {
	tr := NewTrie()
	tr.Put(key(1), val("one"))
	tr.Put(key(2), val("two"))
	tr.Put(key(3), val("three"))
	root := tr.ObjectHash()

	for _, k := range []Hash{key(1), key(2), key(3)} {
		proof, ok := tr.Proof(k)
		require.True(t, ok)
		require.True(t, VerifyTrieProof(root, proof))
	}
}

func TestTrieProofRejectsWrongValue(t *testing.T) {
	tr := NewTrie()
	tr.Put(key(1), val("one"))
	tr.Put(key(2), val("two"))
	root := tr.ObjectHash()

	proof, ok := tr.Proof(key(1))
	require.True(t, ok)
	proof.Value = val("tampered")
	require.False(t, VerifyTrieProof(root, proof))
}

func TestTrieProofMissingKey(t *testing.T) {
	tr := NewTrie()
	tr.Put(key(1), val("one"))
	_, ok := tr.Proof(key(2))
	require.False(t, ok)
}
