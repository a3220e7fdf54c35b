package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListRootChangesOnPush(t *testing.T) {
	l := NewList()
	root0 := l.Root()
	require.Equal(t, Hash{}, root0)

	l.Push([]byte("tx-a"))
	root1 := l.Root()
	require.NotEqual(t, root0, root1)

	l.Push([]byte("tx-b"))
	root2 := l.Root()
	require.NotEqual(t, root1, root2)
}

func TestListRootOrderSensitive(t *testing.T) {
	a := NewList()
	a.Push([]byte("x"))
	a.Push([]byte("y"))

	b := NewList()
	b.Push([]byte("y"))
	b.Push([]byte("x"))

	require.NotEqual(t, a.Root(), b.Root())
}

func TestListProofRoundTrip(t *testing.T) {
	l := NewList()
	values := []string{"a", "b", "c", "d", "e"}
	for _, v := range values {
		l.Push([]byte(v))
	}
	root := l.Root()

	for i := range values {
		proof, ok := l.Proof(i)
		require.True(t, ok)
		require.True(t, VerifyProof(root, proof), "index %d", i)
	}
}

func TestListProofRejectsTamperedLeaf(t *testing.T) {
	l := NewList()
	l.Push([]byte("a"))
	l.Push([]byte("b"))
	l.Push([]byte("c"))
	root := l.Root()

	proof, ok := l.Proof(1)
	require.True(t, ok)
	proof.Leaves[0] = hashLeaf([]byte("tampered"))
	require.False(t, VerifyProof(root, proof))
}

func TestListSingleLeafMatchesBuildTree(t *testing.T) {
	l := NewList()
	l.Push([]byte("only"))
	require.Equal(t, hashLeaf([]byte("only")), l.Root())
}
