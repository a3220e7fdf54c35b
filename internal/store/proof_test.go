package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/pkg/merkle"
)

func TestProofListPushObjectHashAndProof(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	pl := NewProofListIndex(fork, "core.block_txs")
	root0, err := pl.ObjectHash()
	require.NoError(t, err)
	require.Zero(t, root0)

	require.NoError(t, pl.Push([]byte("tx-1")))
	require.NoError(t, pl.Push([]byte("tx-2")))
	require.NoError(t, pl.Push([]byte("tx-3")))

	root, err := pl.ObjectHash()
	require.NoError(t, err)
	require.NotZero(t, root)

	for i := uint64(0); i < 3; i++ {
		proof, ok, err := pl.Proof(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, merkle.VerifyProof(root, proof))
	}
}

func TestProofMapPutGetRemoveObjectHash(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	pm := NewProofMapIndex(fork, "core.state")
	k1 := merkle.Hash(crypto.SHA256([]byte("key-1")))
	k2 := merkle.Hash(crypto.SHA256([]byte("key-2")))

	root0, err := pm.ObjectHash()
	require.NoError(t, err)
	require.Zero(t, root0)

	require.NoError(t, pm.Put(k1, []byte("v1")))
	require.NoError(t, pm.Put(k2, []byte("v2")))

	v, ok, err := pm.Get(k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	root, err := pm.ObjectHash()
	require.NoError(t, err)
	require.NotZero(t, root)

	proof, ok, err := pm.Proof(k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, merkle.VerifyTrieProof(root, proof))

	require.NoError(t, pm.Remove(k1))
	_, ok, err = pm.Get(k1)
	require.NoError(t, err)
	require.False(t, ok)
}
