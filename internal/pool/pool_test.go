package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/wire"
)

func signedTx(t *testing.T, serviceID uint16, payload string) wire.SignedTransaction {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return wire.SignedTransaction{ServiceID: serviceID, Payload: []byte(payload)}.Sign(kp.Secret)
}

func TestInsertRejectsBadSignature(t *testing.T) {
	p := New(0)
	tx := signedTx(t, 1, "a")
	tx.Payload = []byte("tampered")

	added, err := p.Insert(tx)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.False(t, added)
}

func TestInsertDedupsByHash(t *testing.T) {
	p := New(0)
	tx := signedTx(t, 1, "a")

	added, err := p.Insert(tx)
	require.NoError(t, err)
	require.True(t, added)

	added, err = p.Insert(tx)
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 1, p.Len())
}

func TestGetContainsRemove(t *testing.T) {
	p := New(0)
	tx := signedTx(t, 1, "a")
	_, err := p.Insert(tx)
	require.NoError(t, err)

	require.True(t, p.Contains(tx.Hash()))
	got, ok := p.Get(tx.Hash())
	require.True(t, ok)
	require.Equal(t, tx, got)

	p.Remove(tx.Hash())
	require.False(t, p.Contains(tx.Hash()))
	require.Equal(t, 0, p.Len())
}

func TestCapacityEvictsOldestArrival(t *testing.T) {
	p := New(2)
	tx1 := signedTx(t, 1, "1")
	tx2 := signedTx(t, 1, "2")
	tx3 := signedTx(t, 1, "3")

	for _, tx := range []wire.SignedTransaction{tx1, tx2, tx3} {
		_, err := p.Insert(tx)
		require.NoError(t, err)
	}

	require.Equal(t, 2, p.Len())
	require.False(t, p.Contains(tx1.Hash()), "oldest-inserted entry should have been evicted")
	require.True(t, p.Contains(tx2.Hash()))
	require.True(t, p.Contains(tx3.Hash()))
}

func TestIterateCappedReturnsOldestFirst(t *testing.T) {
	p := New(0)
	tx1 := signedTx(t, 1, "1")
	tx2 := signedTx(t, 1, "2")
	tx3 := signedTx(t, 1, "3")
	for _, tx := range []wire.SignedTransaction{tx1, tx2, tx3} {
		_, err := p.Insert(tx)
		require.NoError(t, err)
	}

	got := p.IterateCapped(2)
	require.Len(t, got, 2)
	require.Equal(t, tx1.Hash(), got[0].Hash())
	require.Equal(t, tx2.Hash(), got[1].Hash())
}
