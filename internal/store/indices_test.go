package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapIndexPutGetRemove(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	m := NewMapIndex(fork, "core.accounts")
	require.NoError(t, m.Put([]byte("alice"), []byte("100")))

	v, ok, err := m.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("100"), v)

	require.NoError(t, m.Remove([]byte("alice")))
	_, ok, err = m.Get([]byte("alice"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMapIndexReadOnlyOverSnapshot(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()

	m := NewMapIndex(snap, "core.accounts")
	err := m.Put([]byte("alice"), []byte("100"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestSetIndexAddContainsRemove(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	s := NewSetIndex(fork, "core.peers")
	require.NoError(t, s.Add([]byte("peer-1")))

	ok, err := s.Contains([]byte("peer-1"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Remove([]byte("peer-1")))
	ok, err = s.Contains([]byte("peer-1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListIndexPushGetLen(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	l := NewListIndex(fork, "core.block_txs")
	require.NoError(t, l.Push([]byte("tx-1")))
	require.NoError(t, l.Push([]byte("tx-2")))

	n, err := l.Len()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	v, ok, err := l.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("tx-1"), v)

	_, ok, err = l.Get(5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEntryIndexSetGetRemove(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	entry := NewEntryIndex(fork, "core.consensus_config")
	_, ok, err := entry.Get()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, entry.Set([]byte("cfg-v1")))
	v, ok, err := entry.Get()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("cfg-v1"), v)

	require.NoError(t, entry.Remove())
	_, ok, err = entry.Get()
	require.NoError(t, err)
	require.False(t, ok)
}
