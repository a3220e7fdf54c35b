package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestSnapshotSeesOnlyMergedState(t *testing.T) {
	e := openTestEngine(t)

	before := e.Snapshot()
	defer before.Discard()

	fork := before.Fork()
	fork.Set([]byte("k"), []byte("v1"))
	require.NoError(t, e.Merge(fork.IntoPatch()))

	v, err := before.Get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, v, "pre-merge snapshot must not observe the merge")

	after := e.Snapshot()
	defer after.Discard()
	v, err = after.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestForkReadsOwnWritesBeforeSnapshot(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()

	fork := snap.Fork()
	v, err := fork.Get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)

	fork.Set([]byte("k"), []byte("staged"))
	v, err = fork.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), v)

	fork.Delete([]byte("k"))
	v, err = fork.Get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestForkRollbackToUndoesOnlyLaterWrites(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	defer snap.Discard()
	fork := snap.Fork()

	fork.Set([]byte("a"), []byte("1"))
	mark := fork.Checkpoint()
	fork.Set([]byte("b"), []byte("2"))
	fork.Set([]byte("a"), []byte("overwritten"))

	fork.RollbackTo(mark)

	v, err := fork.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = fork.Get([]byte("b"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestMergeSyncPersists(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	fork := snap.Fork()
	fork.Set([]byte("durable"), []byte("1"))
	require.NoError(t, e.MergeSync(fork.IntoPatch()))
	snap.Discard()

	after := e.Snapshot()
	defer after.Discard()
	v, err := after.Get([]byte("durable"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestIteratePrefix(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()
	fork := snap.Fork()
	fork.Set(append(IndexAddress("core.items"), []byte("a")...), []byte("1"))
	fork.Set(append(IndexAddress("core.items"), []byte("b")...), []byte("2"))
	fork.Set(append(IndexAddress("core.other"), []byte("c")...), []byte("3"))
	require.NoError(t, e.Merge(fork.IntoPatch()))
	snap.Discard()

	after := e.Snapshot()
	defer after.Discard()

	seen := map[string]string{}
	err := after.Iterate(IndexAddress("core.items"), func(key, value []byte) bool {
		seen[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
}
