// Package tests holds whole-cluster integration scenarios that exercise
// the consensus state machine, block executor and persistent store
// together through testutil.Harness, mirroring the end-to-end scenarios
// spec.md §8 seeds the integration suite with.
package tests

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/dispatcher"
	"github.com/rechain/rechain/internal/executor"
	"github.com/rechain/rechain/internal/services/timestamping"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
	"github.com/rechain/rechain/pkg/merkle"
	"github.com/rechain/rechain/testutil"
)

func newSignedAnchor(t *testing.T, contentHash crypto.Hash, metadata string) wire.SignedTransaction {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx := wire.SignedTransaction{
		ServiceID: timestamping.ServiceID,
		Payload:   timestamping.EncodeAnchorRequest(contentHash, metadata),
	}
	return tx.Sign(kp.Secret)
}

// TestSingleTransactionMerkleRoot covers spec.md §8 S1's single-leaf Merkle
// rule: a block carrying exactly one transaction has a txMerkleRoot equal
// to hash(0x00 | txHash), and block_txs(height)[0] is that transaction's
// hash. The genesis floor of spec.md §6 (at least 4 validators) means this
// runs against a real 4-validator cluster rather than S1's literal n=1,
// but the per-block invariant under test is identical.
func TestSingleTransactionMerkleRoot(t *testing.T) {
	h := testutil.NewHarness(t, 4)
	stop := h.Run()
	t.Cleanup(stop)

	tx := newSignedAnchor(t, crypto.SHA256([]byte{0xDE, 0xAD, 0xBE, 0xEF}), "")
	h.SubmitToAll(tx)

	h.AwaitHeight(2, 5*time.Second)

	v := h.Validators[0]
	snap := v.Store.Snapshot()
	defer snap.Discard()

	header, ok, err := executor.LoadHeader(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, header.TxCount)

	hashes, err := executor.LoadBlockTxHashes(snap, 1)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	require.Equal(t, tx.Hash(), hashes[0])

	list := merkle.NewList()
	list.Push(tx.Hash().Bytes())
	require.Equal(t, merkle.Hash(header.TxMerkleRoot), list.Root())
}

// TestFourValidatorHappyPath covers spec.md §8 S2: four honest validators,
// three submitted transactions, and agreement on an identical block,
// identical per-tx results and identical state hash.
func TestFourValidatorHappyPath(t *testing.T) {
	h := testutil.NewHarness(t, 4)
	stop := h.Run()
	t.Cleanup(stop)

	var txs []wire.SignedTransaction
	for i := 0; i < 3; i++ {
		txs = append(txs, newSignedAnchor(t, crypto.SHA256([]byte{byte(i)}), "note"))
	}
	for _, tx := range txs {
		h.SubmitToAll(tx)
	}

	h.AwaitHeight(2, 5*time.Second)

	var headers []executor.Header
	for _, v := range h.Validators {
		snap := v.Store.Snapshot()
		header, ok, err := executor.LoadHeader(snap, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, 3, header.TxCount)

		hashes, err := executor.LoadBlockTxHashes(snap, 1)
		require.NoError(t, err)
		require.Len(t, hashes, 3)
		for i, tx := range txs {
			require.Equal(t, tx.Hash(), hashes[i], "transaction order must match insertion order")
		}

		resultsIdx := store.NewProofListIndex(snap, executor.IndexTxResults, heightFamilyForTest(1))
		n, err := resultsIdx.Len()
		require.NoError(t, err)
		require.EqualValues(t, 3, n)
		for i := uint64(0); i < n; i++ {
			raw, ok, err := resultsIdx.Get(i)
			require.NoError(t, err)
			require.True(t, ok)
			status, err := executor.DecodeTxStatus(raw)
			require.NoError(t, err)
			require.True(t, status.OK, "tx %d expected Ok, got %+v", i, status)
		}

		snap.Discard()
		headers = append(headers, header)
	}

	for i := 1; i < len(headers); i++ {
		require.Equal(t, headers[0].Hash(), headers[i].Hash(), "all validators must commit an identical block")
		require.Equal(t, headers[0].StateHash, headers[i].StateHash, "all validators must agree on the post-block state hash")
	}
}

// heightFamilyForTest mirrors executor's unexported heightFamily helper;
// duplicated here since index addressing is a store-layer concern the
// executor package does not export, and the test only needs it to read
// back a proof-list the executor already wrote.
func heightFamilyForTest(height uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(height >> (8 * i))
	}
	return b
}

// TestSilentProposerRecovery covers spec.md §8 S3: if the round-1 proposer
// at height 1 never broadcasts a Propose, every validator must time out,
// advance to round 2, and the round-2 proposer's block must still commit.
func TestSilentProposerRecovery(t *testing.T) {
	h := testutil.NewHarness(t, 4)

	// Round 1's proposer at height 1 is validators[(1+1-1)%4] = validators[1].
	// Drop every Propose it tries to broadcast so the round times out.
	silencedID := uint16(1)
	for _, v := range h.Validators {
		if v.ID != silencedID {
			continue
		}
		v.Net.Drop = func(f wire.Frame) bool {
			return f.Class == wire.ClassConsensus && f.Type == wire.TypePropose
		}
	}

	stop := h.Run()
	t.Cleanup(stop)

	tx := newSignedAnchor(t, crypto.SHA256([]byte("s3")), "")
	h.SubmitToAll(tx)

	h.AwaitHeight(2, 5*time.Second)

	v := h.Validators[0]
	snap := v.Store.Snapshot()
	defer snap.Discard()
	header, ok, err := executor.LoadHeader(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, silencedID, header.ProposerID, "the silenced round-1 proposer must not have authored the committed block")
}

// TestLockRecoveryViaProposeRequest covers spec.md §4.5's lock-acquisition
// liveness path: a validator that reaches +2/3 Prevotes for a propose hash
// it never itself received must recover the propose via RequestPropose
// rather than stalling, and still commit the block.
func TestLockRecoveryViaProposeRequest(t *testing.T) {
	h := testutil.NewHarness(t, 4)

	// Round 1's proposer at height 1 is validators[(1+1-1)%4] = validators[1].
	// Withhold its Propose from validators[2] alone; validators[0] and [3]
	// still see it and prevote, so validators[2] sees 3 Prevotes (itself
	// excluded) without ever having seen the Propose they refer to.
	const proposerID, blindID = uint16(1), uint16(2)
	for _, v := range h.Validators {
		if v.ID != proposerID {
			continue
		}
		v.Net.DropTo = func(recipientID uint16, f wire.Frame) bool {
			return recipientID == blindID && f.Class == wire.ClassConsensus && f.Type == wire.TypePropose
		}
	}

	stop := h.Run()
	t.Cleanup(stop)

	tx := newSignedAnchor(t, crypto.SHA256([]byte("s4")), "")
	h.SubmitToAll(tx)

	h.AwaitHeight(2, 5*time.Second)

	var headers []executor.Header
	for _, v := range h.Validators {
		snap := v.Store.Snapshot()
		header, ok, err := executor.LoadHeader(snap, 1)
		snap.Discard()
		require.NoError(t, err)
		require.True(t, ok)
		headers = append(headers, header)
	}
	require.Equal(t, proposerID, headers[0].ProposerID)
	for i := 1; i < len(headers); i++ {
		require.Equal(t, headers[0].Hash(), headers[i].Hash(), "the blind validator must recover and commit the same block as everyone else")
	}
}

// panicService is a minimal dispatcher.Service whose transactions panic on
// a reserved payload byte, used by TestTransactionPanicIsolatesItsEffects
// to exercise spec.md §8 S5's panic-isolation guarantee without depending
// on a handler in the corpus actually panicking under normal input.
type panicService struct{}

const (
	panicServiceID   uint16 = 200
	panicServiceName        = "panictest"
)

type panicTx struct {
	key   []byte
	panic bool
}

func (tx *panicTx) Execute(fork *store.Fork) error {
	if tx.panic {
		panic("boom")
	}
	fork.Set(append([]byte("panictest."), tx.key...), []byte{1})
	return nil
}

func (s *panicService) ID() uint16   { return panicServiceID }
func (s *panicService) Name() string { return panicServiceName }

func (s *panicService) TxFromRaw(raw []byte) (dispatcher.Transaction, error) {
	if len(raw) == 0 {
		return nil, errors.New("panictest: empty payload")
	}
	return &panicTx{key: raw[1:], panic: raw[0] == 1}, nil
}

func (s *panicService) StateHash(access store.ReadAccess) ([]merkle.Hash, error) {
	return []merkle.Hash{{}}, nil
}

// TestTransactionPanicIsolatesItsEffects covers spec.md §8 S5: tx A (ok),
// tx B (panics), tx C (ok) in one block commit with A and C's effects
// persisted and B treated as a reserved-code execution error, without
// aborting the rest of the block.
func TestTransactionPanicIsolatesItsEffects(t *testing.T) {
	disp := dispatcher.New()
	require.NoError(t, disp.Register(&panicService{}))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	snap := st.Snapshot()
	genesisResult, err := executor.BuildGenesis(snap, disp)
	snap.Discard()
	require.NoError(t, err)
	require.NoError(t, st.MergeSync(genesisResult.Patch))

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sign := func(payload []byte) wire.SignedTransaction {
		tx := wire.SignedTransaction{ServiceID: panicServiceID, Payload: payload}
		return tx.Sign(kp.Secret)
	}
	txA := sign(append([]byte{0}, []byte("a")...))
	txB := sign(append([]byte{1}, []byte("b")...))
	txC := sign(append([]byte{0}, []byte("c")...))

	snap = st.Snapshot()
	result, err := executor.Build(snap, 1, 0, genesisResult.Hash, []wire.SignedTransaction{txA, txB, txC}, disp)
	snap.Discard()
	require.NoError(t, err)
	require.NoError(t, st.Merge(result.Patch))

	require.Len(t, result.Results, 3)
	require.True(t, result.Results[0].OK)
	require.False(t, result.Results[1].OK)
	require.EqualValues(t, executor.ErrCodePanic, result.Results[1].Code)
	require.True(t, result.Results[2].OK)

	final := st.Snapshot()
	defer final.Discard()
	hasA, err := final.Has([]byte("panictest.a"))
	require.NoError(t, err)
	require.True(t, hasA, "tx A's effects must persist")
	hasB, err := final.Has([]byte("panictest.b"))
	require.NoError(t, err)
	require.False(t, hasB, "tx B's effects must be rolled back")
	hasC, err := final.Has([]byte("panictest.c"))
	require.NoError(t, err)
	require.True(t, hasC, "tx C's effects must persist")
}
