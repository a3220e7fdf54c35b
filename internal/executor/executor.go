package executor

import (
	"encoding/binary"
	"fmt"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/dispatcher"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
	"github.com/rechain/rechain/pkg/merkle"
)

// Index names under the `core.` prefix, spec.md §3's PersistentIndices.
const (
	IndexBlocks       = "core.blocks"
	IndexBlockTxs     = "core.block_txs"
	IndexTransactions = "core.transactions"
	IndexTxResults    = "core.tx_results"
	IndexPrecommits   = "core.precommits"
)

func heightFamily(height uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], height)
	return b[:]
}

// Result is the outcome of building one block: its header, hash, the patch
// ready to be merged on commit, and the per-transaction results in order.
type Result struct {
	Header  Header
	Hash    crypto.Hash
	Patch   *store.Patch
	Results []TxStatus
}

// Build executes txs in order against a fork of snapshot and composes the
// resulting block, per spec.md §4.6. It does not merge the patch; the
// caller (the consensus machine, on reaching a precommit quorum) does that.
//
// Determinism invariant: for identical (snapshot, ordered transaction list,
// dispatcher registrations) every honest validator computes an identical
// Result.Hash.
func Build(snapshot *store.Snapshot, height uint64, proposerID uint16, prevHash crypto.Hash, txs []wire.SignedTransaction, disp *dispatcher.Dispatcher) (Result, error) {
	fork := snapshot.Fork()

	blockTxs := store.NewProofListIndex(fork, IndexBlockTxs, heightFamily(height))
	txResults := store.NewProofListIndex(fork, IndexTxResults, heightFamily(height))
	txIndex := store.NewMapIndex(fork, IndexTransactions)

	results := make([]TxStatus, 0, len(txs))
	for _, tx := range txs {
		hash := tx.Hash()
		if err := blockTxs.Push(hash[:]); err != nil {
			return Result{}, fmt.Errorf("executor: record tx hash: %w", err)
		}
		if err := txIndex.Put(hash[:], tx.Encode()); err != nil {
			return Result{}, fmt.Errorf("executor: persist tx: %w", err)
		}

		status := executeOne(fork, tx, disp)
		results = append(results, status)
		if err := txResults.Push(status.Encode()); err != nil {
			return Result{}, fmt.Errorf("executor: record tx result: %w", err)
		}
	}

	if err := disp.AfterTransactionsAll(fork); err != nil {
		return Result{}, fmt.Errorf("executor: after_transactions: %w", err)
	}

	stateHash, err := aggregateStateHash(fork, disp)
	if err != nil {
		return Result{}, err
	}

	txMerkleRoot, err := blockTxs.ObjectHash()
	if err != nil {
		return Result{}, fmt.Errorf("executor: tx merkle root: %w", err)
	}

	header := Header{
		SchemaVersion: SchemaVersion,
		ProposerID:    proposerID,
		Height:        height,
		TxCount:       uint32(len(txs)),
		PrevHash:      prevHash,
		TxMerkleRoot:  crypto.Hash(txMerkleRoot),
		StateHash:     stateHash,
	}

	blocks := store.NewMapIndex(fork, IndexBlocks)
	var heightKey [8]byte
	binary.LittleEndian.PutUint64(heightKey[:], height)
	if err := blocks.Put(heightKey[:], header.Encode()); err != nil {
		return Result{}, fmt.Errorf("executor: persist header: %w", err)
	}

	return Result{
		Header:  header,
		Hash:    header.Hash(),
		Patch:   fork.IntoPatch(),
		Results: results,
	}, nil
}

// BuildGenesis composes the height-0 block: it runs every registered
// service's Initialize hook against a fresh fork, then aggregates state
// roots exactly as Build does for an ordinary block, satisfying spec.md §8
// property 7 ("block at height 0 exists, its prevHash is zero, its
// stateHash equals the post-initialize state hash").
func BuildGenesis(snapshot *store.Snapshot, disp *dispatcher.Dispatcher) (Result, error) {
	fork := snapshot.Fork()

	if err := disp.InitializeAll(fork); err != nil {
		return Result{}, fmt.Errorf("executor: initialize genesis: %w", err)
	}

	blockTxs := store.NewProofListIndex(fork, IndexBlockTxs, heightFamily(0))
	txMerkleRoot, err := blockTxs.ObjectHash()
	if err != nil {
		return Result{}, fmt.Errorf("executor: genesis tx merkle root: %w", err)
	}

	stateHash, err := aggregateStateHash(fork, disp)
	if err != nil {
		return Result{}, err
	}

	header := Header{
		SchemaVersion: SchemaVersion,
		ProposerID:    0,
		Height:        0,
		TxCount:       0,
		PrevHash:      crypto.Hash{},
		TxMerkleRoot:  crypto.Hash(txMerkleRoot),
		StateHash:     stateHash,
	}

	blocks := store.NewMapIndex(fork, IndexBlocks)
	var heightKey [8]byte
	binary.LittleEndian.PutUint64(heightKey[:], 0)
	if err := blocks.Put(heightKey[:], header.Encode()); err != nil {
		return Result{}, fmt.Errorf("executor: persist genesis header: %w", err)
	}

	return Result{
		Header: header,
		Hash:   header.Hash(),
		Patch:  fork.IntoPatch(),
	}, nil
}

// executeOne dispatches and runs a single transaction, rolling back only
// its own writes on a typed error or a caught panic, per spec.md §4.6 step
// 2 and §7's execution-error taxonomy.
func executeOne(fork *store.Fork, tx wire.SignedTransaction, disp *dispatcher.Dispatcher) (status TxStatus) {
	mark := fork.Checkpoint()

	decoded, err := disp.Dispatch(tx)
	if err != nil {
		// A transaction that reached block construction must already have
		// passed dispatch at pool-insertion time; treat a late failure as a
		// zero-effect execution error rather than aborting the block.
		fork.RollbackTo(mark)
		return TxStatus{OK: false, Code: 1, Description: err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			fork.RollbackTo(mark)
			status = TxStatus{OK: false, Code: ErrCodePanic, Description: fmt.Sprintf("%v", r)}
		}
	}()

	if err := decoded.Execute(fork); err != nil {
		fork.RollbackTo(mark)
		return TxStatus{OK: false, Code: 2, Description: err.Error()}
	}
	return TxStatus{OK: true}
}

// aggregateStateHash combines every service's state roots, in registration
// order, into spec.md §4.6 step 3's single stateHash.
func aggregateStateHash(fork *store.Fork, disp *dispatcher.Dispatcher) (crypto.Hash, error) {
	roots, err := disp.StateHash(fork)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("executor: aggregate state hash: %w", err)
	}
	buf := make([]byte, 0, len(roots)*merkle.HashSize)
	for _, r := range roots {
		buf = append(buf, r[:]...)
	}
	return crypto.SHA256(buf), nil
}

// RecordPrecommits persists the Precommit quorum that certified blockHash,
// spec.md §3's core.precommits(blockHash) index. Called by the consensus
// machine as part of the same patch that commits the block.
func RecordPrecommits(fork *store.Fork, blockHash crypto.Hash, precommits []wire.SignedPrecommit) error {
	list := store.NewListIndex(fork, IndexPrecommits, blockHash[:])
	for _, pc := range precommits {
		if err := list.Push(pc.Encode()); err != nil {
			return fmt.Errorf("executor: record precommit: %w", err)
		}
	}
	return nil
}

// LoadHeader reads the header stored at height, if any.
func LoadHeader(access store.ReadAccess, height uint64) (Header, bool, error) {
	blocks := store.NewMapIndex(access, IndexBlocks)
	var heightKey [8]byte
	binary.LittleEndian.PutUint64(heightKey[:], height)
	raw, ok, err := blocks.Get(heightKey[:])
	if err != nil || !ok {
		return Header{}, false, err
	}
	h, err := DecodeHeader(raw)
	return h, err == nil, err
}

// LoadTransaction reads the persisted envelope for hash, if any.
func LoadTransaction(access store.ReadAccess, hash crypto.Hash) (wire.SignedTransaction, bool, error) {
	txIndex := store.NewMapIndex(access, IndexTransactions)
	raw, ok, err := txIndex.Get(hash[:])
	if err != nil || !ok {
		return wire.SignedTransaction{}, false, err
	}
	tx, err := wire.DecodeSignedTransaction(raw)
	return tx, err == nil, err
}

// LoadBlockTxHashes reads the ordered transaction hash list for height.
func LoadBlockTxHashes(access store.ReadAccess, height uint64) ([]crypto.Hash, error) {
	list := store.NewProofListIndex(access, IndexBlockTxs, heightFamily(height))
	n, err := list.Len()
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Hash, n)
	for i := uint64(0); i < n; i++ {
		raw, ok, err := list.Get(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("executor: missing block tx hash %d of %d at height %d", i, n, height)
		}
		h, err := crypto.HashFromBytes(raw)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
