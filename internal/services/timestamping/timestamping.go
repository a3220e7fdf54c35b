// Package timestamping is a small illustration service: it anchors a
// caller-supplied content hash plus free-form metadata at a point in
// blockchain time, and refuses to anchor the same content hash twice.
package timestamping

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/dispatcher"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/pkg/merkle"
)

// ServiceID and ServiceName identify this service in the dispatcher's fixed
// registration order.
const (
	ServiceID   uint16 = 128
	ServiceName        = "timestamping"
)

const entriesIndex = "timestamping.entries"

// ErrAlreadyAnchored is returned when a transaction names a content hash
// this service has already anchored.
var ErrAlreadyAnchored = errors.New("timestamping: content hash already anchored")

// Entry is the anchored record for one content hash.
type Entry struct {
	ContentHash crypto.Hash
	Metadata    string
	Time        int64 // unix seconds, as carried in the anchoring request
}

func encodeEntry(e Entry) []byte {
	meta := []byte(e.Metadata)
	buf := make([]byte, 0, crypto.HashSize+2+len(meta)+8)
	buf = append(buf, e.ContentHash[:]...)
	buf = append(buf, byte(len(meta)>>8), byte(len(meta)))
	buf = append(buf, meta...)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], uint64(e.Time))
	buf = append(buf, tb[:]...)
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < crypto.HashSize+2 {
		return Entry{}, fmt.Errorf("timestamping: truncated entry")
	}
	var e Entry
	copy(e.ContentHash[:], b[:crypto.HashSize])
	rest := b[crypto.HashSize:]
	metaLen := int(rest[0])<<8 | int(rest[1])
	rest = rest[2:]
	if len(rest) < metaLen+8 {
		return Entry{}, fmt.Errorf("timestamping: truncated entry metadata")
	}
	e.Metadata = string(rest[:metaLen])
	e.Time = int64(binary.BigEndian.Uint64(rest[metaLen : metaLen+8]))
	return e, nil
}

// Transaction anchors one content hash. ServiceID-level signing and
// dedup-by-envelope-hash happen in the pool; this service only rejects a
// content hash it has already anchored.
type Transaction struct {
	entry Entry
}

// Execute inserts the entry if its content hash is new, otherwise fails
// with ErrAlreadyAnchored (rolling back only this transaction's writes).
func (tx *Transaction) Execute(fork *store.Fork) error {
	idx := store.NewProofMapIndex(fork, entriesIndex)
	if _, ok, err := idx.Get(merkle.Hash(tx.entry.ContentHash)); err != nil {
		return err
	} else if ok {
		return ErrAlreadyAnchored
	}
	return idx.Put(merkle.Hash(tx.entry.ContentHash), encodeEntry(tx.entry))
}

// Service implements dispatcher.Service for timestamping.
type Service struct{}

// New returns a timestamping service instance.
func New() *Service { return &Service{} }

func (s *Service) ID() uint16   { return ServiceID }
func (s *Service) Name() string { return ServiceName }

// TxFromRaw decodes a raw anchoring request: a 32-byte content hash, a
// length-prefixed metadata string, and an 8-byte timestamp supplied by the
// caller. Time is stored as given: nothing checks it against or replaces it
// with a block time (EncodeAnchorRequest leaves it 0).
func (s *Service) TxFromRaw(raw []byte) (dispatcher.Transaction, error) {
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, err
	}
	return &Transaction{entry: entry}, nil
}

// StateHash returns the anchored-entries trie's root.
func (s *Service) StateHash(access store.ReadAccess) ([]merkle.Hash, error) {
	idx := store.NewProofMapIndex(access, entriesIndex)
	root, err := idx.ObjectHash()
	if err != nil {
		return nil, err
	}
	return []merkle.Hash{root}, nil
}

// Lookup returns the anchored entry for contentHash, if any.
func (s *Service) Lookup(snapshot *store.Snapshot, contentHash crypto.Hash) (Entry, bool, error) {
	idx := store.NewProofMapIndex(snapshot, entriesIndex)
	raw, ok, err := idx.Get(merkle.Hash(contentHash))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(raw)
	return entry, err == nil, err
}

// EncodeAnchorRequest builds the raw payload for a transaction envelope
// targeting this service (its wire.SignedTransaction.Payload).
func EncodeAnchorRequest(contentHash crypto.Hash, metadata string) []byte {
	return encodeEntry(Entry{ContentHash: contentHash, Metadata: metadata})
}
