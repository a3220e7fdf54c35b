// Package executor builds and applies blocks: given an ordered transaction
// list it executes each transaction against a fork of the latest committed
// snapshot, records a per-transaction result, computes the post-block state
// hash, and composes the block header spec.md §4.6 and §6 describe.
package executor

import (
	"encoding/binary"
	"fmt"

	"github.com/rechain/rechain/internal/crypto"
)

// SchemaVersion is the only block header encoding this build produces.
const SchemaVersion uint8 = 1

// Header is the persisted block header of spec.md §6:
// u8 schemaVersion | u16 proposerId | u64 height | u32 txCount | 32B prevHash
// | 32B txMerkleRoot | 32B stateHash.
type Header struct {
	SchemaVersion uint8
	ProposerID    uint16
	Height        uint64
	TxCount       uint32
	PrevHash      crypto.Hash
	TxMerkleRoot  crypto.Hash
	StateHash     crypto.Hash
}

const headerLen = 1 + 2 + 8 + 4 + crypto.HashSize*3

// Hash is the block's identity: the hash of its encoded header.
func (h Header) Hash() crypto.Hash {
	return crypto.SHA256(h.Encode())
}

// Encode serializes the header for wire transmission and persistence.
func (h Header) Encode() []byte {
	buf := make([]byte, headerLen)
	buf[0] = h.SchemaVersion
	binary.LittleEndian.PutUint16(buf[1:3], h.ProposerID)
	binary.LittleEndian.PutUint64(buf[3:11], h.Height)
	binary.LittleEndian.PutUint32(buf[11:15], h.TxCount)
	off := 15
	copy(buf[off:off+crypto.HashSize], h.PrevHash[:])
	off += crypto.HashSize
	copy(buf[off:off+crypto.HashSize], h.TxMerkleRoot[:])
	off += crypto.HashSize
	copy(buf[off:off+crypto.HashSize], h.StateHash[:])
	return buf
}

// DecodeHeader parses a header produced by Encode.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != headerLen {
		return Header{}, fmt.Errorf("executor: header expects %d bytes, got %d", headerLen, len(b))
	}
	var h Header
	h.SchemaVersion = b[0]
	h.ProposerID = binary.LittleEndian.Uint16(b[1:3])
	h.Height = binary.LittleEndian.Uint64(b[3:11])
	h.TxCount = binary.LittleEndian.Uint32(b[11:15])
	off := 15
	copy(h.PrevHash[:], b[off:off+crypto.HashSize])
	off += crypto.HashSize
	copy(h.TxMerkleRoot[:], b[off:off+crypto.HashSize])
	off += crypto.HashSize
	copy(h.StateHash[:], b[off:off+crypto.HashSize])
	return h, nil
}

// TxStatus is the outcome spec.md §3 records per executed transaction:
// either Ok, or a typed (code, description) error.
type TxStatus struct {
	OK          bool
	Code        uint8
	Description string
}

// ErrCodePanic is the reserved error code for a service handler that
// panicked mid-execution (spec.md §9's open question, resolved in
// SPEC_FULL.md §5 as a distinct kind from application-returned errors).
const ErrCodePanic uint8 = 0xFF

func (s TxStatus) Encode() []byte {
	if s.OK {
		return []byte{0x00}
	}
	desc := []byte(s.Description)
	buf := make([]byte, 2+2+len(desc))
	buf[0] = 0x01
	buf[1] = s.Code
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(desc)))
	copy(buf[4:], desc)
	return buf
}

func DecodeTxStatus(b []byte) (TxStatus, error) {
	if len(b) == 0 {
		return TxStatus{}, fmt.Errorf("executor: empty tx status")
	}
	if b[0] == 0x00 {
		return TxStatus{OK: true}, nil
	}
	if len(b) < 4 {
		return TxStatus{}, fmt.Errorf("executor: truncated tx status")
	}
	descLen := int(binary.LittleEndian.Uint16(b[2:4]))
	if len(b) != 4+descLen {
		return TxStatus{}, fmt.Errorf("executor: tx status description length mismatch")
	}
	return TxStatus{OK: false, Code: b[1], Description: string(b[4:])}, nil
}
