package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/rechain/rechain/internal/crypto"
)

// Frame classes group related message types.
const (
	ClassLink      uint8 = 1 // Connect, Status
	ClassConsensus uint8 = 2 // Propose, Prevote, Precommit
	ClassSync      uint8 = 3 // BlockRequest/Response, ProposeRequest, TransactionsRequest/Response
	ClassPeer      uint8 = 4 // PeersRequest
)

// Frame types within ClassLink.
const (
	TypeConnect uint8 = iota + 1
	TypeStatus
)

// Frame types within ClassConsensus.
const (
	TypePropose uint8 = iota + 1
	TypePrevote
	TypePrecommit
)

// Frame types within ClassSync.
const (
	TypeBlockRequest uint8 = iota + 1
	TypeBlockResponse
	TypeProposeRequest
	TypeProposeResponse
	TypeTransactionsRequest
	TypeTransactionsResponse
)

// Frame type within ClassPeer.
const TypePeersRequest uint8 = 1

// ProtocolVersion is the only wire version this build speaks.
const ProtocolVersion uint16 = 1

func putUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func getUint64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

// Connect is the liveness beacon exchanged when a link is established.
type Connect struct {
	ListenAddr string
	Time       int64
	UserAgent  string
}

func (m Connect) EncodePayload() []byte {
	fixed := make([]byte, 8)
	putUint64(fixed, uint64(m.Time))
	return append(fixed, EncodeSegments([][]byte{[]byte(m.ListenAddr), []byte(m.UserAgent)})...)
}

func DecodeConnect(payload []byte) (Connect, error) {
	if len(payload) < 8 {
		return Connect{}, fmt.Errorf("wire: %w: truncated connect", ErrStructural)
	}
	t := int64(getUint64(payload[:8]))
	blobs, _, err := DecodeSegments(payload[8:])
	if err != nil {
		return Connect{}, err
	}
	if len(blobs) != 2 {
		return Connect{}, fmt.Errorf("wire: %w: connect expects 2 segments, got %d", ErrStructural, len(blobs))
	}
	return Connect{ListenAddr: string(blobs[0]), Time: t, UserAgent: string(blobs[1])}, nil
}

// Status is the periodic height/pool-size beacon used to detect lag.
type Status struct {
	Height        uint64
	LastBlockHash crypto.Hash
	PoolSize      uint64
}

const statusLen = 8 + crypto.HashSize + 8

func (m Status) EncodePayload() []byte {
	buf := make([]byte, statusLen)
	putUint64(buf[0:8], m.Height)
	copy(buf[8:8+crypto.HashSize], m.LastBlockHash[:])
	putUint64(buf[8+crypto.HashSize:], m.PoolSize)
	return buf
}

func DecodeStatus(payload []byte) (Status, error) {
	if len(payload) != statusLen {
		return Status{}, fmt.Errorf("wire: %w: status expects %d bytes, got %d", ErrStructural, statusLen, len(payload))
	}
	var m Status
	m.Height = getUint64(payload[0:8])
	copy(m.LastBlockHash[:], payload[8:8+crypto.HashSize])
	m.PoolSize = getUint64(payload[8+crypto.HashSize:])
	return m, nil
}

// Propose is signed by the round's proposer.
type Propose struct {
	ValidatorID uint16
	Height      uint64
	Round       uint32
	PrevHash    crypto.Hash
	TxHashes    []crypto.Hash
}

const proposeFixedLen = 2 + 8 + 4 + crypto.HashSize

func (m Propose) EncodePayload() []byte {
	fixed := make([]byte, proposeFixedLen)
	binary.LittleEndian.PutUint16(fixed[0:2], m.ValidatorID)
	putUint64(fixed[2:10], m.Height)
	binary.LittleEndian.PutUint32(fixed[10:14], m.Round)
	copy(fixed[14:14+crypto.HashSize], m.PrevHash[:])

	blobs := make([][]byte, len(m.TxHashes))
	for i, h := range m.TxHashes {
		blobs[i] = append([]byte{}, h[:]...)
	}
	return append(fixed, EncodeSegments(blobs)...)
}

func DecodePropose(payload []byte) (Propose, error) {
	if len(payload) < proposeFixedLen {
		return Propose{}, fmt.Errorf("wire: %w: truncated propose", ErrStructural)
	}
	var m Propose
	m.ValidatorID = binary.LittleEndian.Uint16(payload[0:2])
	m.Height = getUint64(payload[2:10])
	m.Round = binary.LittleEndian.Uint32(payload[10:14])
	copy(m.PrevHash[:], payload[14:14+crypto.HashSize])

	blobs, _, err := DecodeSegments(payload[proposeFixedLen:])
	if err != nil {
		return Propose{}, err
	}
	m.TxHashes = make([]crypto.Hash, len(blobs))
	for i, b := range blobs {
		h, err := crypto.HashFromBytes(b)
		if err != nil {
			return Propose{}, fmt.Errorf("wire: %w: propose tx hash %d: %v", ErrStructural, i, err)
		}
		m.TxHashes[i] = h
	}
	return m, nil
}

// Prevote records a validator's vote for a propose hash in a round, and the
// round of its current lock, if any.
type Prevote struct {
	ValidatorID uint16
	Height      uint64
	Round       uint32
	ProposeHash crypto.Hash
	LockedRound uint32
}

const prevoteLen = 2 + 8 + 4 + crypto.HashSize + 4

func (m Prevote) EncodePayload() []byte {
	buf := make([]byte, prevoteLen)
	binary.LittleEndian.PutUint16(buf[0:2], m.ValidatorID)
	putUint64(buf[2:10], m.Height)
	binary.LittleEndian.PutUint32(buf[10:14], m.Round)
	copy(buf[14:14+crypto.HashSize], m.ProposeHash[:])
	binary.LittleEndian.PutUint32(buf[14+crypto.HashSize:], m.LockedRound)
	return buf
}

func DecodePrevote(payload []byte) (Prevote, error) {
	if len(payload) != prevoteLen {
		return Prevote{}, fmt.Errorf("wire: %w: prevote expects %d bytes, got %d", ErrStructural, prevoteLen, len(payload))
	}
	var m Prevote
	m.ValidatorID = binary.LittleEndian.Uint16(payload[0:2])
	m.Height = getUint64(payload[2:10])
	m.Round = binary.LittleEndian.Uint32(payload[10:14])
	copy(m.ProposeHash[:], payload[14:14+crypto.HashSize])
	m.LockedRound = binary.LittleEndian.Uint32(payload[14+crypto.HashSize:])
	return m, nil
}

// Precommit is cast once a validator has executed the proposed block.
type Precommit struct {
	ValidatorID uint16
	Height      uint64
	Round       uint32
	ProposeHash crypto.Hash
	BlockHash   crypto.Hash
	Time        int64
}

const precommitLen = 2 + 8 + 4 + crypto.HashSize + crypto.HashSize + 8

func (m Precommit) EncodePayload() []byte {
	buf := make([]byte, precommitLen)
	binary.LittleEndian.PutUint16(buf[0:2], m.ValidatorID)
	putUint64(buf[2:10], m.Height)
	binary.LittleEndian.PutUint32(buf[10:14], m.Round)
	off := 14
	copy(buf[off:off+crypto.HashSize], m.ProposeHash[:])
	off += crypto.HashSize
	copy(buf[off:off+crypto.HashSize], m.BlockHash[:])
	off += crypto.HashSize
	putUint64(buf[off:], uint64(m.Time))
	return buf
}

func DecodePrecommit(payload []byte) (Precommit, error) {
	if len(payload) != precommitLen {
		return Precommit{}, fmt.Errorf("wire: %w: precommit expects %d bytes, got %d", ErrStructural, precommitLen, len(payload))
	}
	var m Precommit
	m.ValidatorID = binary.LittleEndian.Uint16(payload[0:2])
	m.Height = getUint64(payload[2:10])
	m.Round = binary.LittleEndian.Uint32(payload[10:14])
	off := 14
	copy(m.ProposeHash[:], payload[off:off+crypto.HashSize])
	off += crypto.HashSize
	copy(m.BlockHash[:], payload[off:off+crypto.HashSize])
	off += crypto.HashSize
	m.Time = int64(getUint64(payload[off:]))
	return m, nil
}

// SignedPrecommit carries a Precommit alongside the signer identity needed
// to verify it outside the frame it originally arrived in, e.g. when
// embedded inside a BlockResponse.
type SignedPrecommit struct {
	Precommit Precommit
	Signer    crypto.PublicKey
	Signature crypto.Signature
}

func (m SignedPrecommit) Encode() []byte {
	out := m.Precommit.EncodePayload()
	out = append(out, m.Signer.Bytes()...)
	out = append(out, m.Signature.Bytes()...)
	return out
}

func (m SignedPrecommit) Verify() bool {
	return m.Signer.Verify(m.Precommit.EncodePayload(), m.Signature)
}

func DecodeSignedPrecommit(b []byte) (SignedPrecommit, error) {
	want := precommitLen + crypto.PublicKeySize + crypto.SignatureSize
	if len(b) != want {
		return SignedPrecommit{}, fmt.Errorf("wire: %w: signed precommit expects %d bytes, got %d", ErrStructural, want, len(b))
	}
	pc, err := DecodePrecommit(b[:precommitLen])
	if err != nil {
		return SignedPrecommit{}, err
	}
	pk, err := crypto.PublicKeyFromBytes(b[precommitLen : precommitLen+crypto.PublicKeySize])
	if err != nil {
		return SignedPrecommit{}, fmt.Errorf("wire: %w: %v", ErrStructural, err)
	}
	sig, err := crypto.SignatureFromBytes(b[precommitLen+crypto.PublicKeySize:])
	if err != nil {
		return SignedPrecommit{}, fmt.Errorf("wire: %w: %v", ErrStructural, err)
	}
	return SignedPrecommit{Precommit: pc, Signer: pk, Signature: sig}, nil
}

// BlockRequest asks a peer for the block at height. Nonce is a fresh random
// id per request; BlockResponse does not echo it and no receiver reads it.
type BlockRequest struct {
	Height uint64
	Nonce  uuid.UUID
}

const blockRequestLen = 8 + 16

func (m BlockRequest) EncodePayload() []byte {
	buf := make([]byte, blockRequestLen)
	putUint64(buf[0:8], m.Height)
	copy(buf[8:24], m.Nonce[:])
	return buf
}

func DecodeBlockRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != blockRequestLen {
		return BlockRequest{}, fmt.Errorf("wire: %w: block request expects %d bytes, got %d", ErrStructural, blockRequestLen, len(payload))
	}
	var m BlockRequest
	m.Height = getUint64(payload[0:8])
	copy(m.Nonce[:], payload[8:24])
	return m, nil
}

// BlockResponse answers a BlockRequest with the committed block's raw
// encoded header, the precommits that certified it, and the transactions
// it contains, in order.
type BlockResponse struct {
	Block        []byte
	Precommits   []SignedPrecommit
	Transactions [][]byte
}

func (m BlockResponse) EncodePayload() []byte {
	fixed := make([]byte, 4)
	binary.LittleEndian.PutUint16(fixed[0:2], uint16(len(m.Precommits)))
	binary.LittleEndian.PutUint16(fixed[2:4], uint16(len(m.Transactions)))

	blobs := make([][]byte, 0, 1+len(m.Precommits)+len(m.Transactions))
	blobs = append(blobs, m.Block)
	for _, pc := range m.Precommits {
		blobs = append(blobs, pc.Encode())
	}
	blobs = append(blobs, m.Transactions...)
	return append(fixed, EncodeSegments(blobs)...)
}

func DecodeBlockResponse(payload []byte) (BlockResponse, error) {
	if len(payload) < 4 {
		return BlockResponse{}, fmt.Errorf("wire: %w: truncated block response", ErrStructural)
	}
	numPrecommits := int(binary.LittleEndian.Uint16(payload[0:2]))
	numTxs := int(binary.LittleEndian.Uint16(payload[2:4]))

	blobs, _, err := DecodeSegments(payload[4:])
	if err != nil {
		return BlockResponse{}, err
	}
	want := 1 + numPrecommits + numTxs
	if len(blobs) != want {
		return BlockResponse{}, fmt.Errorf("wire: %w: block response expects %d segments, got %d", ErrStructural, want, len(blobs))
	}

	m := BlockResponse{Block: blobs[0]}
	m.Precommits = make([]SignedPrecommit, numPrecommits)
	for i := 0; i < numPrecommits; i++ {
		pc, err := DecodeSignedPrecommit(blobs[1+i])
		if err != nil {
			return BlockResponse{}, err
		}
		m.Precommits[i] = pc
	}
	m.Transactions = append([][]byte{}, blobs[1+numPrecommits:]...)
	return m, nil
}

// ProposeRequest asks a peer for the Propose identified by proposeHash at
// height, used to fill in a ProposeState this validator is missing.
type ProposeRequest struct {
	Height      uint64
	ProposeHash crypto.Hash
}

const proposeRequestLen = 8 + crypto.HashSize

func (m ProposeRequest) EncodePayload() []byte {
	buf := make([]byte, proposeRequestLen)
	putUint64(buf[0:8], m.Height)
	copy(buf[8:8+crypto.HashSize], m.ProposeHash[:])
	return buf
}

func DecodeProposeRequest(payload []byte) (ProposeRequest, error) {
	if len(payload) != proposeRequestLen {
		return ProposeRequest{}, fmt.Errorf("wire: %w: propose request expects %d bytes, got %d", ErrStructural, proposeRequestLen, len(payload))
	}
	var m ProposeRequest
	m.Height = getUint64(payload[0:8])
	copy(m.ProposeHash[:], payload[8:8+crypto.HashSize])
	return m, nil
}

// ProposeResponse answers a ProposeRequest with the original signed Propose
// frame (so the recipient can verify it under the proposer's key exactly as
// if it had arrived directly) plus the transactions it references, letting
// the recipient resolve the propose without a further TransactionsRequest.
type ProposeResponse struct {
	ProposeFrame []byte
	Transactions [][]byte
}

func (m ProposeResponse) EncodePayload() []byte {
	fixed := make([]byte, 2)
	binary.LittleEndian.PutUint16(fixed, uint16(len(m.Transactions)))

	blobs := make([][]byte, 0, 1+len(m.Transactions))
	blobs = append(blobs, m.ProposeFrame)
	blobs = append(blobs, m.Transactions...)
	return append(fixed, EncodeSegments(blobs)...)
}

func DecodeProposeResponse(payload []byte) (ProposeResponse, error) {
	if len(payload) < 2 {
		return ProposeResponse{}, fmt.Errorf("wire: %w: truncated propose response", ErrStructural)
	}
	numTxs := int(binary.LittleEndian.Uint16(payload[0:2]))

	blobs, _, err := DecodeSegments(payload[2:])
	if err != nil {
		return ProposeResponse{}, err
	}
	if len(blobs) != 1+numTxs {
		return ProposeResponse{}, fmt.Errorf("wire: %w: propose response expects %d segments, got %d", ErrStructural, 1+numTxs, len(blobs))
	}
	return ProposeResponse{ProposeFrame: blobs[0], Transactions: append([][]byte{}, blobs[1:]...)}, nil
}

// TransactionsRequest asks a peer to resend the transactions behind hashes.
type TransactionsRequest struct {
	Hashes []crypto.Hash
}

func (m TransactionsRequest) EncodePayload() []byte {
	blobs := make([][]byte, len(m.Hashes))
	for i, h := range m.Hashes {
		blobs[i] = append([]byte{}, h[:]...)
	}
	return EncodeSegments(blobs)
}

func DecodeTransactionsRequest(payload []byte) (TransactionsRequest, error) {
	blobs, _, err := DecodeSegments(payload)
	if err != nil {
		return TransactionsRequest{}, err
	}
	hashes := make([]crypto.Hash, len(blobs))
	for i, b := range blobs {
		h, err := crypto.HashFromBytes(b)
		if err != nil {
			return TransactionsRequest{}, fmt.Errorf("wire: %w: transactions request hash %d: %v", ErrStructural, i, err)
		}
		hashes[i] = h
	}
	return TransactionsRequest{Hashes: hashes}, nil
}

// TransactionsResponse carries the raw encoded transactions answering a
// TransactionsRequest.
type TransactionsResponse struct {
	Transactions [][]byte
}

func (m TransactionsResponse) EncodePayload() []byte {
	return EncodeSegments(m.Transactions)
}

func DecodeTransactionsResponse(payload []byte) (TransactionsResponse, error) {
	blobs, _, err := DecodeSegments(payload)
	if err != nil {
		return TransactionsResponse{}, err
	}
	return TransactionsResponse{Transactions: blobs}, nil
}

// PeersRequest asks a peer to share its known peer list. Nonce is a fresh
// random id per request, carried but not read, as in BlockRequest.
type PeersRequest struct {
	Nonce uuid.UUID
}

func (m PeersRequest) EncodePayload() []byte {
	return append([]byte{}, m.Nonce[:]...)
}

func DecodePeersRequest(payload []byte) (PeersRequest, error) {
	if len(payload) != 16 {
		return PeersRequest{}, fmt.Errorf("wire: %w: peers request expects 16 bytes, got %d", ErrStructural, len(payload))
	}
	var m PeersRequest
	copy(m.Nonce[:], payload)
	return m, nil
}
