// Package wire implements the length-prefixed, signed frame format peers
// exchange, the segment-reference encoding used for variable-length fields,
// and the typed consensus message structs built on top of both.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rechain/rechain/internal/crypto"
)

// ErrStructural marks a frame or message that failed structural decoding:
// truncated buffers, out-of-range segment references, bad enum tags. It is
// never recoverable by retrying the same bytes.
var ErrStructural = errors.New("wire: structural decode error")

// headerSize is class (1) + type (1) + version (2).
const headerSize = 4

// lengthPrefixSize is the size of the leading frame-length field.
const lengthPrefixSize = 4

// Frame is one length-prefixed, signed unit on the wire:
// u32 length | u8 class | u8 type | u16 version | payload | 64B signature.
// length counts every byte that follows it (header + payload + signature).
type Frame struct {
	Class     uint8
	Type      uint8
	Version   uint16
	Payload   []byte
	Signature crypto.Signature
}

// signedBytes returns the bytes that are actually signed: the header and
// payload, excluding the frame length prefix and the signature itself.
func (f Frame) signedBytes() []byte {
	buf := make([]byte, 0, headerSize+len(f.Payload))
	buf = append(buf, f.Class, f.Type)
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], f.Version)
	buf = append(buf, v[:]...)
	buf = append(buf, f.Payload...)
	return buf
}

// Sign computes and attaches the frame's signature under sk.
func (f Frame) Sign(sk crypto.SecretKey) Frame {
	f.Signature = sk.Sign(f.signedBytes())
	return f
}

// VerifySignature reports whether the frame's signature is valid under pk.
func (f Frame) VerifySignature(pk crypto.PublicKey) bool {
	return pk.Verify(f.signedBytes(), f.Signature)
}

// Encode serializes the frame including its length prefix.
func (f Frame) Encode() []byte {
	body := f.signedBytes()
	body = append(body, f.Signature.Bytes()...)

	out := make([]byte, lengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out
}

// FrameFromBytes decodes exactly one Frame.Encode() output held whole in
// memory, e.g. a Propose frame relayed inside a ProposeResponse.
func FrameFromBytes(b []byte) (Frame, error) {
	return ReadFrame(bytes.NewReader(b), uint32(len(b)))
}

// WriteFrame writes the encoded frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, rejecting frames whose payload exceeds
// maxPayloadLen (the negotiated max_message_len).
func ReadFrame(r io.Reader, maxPayloadLen uint32) (Frame, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	minLen := uint32(headerSize + crypto.SignatureSize)
	if n < minLen {
		return Frame{}, fmt.Errorf("wire: %w: frame length %d below minimum %d", ErrStructural, n, minLen)
	}
	payloadLen := n - minLen
	if payloadLen > maxPayloadLen {
		return Frame{}, fmt.Errorf("wire: %w: frame payload %d exceeds max %d", ErrStructural, payloadLen, maxPayloadLen)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	f := Frame{
		Class:   body[0],
		Type:    body[1],
		Version: binary.LittleEndian.Uint16(body[2:4]),
		Payload: append([]byte{}, body[headerSize:headerSize+payloadLen]...),
	}
	sig, err := crypto.SignatureFromBytes(body[headerSize+payloadLen:])
	if err != nil {
		return Frame{}, fmt.Errorf("wire: %w: %v", ErrStructural, err)
	}
	f.Signature = sig
	return f, nil
}
