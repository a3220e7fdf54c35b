package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/rechain/rechain/internal/crypto"
)

// SignedTransaction is the envelope every transaction travels the network
// and sits in the pool as: a target service, an opaque service-defined
// payload (decoded by that service's tx_from_raw), and the sender's
// signature over (serviceID, payload). The pool and the wire protocol only
// ever need to verify this outer envelope; only the target service
// understands payload's contents.
type SignedTransaction struct {
	ServiceID uint16
	Payload   []byte
	Signer    crypto.PublicKey
	Signature crypto.Signature
}

func (tx SignedTransaction) signedBytes() []byte {
	buf := make([]byte, 2, 2+len(tx.Payload))
	binary.LittleEndian.PutUint16(buf, tx.ServiceID)
	return append(buf, tx.Payload...)
}

// Sign attaches tx's signature under sk, also setting Signer to its public
// key.
func (tx SignedTransaction) Sign(sk crypto.SecretKey) SignedTransaction {
	tx.Signer = sk.Public()
	tx.Signature = sk.Sign(tx.signedBytes())
	return tx
}

// Verify reports whether tx's signature is valid for its stated signer.
func (tx SignedTransaction) Verify() bool {
	return tx.Signer.Verify(tx.signedBytes(), tx.Signature)
}

// Hash is the transaction's pool/store identity: the hash of its full wire
// encoding, so two envelopes with the same service+payload but different
// signers are distinct entries.
func (tx SignedTransaction) Hash() crypto.Hash {
	return crypto.SHA256(tx.Encode())
}

// Encode serializes the envelope for wire transmission and storage.
func (tx SignedTransaction) Encode() []byte {
	out := tx.signedBytes()
	out = append(out, tx.Signer.Bytes()...)
	out = append(out, tx.Signature.Bytes()...)
	return out
}

// DecodeSignedTransaction parses an envelope produced by Encode.
func DecodeSignedTransaction(b []byte) (SignedTransaction, error) {
	if len(b) < 2+crypto.PublicKeySize+crypto.SignatureSize {
		return SignedTransaction{}, fmt.Errorf("wire: %w: truncated signed transaction", ErrStructural)
	}
	serviceID := binary.LittleEndian.Uint16(b[:2])
	payloadEnd := len(b) - crypto.PublicKeySize - crypto.SignatureSize
	payload := append([]byte{}, b[2:payloadEnd]...)
	pk, err := crypto.PublicKeyFromBytes(b[payloadEnd : payloadEnd+crypto.PublicKeySize])
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("wire: %w: %v", ErrStructural, err)
	}
	sig, err := crypto.SignatureFromBytes(b[payloadEnd+crypto.PublicKeySize:])
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("wire: %w: %v", ErrStructural, err)
	}
	return SignedTransaction{ServiceID: serviceID, Payload: payload, Signer: pk, Signature: sig}, nil
}
