// Package crypto provides the Ed25519 key material, SHA-256 hashing and
// authenticated-channel primitives the rest of the node builds on.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sizes of the wire-level crypto primitives, pinned by the protocol.
const (
	PublicKeySize  = ed25519.PublicKeySize  // 32
	SecretKeySize  = ed25519.PrivateKeySize // 64
	SignatureSize  = ed25519.SignatureSize  // 64
	HashSize       = sha256.Size            // 32
)

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// ZeroHash is the all-zero digest used as the previous-block hash of genesis.
var ZeroHash Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the digest bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// IsZero reports whether h is the all-zero digest.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// HashFromBytes parses a 32-byte slice into a Hash, failing on any other length.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("crypto: hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// SHA256 hashes an arbitrary byte sequence.
func SHA256(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PublicKey is an Ed25519 verification key.
type PublicKey [PublicKeySize]byte

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// Bytes returns a copy of the raw key bytes.
func (pk PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, pk[:])
	return out
}

// Verify checks sig over msg under pk.
func (pk PublicKey) Verify(msg []byte, sig Signature) bool {
	return ed25519.Verify(pk[:], msg, sig[:])
}

// SecretKey is an Ed25519 signing key (includes the embedded public half).
type SecretKey [SecretKeySize]byte

// Sign produces a deterministic Ed25519 signature over msg.
func (sk SecretKey) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(sk[:]), msg))
	return sig
}

// Public returns the public half embedded in the secret key.
func (sk SecretKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], ed25519.PrivateKey(sk[:]).Public().(ed25519.PublicKey))
	return pk
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureSize)
	copy(out, s[:])
	return out
}

// SignatureFromBytes parses a 64-byte slice into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, fmt.Errorf("crypto: signature must be %d bytes, got %d", SignatureSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// KeyPair is a matched Ed25519 public/secret key.
type KeyPair struct {
	Public PublicKey
	Secret SecretKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	var kp KeyPair
	copy(kp.Public[:], pub)
	copy(kp.Secret[:], priv)
	return kp, nil
}

// PublicKeyFromBytes parses a 32-byte slice into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("crypto: public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MarshalJSON encodes the key as a hex string, so genesis configuration
// (spec.md §6's opaque JSON blob) can name validator keys in plain text.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(pk[:]))
}

// UnmarshalJSON decodes a hex string produced by MarshalJSON.
func (pk *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("crypto: decode public key: %w", err)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("crypto: decode public key: %w", err)
	}
	parsed, err := PublicKeyFromBytes(raw)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h[:]))
}

// UnmarshalJSON decodes a hex string produced by MarshalJSON.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("crypto: decode hash: %w", err)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("crypto: decode hash: %w", err)
	}
	parsed, err := HashFromBytes(raw)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
