package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// NoiseMaxMessageLen is the largest ciphertext the transport wraps per call,
// matching the Noise protocol's own frame ceiling.
const NoiseMaxMessageLen = 65535

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// NoiseHandshake drives one Noise_XX_25519_ChaChaPoly_BLAKE2s handshake and,
// once complete, hands back a pair of CipherStates for the established
// duplex channel. It mirrors the initiator()/responder()/read()/write()
// shape of the reference implementation's handshake wrapper.
type NoiseHandshake struct {
	state *noise.HandshakeState
}

// NewNoiseInitiator starts the handshake as the connecting side.
func NewNoiseInitiator(staticKey noise.DHKey) (*NoiseHandshake, error) {
	return newNoiseHandshake(staticKey, true)
}

// NewNoiseResponder starts the handshake as the accepting side.
func NewNoiseResponder(staticKey noise.DHKey) (*NoiseHandshake, error) {
	return newNoiseHandshake(staticKey, false)
}

func newNoiseHandshake(staticKey noise.DHKey, initiator bool) (*NoiseHandshake, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: init noise handshake: %w", err)
	}
	return &NoiseHandshake{state: state}, nil
}

// GenerateNoiseKeypair produces a fresh static Curve25519 key pair for the
// handshake's long-term identity.
func GenerateNoiseKeypair() (noise.DHKey, error) {
	return noiseSuite.GenerateKeypair(rand.Reader)
}

// WriteMessage returns this side's next handshake message, carrying payload. Once the
// handshake pattern completes, it also returns the send/receive cipher
// states for the now-established transport channel.
func (h *NoiseHandshake) WriteMessage(payload []byte) (msg []byte, send, recv *noise.CipherState, err error) {
	msg, send, recv, err = h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("crypto: write noise handshake message: %w", err)
	}
	return msg, send, recv, nil
}

// ReadMessage consumes the peer's next handshake message. Once the pattern
// completes, it returns the send/receive cipher states; note the send/recv
// roles are swapped relative to WriteMessage's return on the same side.
func (h *NoiseHandshake) ReadMessage(msg []byte) (payload []byte, send, recv *noise.CipherState, err error) {
	payload, send, recv, err = h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("crypto: read noise handshake message: %w", err)
	}
	return payload, send, recv, nil
}

// Channel is an established, post-handshake authenticated duplex link:
// independent send and receive directions, each with its own ChaChaPoly key
// and nonce counter.
type Channel struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// NewChannel wraps the cipher states produced by a completed handshake.
func NewChannel(send, recv *noise.CipherState) *Channel {
	return &Channel{send: send, recv: recv}
}

// Seal authenticates and encrypts plaintext for the wire.
func (c *Channel) Seal(plaintext []byte) []byte {
	return c.send.Encrypt(nil, nil, plaintext)
}

// Open authenticates and decrypts a frame received from the peer.
func (c *Channel) Open(ciphertext []byte) ([]byte, error) {
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: open sealed frame: %w", err)
	}
	return plaintext, nil
}
