package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
)

func TestFrameSignVerifyRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := Frame{Class: ClassConsensus, Type: TypePropose, Version: ProtocolVersion, Payload: []byte("payload")}
	f = f.Sign(kp.Secret)
	require.True(t, f.VerifySignature(kp.Public))

	tampered := f
	tampered.Payload = []byte("tampered")
	require.False(t, tampered.VerifySignature(kp.Public))
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := Frame{Class: ClassLink, Type: TypeStatus, Version: ProtocolVersion, Payload: []byte("status-bytes")}
	f = f.Sign(kp.Secret)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf, 1<<16)
	require.NoError(t, err)
	require.Equal(t, f.Class, got.Class)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.Version, got.Version)
	require.Equal(t, f.Payload, got.Payload)
	require.Equal(t, f.Signature, got.Signature)
	require.True(t, got.VerifySignature(kp.Public))
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := Frame{Class: ClassSync, Type: TypeBlockRequest, Version: ProtocolVersion, Payload: make([]byte, 100)}
	f = f.Sign(kp.Secret)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	_, err = ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrStructural)
}

func TestReadFrameRejectsShortLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 0, 0, 0}) // length=1, far below the minimum frame size
	_, err := ReadFrame(&buf, 1<<16)
	require.ErrorIs(t, err, ErrStructural)
}
