package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("propose height=1 round=1")
	sig := kp.Secret.Sign(msg)

	require.True(t, kp.Public.Verify(msg, sig))
	require.False(t, kp.Public.Verify([]byte("tampered"), sig))
}

func TestSecretKeyPublicMatchesKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Equal(t, kp.Public, kp.Secret.Public())
}

func TestSHA256Deterministic(t *testing.T) {
	a := SHA256([]byte("a"), []byte("b"))
	b := SHA256([]byte("ab"))
	require.Equal(t, a, b)
}

func TestHashFromBytesRejectsWrongLength(t *testing.T) {
	_, err := HashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
