package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
)

func TestSignedTransactionSignVerifyRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tx := SignedTransaction{ServiceID: 7, Payload: []byte("anchor:deadbeef")}.Sign(kp.Secret)
	require.True(t, tx.Verify())

	got, err := DecodeSignedTransaction(tx.Encode())
	require.NoError(t, err)
	require.Equal(t, tx, got)
	require.True(t, got.Verify())
}

func TestSignedTransactionTamperedPayloadFailsVerify(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tx := SignedTransaction{ServiceID: 1, Payload: []byte("original")}.Sign(kp.Secret)
	tx.Payload = []byte("tampered")
	require.False(t, tx.Verify())
}

func TestSignedTransactionHashDistinguishesSigner(t *testing.T) {
	kp1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tx1 := SignedTransaction{ServiceID: 1, Payload: []byte("same")}.Sign(kp1.Secret)
	tx2 := SignedTransaction{ServiceID: 1, Payload: []byte("same")}.Sign(kp2.Secret)
	require.NotEqual(t, tx1.Hash(), tx2.Hash())
}

func TestDecodeSignedTransactionRejectsTruncated(t *testing.T) {
	_, err := DecodeSignedTransaction([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrStructural)
}
