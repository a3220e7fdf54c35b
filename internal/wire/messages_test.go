package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
)

func TestConnectRoundTrip(t *testing.T) {
	m := Connect{ListenAddr: "/ip4/127.0.0.1/tcp/9000", Time: 1700000000, UserAgent: "rechain/1"}
	got, err := DecodeConnect(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestStatusRoundTrip(t *testing.T) {
	m := Status{Height: 42, LastBlockHash: crypto.SHA256([]byte("block")), PoolSize: 7}
	got, err := DecodeStatus(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestProposeRoundTrip(t *testing.T) {
	m := Propose{
		ValidatorID: 2,
		Height:      10,
		Round:       1,
		PrevHash:    crypto.SHA256([]byte("prev")),
		TxHashes:    []crypto.Hash{crypto.SHA256([]byte("a")), crypto.SHA256([]byte("b"))},
	}
	got, err := DecodePropose(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestProposeRejectsTruncated(t *testing.T) {
	_, err := DecodePropose([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrStructural)
}

func TestPrevoteRoundTrip(t *testing.T) {
	m := Prevote{ValidatorID: 1, Height: 5, Round: 2, ProposeHash: crypto.SHA256([]byte("p")), LockedRound: 1}
	got, err := DecodePrevote(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestPrecommitRoundTrip(t *testing.T) {
	m := Precommit{
		ValidatorID: 3,
		Height:      5,
		Round:       2,
		ProposeHash: crypto.SHA256([]byte("p")),
		BlockHash:   crypto.SHA256([]byte("b")),
		Time:        1700000001,
	}
	got, err := DecodePrecommit(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSignedPrecommitVerify(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pc := Precommit{ValidatorID: 1, Height: 1, Round: 1, ProposeHash: crypto.SHA256([]byte("p")), BlockHash: crypto.SHA256([]byte("b")), Time: 1}
	sp := SignedPrecommit{Precommit: pc, Signer: kp.Public, Signature: kp.Secret.Sign(pc.EncodePayload())}
	require.True(t, sp.Verify())

	got, err := DecodeSignedPrecommit(sp.Encode())
	require.NoError(t, err)
	require.Equal(t, sp, got)
	require.True(t, got.Verify())
}

func TestBlockResponseRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pc := Precommit{ValidatorID: 1, Height: 1, Round: 1, ProposeHash: crypto.SHA256([]byte("p")), BlockHash: crypto.SHA256([]byte("b")), Time: 1}
	sp := SignedPrecommit{Precommit: pc, Signer: kp.Public, Signature: kp.Secret.Sign(pc.EncodePayload())}

	m := BlockResponse{
		Block:        []byte("encoded-block-header"),
		Precommits:   []SignedPrecommit{sp},
		Transactions: [][]byte{[]byte("tx-1"), []byte("tx-2")},
	}
	got, err := DecodeBlockResponse(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestBlockRequestRoundTrip(t *testing.T) {
	m := BlockRequest{Height: 9, Nonce: uuid.New()}
	got, err := DecodeBlockRequest(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestProposeRequestRoundTrip(t *testing.T) {
	m := ProposeRequest{Height: 9, ProposeHash: crypto.SHA256([]byte("p"))}
	got, err := DecodeProposeRequest(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestProposeResponseRoundTrip(t *testing.T) {
	m := ProposeResponse{
		ProposeFrame: []byte("encoded-propose-frame"),
		Transactions: [][]byte{[]byte("tx-1"), []byte("tx-2")},
	}
	got, err := DecodeProposeResponse(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestTransactionsRequestResponseRoundTrip(t *testing.T) {
	req := TransactionsRequest{Hashes: []crypto.Hash{crypto.SHA256([]byte("a")), crypto.SHA256([]byte("b"))}}
	gotReq, err := DecodeTransactionsRequest(req.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	resp := TransactionsResponse{Transactions: [][]byte{[]byte("tx-a"), []byte("tx-b")}}
	gotResp, err := DecodeTransactionsResponse(resp.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestPeersRequestRoundTrip(t *testing.T) {
	m := PeersRequest{Nonce: uuid.New()}
	got, err := DecodePeersRequest(m.EncodePayload())
	require.NoError(t, err)
	require.Equal(t, m, got)
}
