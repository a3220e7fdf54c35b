package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/crypto"
)

// pipeHandshake drives a full Noise XX handshake over an in-memory net.Pipe,
// returning each side's established channel.
func pipeHandshake(t *testing.T) (connA, connB net.Conn, channelA, channelB *crypto.Channel) {
	t.Helper()
	initKey, err := crypto.GenerateNoiseKeypair()
	require.NoError(t, err)
	respKey, err := crypto.GenerateNoiseKeypair()
	require.NoError(t, err)

	connA, connB = net.Pipe()

	type result struct {
		channel *crypto.Channel
		err     error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)
	go func() {
		ch, err := handshakeInitiator(connA, initKey, 2*time.Second)
		initCh <- result{ch, err}
	}()
	go func() {
		ch, err := handshakeResponder(connB, respKey, 2*time.Second)
		respCh <- result{ch, err}
	}()
	initRes, respRes := <-initCh, <-respCh
	require.NoError(t, initRes.err)
	require.NoError(t, respRes.err)
	return connA, connB, initRes.channel, respRes.channel
}

func TestExchangeConnectAcceptsMatchingClocks(t *testing.T) {
	connA, connB, channelA, channelB := pipeHandshake(t)
	defer connA.Close()
	defer connB.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- exchangeConnect(connA, channelA, true, "/ip4/127.0.0.1/tcp/26656", time.Minute) }()
	go func() { errCh <- exchangeConnect(connB, channelB, false, "/ip4/127.0.0.1/tcp/26657", time.Minute) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
}

func TestExchangeConnectRejectsClockSkewBeyondBound(t *testing.T) {
	connA, connB, channelA, channelB := pipeHandshake(t)
	defer connA.Close()
	defer connB.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- exchangeConnect(connA, channelA, true, "/ip4/127.0.0.1/tcp/26656", -time.Second) }()
	go func() { errCh <- exchangeConnect(connB, channelB, false, "/ip4/127.0.0.1/tcp/26657", -time.Second) }()
	err1, err2 := <-errCh, <-errCh
	require.True(t, err1 != nil && err2 != nil, "a negative skew bound must reject both sides")
}
