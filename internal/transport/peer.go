// Package transport implements the peer link layer: Noise XX handshakes,
// length-prefixed authenticated frame I/O over the resulting channel,
// per-peer bounded send queues, reconnect-with-backoff against a static
// connect list, and strike/ban peer scoring. It is the production
// implementation of consensus.Network.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/wire"
)

// sendQueueDepth bounds how many outbound frames may be buffered for a
// single peer before Broadcast starts dropping for it — a slow or stalled
// peer must never block progress for the rest of the network.
const sendQueueDepth = 256

// userAgent identifies this implementation in the Connect beacon.
const userAgent = "rechain/1"

// connectDeadline bounds the post-handshake Connect beacon exchange.
const connectDeadline = 5 * time.Second

// connectFrameMaxLen bounds a sealed Connect frame; its payload is a
// listen address, a timestamp and a user agent string, never large.
const connectFrameMaxLen = 2048

// Peer is one established, authenticated link.
type Peer struct {
	addr    string
	conn    net.Conn
	channel *crypto.Channel

	send chan wire.Frame
	done chan struct{}

	mu      sync.Mutex
	strikes int
	banned  bool
}

func newPeer(addr string, conn net.Conn, channel *crypto.Channel) *Peer {
	return &Peer{
		addr:    addr,
		conn:    conn,
		channel: channel,
		send:    make(chan wire.Frame, sendQueueDepth),
		done:    make(chan struct{}),
	}
}

// enqueue stages f for delivery, dropping it if this peer's queue is full
// rather than blocking the caller.
func (p *Peer) enqueue(f wire.Frame) {
	select {
	case p.send <- f:
	default:
	}
}

// writeLoop drains the send queue onto the wire until the peer disconnects.
func (p *Peer) writeLoop(maxPayloadLen uint32) {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.send:
			raw := f.Encode()
			if uint32(len(raw)) > maxPayloadLen+frameOverhead {
				continue
			}
			sealed := p.channel.Seal(raw)
			if err := writeSealedFrame(p.conn, sealed); err != nil {
				p.close()
				return
			}
		}
	}
}

// frameOverhead is the non-payload portion of an encoded wire.Frame.
const frameOverhead = 4 + 1 + 1 + 2 + 64

func (p *Peer) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
		p.conn.Close()
	}
}

// strike records one protocol violation. Once the count reaches
// banThreshold the peer is disconnected and marked banned, per
// SPEC_FULL.md §4's strike/ban peer scoring.
func (p *Peer) strike(banThreshold int) (banned bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strikes++
	if p.strikes >= banThreshold {
		p.banned = true
	}
	return p.banned
}

func writeSealedFrame(w net.Conn, sealed []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write sealed frame length: %w", err)
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("transport: write sealed frame: %w", err)
	}
	return nil
}

func readSealedFrame(r net.Conn, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("transport: sealed frame of %d bytes exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("transport: read: %w", err)
		}
	}
	return total, nil
}

// handshakeInitiator drives the Noise XX handshake as the dialing side.
func handshakeInitiator(conn net.Conn, staticKey noise.DHKey, deadline time.Duration) (*crypto.Channel, error) {
	conn.SetDeadline(time.Now().Add(deadline))
	defer conn.SetDeadline(time.Time{})

	hs, err := crypto.NewNoiseInitiator(staticKey)
	if err != nil {
		return nil, err
	}
	msg1, _, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeRaw(conn, msg1); err != nil {
		return nil, err
	}
	msg2, err := readRaw(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(msg2); err != nil {
		return nil, fmt.Errorf("transport: noise handshake step 2: %w", err)
	}
	msg3, send, recv, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: noise handshake step 3: %w", err)
	}
	if err := writeRaw(conn, msg3); err != nil {
		return nil, err
	}
	return crypto.NewChannel(send, recv), nil
}

// handshakeResponder drives the Noise XX handshake as the accepting side.
func handshakeResponder(conn net.Conn, staticKey noise.DHKey, deadline time.Duration) (*crypto.Channel, error) {
	conn.SetDeadline(time.Now().Add(deadline))
	defer conn.SetDeadline(time.Time{})

	hs, err := crypto.NewNoiseResponder(staticKey)
	if err != nil {
		return nil, err
	}
	msg1, err := readRaw(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(msg1); err != nil {
		return nil, fmt.Errorf("transport: noise handshake step 1: %w", err)
	}
	msg2, _, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeRaw(conn, msg2); err != nil {
		return nil, err
	}
	msg3, err := readRaw(conn)
	if err != nil {
		return nil, err
	}
	_, recv, send, err := hs.ReadMessage(msg3)
	if err != nil {
		return nil, fmt.Errorf("transport: noise handshake step 3: %w", err)
	}
	return crypto.NewChannel(send, recv), nil
}

// exchangeConnect trades Connect beacons over the freshly established
// channel and rejects the peer if its clock drifts from ours by more than
// maxSkew, per spec.md §4.3. ClassLink frames are exempt from the
// consensus-key signature check the rest of the protocol requires, the
// same as Status. The initiator writes first and then reads, mirroring
// the Noise XX role order already used to open the channel, so neither
// side blocks waiting on the other to speak first.
func exchangeConnect(conn net.Conn, channel *crypto.Channel, isInitiator bool, listenAddr string, maxSkew time.Duration) error {
	conn.SetDeadline(time.Now().Add(connectDeadline))
	defer conn.SetDeadline(time.Time{})

	local := wire.Connect{ListenAddr: listenAddr, Time: time.Now().Unix(), UserAgent: userAgent}
	frame := wire.Frame{Class: wire.ClassLink, Type: wire.TypeConnect, Version: wire.ProtocolVersion, Payload: local.EncodePayload()}

	send := func() error {
		return writeSealedFrame(conn, channel.Seal(frame.Encode()))
	}
	recv := func() (wire.Connect, error) {
		sealed, err := readSealedFrame(conn, connectFrameMaxLen)
		if err != nil {
			return wire.Connect{}, err
		}
		plaintext, err := channel.Open(sealed)
		if err != nil {
			return wire.Connect{}, fmt.Errorf("transport: open connect frame: %w", err)
		}
		f, err := decodeFrame(plaintext, connectFrameMaxLen)
		if err != nil || f.Class != wire.ClassLink || f.Type != wire.TypeConnect {
			return wire.Connect{}, fmt.Errorf("transport: expected connect frame")
		}
		return wire.DecodeConnect(f.Payload)
	}

	var remote wire.Connect
	var err error
	if isInitiator {
		if err = send(); err != nil {
			return err
		}
		remote, err = recv()
	} else {
		remote, err = recv()
		if err == nil {
			err = send()
		}
	}
	if err != nil {
		return err
	}

	skew := remote.Time - local.Time
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxSkew {
		return fmt.Errorf("transport: peer clock skew of %ds exceeds bound %s", skew, maxSkew)
	}
	return nil
}

func writeRaw(conn net.Conn, msg []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write handshake message: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("transport: write handshake message: %w", err)
	}
	return nil
}

func readRaw(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
