package transport

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/rechain/rechain/internal/config"
	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/executor"
	"github.com/rechain/rechain/internal/pool"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
)

// Consensus is the subset of *consensus.Engine the transport needs, kept as
// an interface so tests can wire a fake in without pulling in the full
// state machine.
type Consensus interface {
	HandleInbound(f wire.Frame)
	DeliverBlockResponse(resp wire.BlockResponse)
	HandleProposeRequest(req wire.ProposeRequest, respond func(wire.ProposeResponse, bool))
	DeliverProposeResponse(resp wire.ProposeResponse)
}

// handshakeTimeout bounds how long the Noise XX exchange may take before a
// dialing or accepting attempt gives up.
const handshakeTimeout = 10 * time.Second

// banThreshold is the strike count at which a peer is marked banned and its
// link closed, per SPEC_FULL.md §4's peer strike/ban accounting. The banned
// mark is not consulted afterwards: a static connect-list entry is redialed
// by its reconnect loop as usual, and a new inbound link from the same peer
// is accepted.
const banThreshold = 5

// backoffBase/backoffMax bound the reconnect delay applied to a static
// connect-list entry after a failed or dropped dial.
const (
	backoffBase = 1 * time.Second
	backoffMax  = 30 * time.Second
)

// Transport owns every peer link this node maintains: the listener
// accepting inbound connections, the reconnect loops dialing the static
// connect list, and the registry of established peers Broadcast fans out
// over.
type Transport struct {
	staticKey noise.DHKey
	genesis   *config.Genesis
	store     *store.Engine
	pool      *pool.Pool
	consensus Consensus
	log       *log.Logger

	maxPayloadLen uint32
	maxClockSkew  time.Duration

	mu         sync.Mutex
	peers      map[string]*Peer
	listenAddr string

	listener net.Listener
	stop     chan struct{}
}

// New constructs a transport with a fresh Noise static key over genesis,
// st and p. It neither listens nor dials; Listen and DialStatic do that.
func New(genesis *config.Genesis, st *store.Engine, p *pool.Pool, logger *log.Logger) (*Transport, error) {
	staticKey, err := crypto.GenerateNoiseKeypair()
	if err != nil {
		return nil, fmt.Errorf("transport: generate noise keypair: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		staticKey:     staticKey,
		genesis:       genesis,
		store:         st,
		pool:          p,
		log:           logger,
		maxPayloadLen: genesis.Consensus.MaxMessageLen,
		maxClockSkew:  time.Duration(genesis.Consensus.MaxClockSkew),
		peers:         make(map[string]*Peer),
		stop:          make(chan struct{}),
	}, nil
}

// BindConsensus wires the engine that inbound frames are delivered to.
// Separated from New because the engine itself is constructed from the
// store/pool/dispatcher the node also hands to the transport.
func (t *Transport) BindConsensus(c Consensus) { t.consensus = c }

// Listen starts accepting inbound connections at addr (a multiaddr).
func (t *Transport) Listen(addr string) error {
	hostPort, err := multiaddrToTCP(addr)
	if err != nil {
		return fmt.Errorf("transport: listen address: %w", err)
	}
	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", hostPort, err)
	}
	t.listener = ln
	t.listenAddr = addr
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				t.log.Printf("transport: accept: %v", err)
				return
			}
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	channel, err := handshakeResponder(conn, t.staticKey, handshakeTimeout)
	if err != nil {
		t.log.Printf("transport: inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if err := exchangeConnect(conn, channel, false, t.listenAddr, t.maxClockSkew); err != nil {
		t.log.Printf("transport: connect exchange with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	peer := newPeer(conn.RemoteAddr().String(), conn, channel)
	t.register(peer)
	go peer.writeLoop(t.maxPayloadLen)
	t.readLoop(peer)
}

// DialStatic starts a permanent reconnect-with-backoff loop against addr, a
// multiaddr from the node's static connect list (SPEC_FULL.md §4).
func (t *Transport) DialStatic(addr string) {
	go func() {
		delay := backoffBase
		for {
			select {
			case <-t.stop:
				return
			default:
			}
			if err := t.dialOnce(addr); err != nil {
				t.log.Printf("transport: dial %s: %v", addr, err)
				time.Sleep(delay + time.Duration(rand.Int63n(int64(delay)/2+1)))
				delay *= 2
				if delay > backoffMax {
					delay = backoffMax
				}
				continue
			}
			delay = backoffBase
		}
	}()
}

func (t *Transport) dialOnce(addr string) error {
	hostPort, err := multiaddrToTCP(addr)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", hostPort, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	channel, err := handshakeInitiator(conn, t.staticKey, handshakeTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := exchangeConnect(conn, channel, true, t.listenAddr, t.maxClockSkew); err != nil {
		conn.Close()
		return fmt.Errorf("connect exchange: %w", err)
	}
	peer := newPeer(addr, conn, channel)
	t.register(peer)
	go peer.writeLoop(t.maxPayloadLen)
	t.readLoop(peer) // blocks until this link drops, so the outer loop redials
	return nil
}

func (t *Transport) register(p *Peer) {
	t.mu.Lock()
	t.peers[p.addr] = p
	t.mu.Unlock()
}

func (t *Transport) unregister(p *Peer) {
	t.mu.Lock()
	if t.peers[p.addr] == p {
		delete(t.peers, p.addr)
	}
	t.mu.Unlock()
}

func (t *Transport) readLoop(p *Peer) {
	defer func() {
		p.close()
		t.unregister(p)
	}()
	maxSealed := t.maxPayloadLen + frameOverhead + crypto.NoiseMaxMessageLen
	for {
		sealed, err := readSealedFrame(p.conn, maxSealed)
		if err != nil {
			return
		}
		plaintext, err := p.channel.Open(sealed)
		if err != nil {
			if p.strike(banThreshold) {
				return
			}
			continue
		}
		f, err := decodeFrame(plaintext, t.maxPayloadLen)
		if err != nil {
			if p.strike(banThreshold) {
				return
			}
			continue
		}
		t.route(p, f)
	}
}

func (t *Transport) route(p *Peer, f wire.Frame) {
	switch f.Class {
	case wire.ClassConsensus, wire.ClassLink:
		if t.consensus != nil {
			t.consensus.HandleInbound(f)
		}
	case wire.ClassSync:
		t.handleSync(p, f)
	case wire.ClassPeer:
		t.handlePeerRequest(p, f)
	}
}

func (t *Transport) handleSync(p *Peer, f wire.Frame) {
	switch f.Type {
	case wire.TypeBlockRequest:
		req, err := wire.DecodeBlockRequest(f.Payload)
		if err != nil {
			return
		}
		t.serveBlockRequest(p, req)
	case wire.TypeTransactionsRequest:
		req, err := wire.DecodeTransactionsRequest(f.Payload)
		if err != nil {
			return
		}
		t.serveTransactionsRequest(p, req)
	case wire.TypeBlockResponse:
		resp, err := wire.DecodeBlockResponse(f.Payload)
		if err != nil {
			return
		}
		if t.consensus != nil {
			t.consensus.DeliverBlockResponse(resp)
		}
	case wire.TypeTransactionsResponse:
		if t.consensus != nil {
			t.consensus.HandleInbound(f)
		}
	case wire.TypeProposeRequest:
		req, err := wire.DecodeProposeRequest(f.Payload)
		if err != nil {
			return
		}
		t.serveProposeRequest(p, req)
	case wire.TypeProposeResponse:
		resp, err := wire.DecodeProposeResponse(f.Payload)
		if err != nil {
			return
		}
		if t.consensus != nil {
			t.consensus.DeliverProposeResponse(resp)
		}
	}
}

// serveProposeRequest asks the consensus engine for the requested propose
// on its own loop and, if it has one, relays the answer back to p.
func (t *Transport) serveProposeRequest(p *Peer, req wire.ProposeRequest) {
	if t.consensus == nil {
		return
	}
	t.consensus.HandleProposeRequest(req, func(resp wire.ProposeResponse, ok bool) {
		if !ok {
			return
		}
		frame := wire.Frame{Class: wire.ClassSync, Type: wire.TypeProposeResponse, Version: wire.ProtocolVersion, Payload: resp.EncodePayload()}
		p.enqueue(frame)
	})
}

func (t *Transport) serveBlockRequest(p *Peer, req wire.BlockRequest) {
	snap := t.store.Snapshot()
	defer snap.Discard()

	header, ok, err := executor.LoadHeader(snap, req.Height)
	if err != nil || !ok {
		return
	}
	hashes, err := executor.LoadBlockTxHashes(snap, req.Height)
	if err != nil {
		return
	}
	txs := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		tx, ok, err := executor.LoadTransaction(snap, h)
		if err != nil || !ok {
			return
		}
		txs = append(txs, tx.Encode())
	}

	precommitList := store.NewListIndex(snap, executor.IndexPrecommits, header.Hash().Bytes())
	n, err := precommitList.Len()
	if err != nil {
		return
	}
	precommits := make([]wire.SignedPrecommit, 0, n)
	for i := uint64(0); i < n; i++ {
		raw, ok, err := precommitList.Get(i)
		if err != nil || !ok {
			continue
		}
		pc, err := wire.DecodeSignedPrecommit(raw)
		if err != nil {
			continue
		}
		precommits = append(precommits, pc)
	}

	resp := wire.BlockResponse{Block: header.Encode(), Precommits: precommits, Transactions: txs}
	frame := wire.Frame{Class: wire.ClassSync, Type: wire.TypeBlockResponse, Version: wire.ProtocolVersion, Payload: resp.EncodePayload()}
	p.enqueue(frame)
}

func (t *Transport) serveTransactionsRequest(p *Peer, req wire.TransactionsRequest) {
	raw := make([][]byte, 0, len(req.Hashes))
	for _, h := range req.Hashes {
		if tx, ok := t.pool.Get(h); ok {
			raw = append(raw, tx.Encode())
			continue
		}
		snap := t.store.Snapshot()
		if tx, ok, err := executor.LoadTransaction(snap, h); err == nil && ok {
			raw = append(raw, tx.Encode())
		}
		snap.Discard()
	}
	if len(raw) == 0 {
		return
	}
	resp := wire.TransactionsResponse{Transactions: raw}
	frame := wire.Frame{Class: wire.ClassSync, Type: wire.TypeTransactionsResponse, Version: wire.ProtocolVersion, Payload: resp.EncodePayload()}
	p.enqueue(frame)
}

func (t *Transport) handlePeerRequest(p *Peer, f wire.Frame) {
	if f.Type != wire.TypePeersRequest {
		return
	}
	req, err := wire.DecodePeersRequest(f.Payload)
	if err != nil {
		return
	}
	_ = req // nonce is only meaningful to the requester, nothing to echo back yet
	t.mu.Lock()
	addrs := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		addrs = append(addrs, addr)
	}
	t.mu.Unlock()
	// Peer list exchange has no dedicated response message in the wire
	// protocol (spec.md §3 names PeersRequest but not its reply), so the
	// request is only logged and nothing is sent back. No message carries
	// peer addresses; the static connect list is the only source of peers.
	t.log.Printf("transport: peers request from %s, %d peers known", p.addr, len(addrs))
}

// Broadcast implements consensus.Network: send f to every connected peer.
func (t *Transport) Broadcast(f wire.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.enqueue(f)
	}
}

// RequestTransactions implements consensus.Network.
func (t *Transport) RequestTransactions(hashes []crypto.Hash) {
	m := wire.TransactionsRequest{Hashes: hashes}
	t.sendToOne(wire.Frame{Class: wire.ClassSync, Type: wire.TypeTransactionsRequest, Version: wire.ProtocolVersion, Payload: m.EncodePayload()})
}

// RequestBlock implements consensus.Network.
func (t *Transport) RequestBlock(height uint64) {
	m := wire.BlockRequest{Height: height, Nonce: uuid.New()}
	t.sendToOne(wire.Frame{Class: wire.ClassSync, Type: wire.TypeBlockRequest, Version: wire.ProtocolVersion, Payload: m.EncodePayload()})
}

// RequestPropose implements consensus.Network.
func (t *Transport) RequestPropose(height uint64, proposeHash crypto.Hash) {
	m := wire.ProposeRequest{Height: height, ProposeHash: proposeHash}
	t.sendToOne(wire.Frame{Class: wire.ClassSync, Type: wire.TypeProposeRequest, Version: wire.ProtocolVersion, Payload: m.EncodePayload()})
}

// RequestPeers implements consensus.Network: the periodic peers-request
// liveness tick of spec.md §5, broadcast to every connected peer since
// discovery has no single authoritative target.
func (t *Transport) RequestPeers() {
	m := wire.PeersRequest{Nonce: uuid.New()}
	t.Broadcast(wire.Frame{Class: wire.ClassPeer, Type: wire.TypePeersRequest, Version: wire.ProtocolVersion, Payload: m.EncodePayload()})
}

func (t *Transport) sendToOne(f wire.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.enqueue(f)
		return
	}
}

// Stop closes the listener and every established peer link.
func (t *Transport) Stop() {
	close(t.stop)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.close()
	}
}

// decodeFrame parses plaintext, which is exactly one wire.Frame.Encode()
// output (length prefix included) recovered whole from a single sealed
// Noise message.
func decodeFrame(plaintext []byte, maxPayloadLen uint32) (wire.Frame, error) {
	return wire.ReadFrame(&byteReader{plaintext}, maxPayloadLen)
}

// byteReader adapts a fixed byte slice to io.Reader for wire.ReadFrame,
// which expects to read a length-delimited body it already knows the size
// of from the slice itself.
type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]
	if n == 0 {
		return 0, fmt.Errorf("transport: short read")
	}
	return n, nil
}

func multiaddrToTCP(addr string) (string, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse multiaddr %q: %w", addr, err)
	}
	var host string
	for _, proto := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := m.ValueForProtocol(proto); err == nil {
			host = v
			break
		}
	}
	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("multiaddr %q has no /tcp component: %w", addr, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port), nil
}
