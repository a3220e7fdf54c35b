package consensus

import (
	"fmt"

	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
)

// cacheIndexName is spec.md §3's core.consensus_messages_cache: a durable
// record of every consensus message accepted for the current, uncommitted
// height, replayed into a fresh machine on restart before network links
// reopen (spec.md §4.5 "Failure semantics").
const cacheIndexName = "core.consensus_messages_cache"

// cachedFrame is one message recorded in the cache: enough to reconstruct
// and re-verify the original frame on replay.
type cachedFrame struct {
	Class   uint8
	Type    uint8
	Payload []byte
	Signer  []byte
	Sig     []byte
}

func encodeCachedFrame(f wire.Frame, signer []byte) []byte {
	buf := make([]byte, 0, 2+4+len(f.Payload)+len(signer)+len(f.Signature))
	buf = append(buf, f.Class, f.Type)
	var l [4]byte
	l[0] = byte(len(f.Payload) >> 24)
	l[1] = byte(len(f.Payload) >> 16)
	l[2] = byte(len(f.Payload) >> 8)
	l[3] = byte(len(f.Payload))
	buf = append(buf, l[:]...)
	buf = append(buf, f.Payload...)
	buf = append(buf, signer...)
	buf = append(buf, f.Signature.Bytes()...)
	return buf
}

func decodeCachedFrame(b []byte) (wire.Frame, []byte, error) {
	if len(b) < 6 {
		return wire.Frame{}, nil, fmt.Errorf("consensus: truncated cache entry")
	}
	class, typ := b[0], b[1]
	payloadLen := int(b[2])<<24 | int(b[3])<<16 | int(b[4])<<8 | int(b[5])
	rest := b[6:]
	if len(rest) < payloadLen+32+64 {
		return wire.Frame{}, nil, fmt.Errorf("consensus: truncated cache entry payload")
	}
	payload := rest[:payloadLen]
	signer := rest[payloadLen : payloadLen+32]
	sigBytes := rest[payloadLen+32 : payloadLen+32+64]
	var f wire.Frame
	f.Class = class
	f.Type = typ
	f.Payload = append([]byte{}, payload...)
	copy(f.Signature[:], sigBytes)
	return f, append([]byte{}, signer...), nil
}

// cachePut appends a message to the cache for the current height.
func (e *Engine) cachePut(fork *store.Fork, f wire.Frame, signer []byte) error {
	list := store.NewListIndex(fork, cacheIndexName, heightFamily(e.height))
	return list.Push(encodeCachedFrame(f, signer))
}

// ClearMessageCache drops every entry ever recorded in
// core.consensus_messages_cache across all heights, independent of any
// running Engine. It is the `maintenance clear-cache` CLI hook of spec.md
// §3: safe to run offline, since the cache only ever speeds up recovery of
// an in-flight height and is never consulted once that height commits.
func ClearMessageCache(st *store.Engine) error {
	return st.ClearPrefix(store.IndexAddress(cacheIndexName))
}

// replayCache reloads every cached message for the engine's starting
// height and feeds it back through the ordinary message handlers, so a
// restarted node recovers whatever votes it had already seen.
func (e *Engine) replayCache() error {
	snap := e.store.Snapshot()
	defer snap.Discard()

	list := store.NewListIndex(snap, cacheIndexName, heightFamily(e.height))
	n, err := list.Len()
	if err != nil {
		return fmt.Errorf("consensus: replay cache: %w", err)
	}
	for i := uint64(0); i < n; i++ {
		raw, ok, err := list.Get(i)
		if err != nil {
			return fmt.Errorf("consensus: replay cache: %w", err)
		}
		if !ok {
			continue
		}
		f, _, err := decodeCachedFrame(raw)
		if err != nil {
			return fmt.Errorf("consensus: replay cache: %w", err)
		}
		e.dispatchFrame(f)
	}
	return nil
}
