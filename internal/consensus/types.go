// Package consensus implements the leader-rotated, three-phase
// (Propose/Prevote/Precommit) BFT state machine of spec.md §4.5: proposer
// scheduling, round timeouts, the prevote/lock/precommit rules, commit on
// +2/3 quorum, and the liveness catch-up path.
package consensus

import (
	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/executor"
	"github.com/rechain/rechain/internal/wire"
)

// Network is the outbound side of the transport contract the machine needs:
// broadcast a signed frame to every known peer, or ask a specific kind of
// question of the network at large. internal/transport implements this in
// production; tests wire engines together with an in-memory fake.
type Network interface {
	Broadcast(frame wire.Frame)
	RequestTransactions(hashes []crypto.Hash)
	RequestBlock(height uint64)
	RequestPropose(height uint64, proposeHash crypto.Hash)
	RequestPeers()
}

// Identity is this node's consensus role: either a validator with a
// consensus signing key, or an auditor that only follows along.
type Identity struct {
	IsValidator bool
	ValidatorID uint16
	Secret      crypto.SecretKey
}

// proposeState is spec.md §3's per-round ProposeState: the Propose itself,
// which referenced transactions are still missing from the pool, and once
// resolved, the tentative execution result that gives this propose its
// blockHash.
type proposeState struct {
	propose  wire.Propose
	hash     crypto.Hash
	frame    wire.Frame // the original signed Propose frame, relayed verbatim to answer a ProposeRequest
	missing  map[crypto.Hash]bool
	isValid  bool
	executed *executor.Result
}

func (p *proposeState) ready() bool { return len(p.missing) == 0 }
