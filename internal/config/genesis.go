package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rechain/rechain/internal/crypto"
)

// ValidatorKey is one validator's identity in genesis: a consensus key used
// to sign Propose/Prevote/Precommit messages, and a service key used to
// sign transactions the validator submits on behalf of its operator.
type ValidatorKey struct {
	ConsensusKey crypto.PublicKey `json:"consensus_key"`
	ServiceKey   crypto.PublicKey `json:"service_key"`
}

// ConsensusParams is the tunable knob set of spec.md §3's ConsensusConfig:
// timeouts, block transaction limit, and the negotiated max frame size.
type ConsensusParams struct {
	RoundTimeout      Duration `json:"round_timeout"`
	RoundTimeoutIncr  Duration `json:"round_timeout_increment"`
	StatusTimeout     Duration `json:"status_timeout"`
	PeersTimeout      Duration `json:"peers_timeout"`
	ProposeTimeout    Duration `json:"propose_timeout"`
	TxsBlockLimit     int      `json:"txs_block_limit"`
	MaxMessageLen     uint32   `json:"max_message_len"`
	MaxClockSkew      Duration `json:"max_clock_skew"`
}

// Duration is time.Duration with JSON encoding as a human string ("500ms"),
// since genesis is meant to be hand- or tool-authored, unlike the binary
// wire format the rest of the protocol uses.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("config: decode duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: decode duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServiceConfig names one application service the dispatcher must have
// registered, plus its service-specific initialization parameters.
type ServiceConfig struct {
	ID     uint16          `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Genesis is the opaque configuration blob spec.md §6 hands to the core:
// validators, consensus parameters, and the services that must be present.
type Genesis struct {
	Validators []ValidatorKey  `json:"validators"`
	Consensus  ConsensusParams `json:"consensus"`
	Services   []ServiceConfig `json:"services"`
}

// DefaultConsensusParams mirrors the teacher's DefaultConfig timeout values,
// generalized to spec.md §3's named knobs.
func DefaultConsensusParams() ConsensusParams {
	return ConsensusParams{
		RoundTimeout:     Duration(3 * time.Second),
		RoundTimeoutIncr: Duration(500 * time.Millisecond),
		StatusTimeout:    Duration(5 * time.Second),
		PeersTimeout:     Duration(10 * time.Second),
		ProposeTimeout:   Duration(1 * time.Second),
		TxsBlockLimit:    1000,
		MaxMessageLen:    1 << 20,
		MaxClockSkew:     Duration(10 * time.Second),
	}
}

// ParseGenesis decodes and validates a genesis configuration blob.
func ParseGenesis(data []byte) (*Genesis, error) {
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: decode genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate enforces spec.md §6's genesis well-formedness rules: at least 4
// validators (n ≥ 3f+1 with f implicitly ≥ 1), unique service ids/names,
// services sorted by id.
func (g *Genesis) Validate() error {
	if len(g.Validators) < 4 {
		return fmt.Errorf("config: genesis: at least 4 validators required, got %d", len(g.Validators))
	}
	if g.Consensus.TxsBlockLimit <= 0 {
		return fmt.Errorf("config: genesis: txs_block_limit must be positive")
	}
	if g.Consensus.MaxMessageLen == 0 {
		return fmt.Errorf("config: genesis: max_message_len must be positive")
	}
	if g.Consensus.MaxClockSkew <= 0 {
		return fmt.Errorf("config: genesis: max_clock_skew must be positive")
	}

	seenID := make(map[uint16]bool, len(g.Services))
	seenName := make(map[string]bool, len(g.Services))
	for i, s := range g.Services {
		if seenID[s.ID] {
			return fmt.Errorf("config: genesis: duplicate service id %d", s.ID)
		}
		if seenName[s.Name] {
			return fmt.Errorf("config: genesis: duplicate service name %q", s.Name)
		}
		seenID[s.ID] = true
		seenName[s.Name] = true
		if i > 0 && s.ID < g.Services[i-1].ID {
			return fmt.Errorf("config: genesis: services must be sorted by id (id %d follows id %d)", s.ID, g.Services[i-1].ID)
		}
	}
	return nil
}

// Threshold returns the quorum size 2n/3 + 1 for this genesis's validator
// count, the "strictly more than two thirds" of spec.md §4.5.
func (g *Genesis) Threshold() int {
	n := len(g.Validators)
	return (2*n)/3 + 1
}

// SortServices sorts Services by id in place, for callers that
// build a genesis programmatically (e.g. in tests) rather than parsing one.
func (g *Genesis) SortServices() {
	sort.Slice(g.Services, func(i, j int) bool { return g.Services[i].ID < g.Services[j].ID })
}
