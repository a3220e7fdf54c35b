// Package configchange is the second illustration service spec.md §4.7
// calls out by name: a "configuration-changer" that proposes a new
// ConsensusConfig and installs it once a threshold of current validators
// have voted for the same proposal, taking effect at a declared future
// height (spec.md §3's ConsensusConfig lifecycle: "replaced only through a
// committed configuration change taking effect at a declared future
// height").
//
// This service demonstrates the contract only: it records the winning
// proposal under core.consensus_config(height) (spec.md §3's
// PersistentIndices entry of that name). Actually swapping the live
// engine's active validator set at the declared height is a materially
// larger change to internal/consensus than an illustration service
// warrants; see DESIGN.md for that scope decision.
package configchange

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/dispatcher"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/pkg/merkle"
)

// ServiceID and ServiceName identify this service in the dispatcher's fixed
// registration order.
const (
	ServiceID   uint16 = 1
	ServiceName        = "configuration"
)

const (
	proposalsIndex = "configuration.proposals" // proposalHash -> Proposal (proof-map)
	votesIndex     = "configuration.votes"     // proposalHash family -> voterKey set
	installedIndex = "core.consensus_config"   // activationHeight (u64 BE) -> config bytes, spec.md §3
)

const (
	tagPropose byte = 0
	tagVote    byte = 1
)

// ErrUnknownVoter is returned when a transaction's embedded voter key is
// not a member of the configured validator set.
var ErrUnknownVoter = errors.New("configchange: voter is not a current validator")

// ErrUnknownProposal is returned when a Vote names a proposal hash this
// service has never seen a Propose for.
var ErrUnknownProposal = errors.New("configchange: vote for unknown proposal")

// ErrAlreadyInstalled is returned when a Propose's activation height has
// already had a configuration installed for it.
var ErrAlreadyInstalled = errors.New("configchange: activation height already installed")

// Proposal is one pending configuration change: the raw config bytes
// (an opaque, service-specific encoding — this build treats it as the
// JSON-encoded config.ConsensusParams caller-side, but the service itself
// never interprets it) and the height it takes effect at.
type Proposal struct {
	ActivationHeight uint64
	Config           []byte
}

func (p Proposal) encode() []byte {
	buf := make([]byte, 8, 8+len(p.Config))
	binary.BigEndian.PutUint64(buf, p.ActivationHeight)
	return append(buf, p.Config...)
}

func decodeProposal(b []byte) (Proposal, error) {
	if len(b) < 8 {
		return Proposal{}, fmt.Errorf("configchange: truncated proposal")
	}
	return Proposal{ActivationHeight: binary.BigEndian.Uint64(b[:8]), Config: append([]byte{}, b[8:]...)}, nil
}

// proposalHash identifies a proposal by its content, so two identical
// proposals (same config, same activation height) from different voters
// coalesce into one vote count.
func proposalHash(p Proposal) crypto.Hash {
	return crypto.SHA256(p.encode())
}

// Service implements dispatcher.Service for the configuration-changer.
// validators is the fixed set of service keys entitled to vote, captured
// at registration time from genesis; threshold is spec.md §4.5's +2/3
// quorum size.
type Service struct {
	validators map[crypto.PublicKey]bool
	threshold  int
}

// New returns a configuration-changer service that accepts votes only from
// validatorServiceKeys, installing a proposal once threshold distinct
// validators have voted for it.
func New(validatorServiceKeys []crypto.PublicKey, threshold int) *Service {
	s := &Service{validators: make(map[crypto.PublicKey]bool, len(validatorServiceKeys)), threshold: threshold}
	for _, k := range validatorServiceKeys {
		s.validators[k] = true
	}
	return s
}

func (s *Service) ID() uint16   { return ServiceID }
func (s *Service) Name() string { return ServiceName }

// TxFromRaw decodes a raw configuration-change request: a one-byte tag,
// the voter's service public key, and either a Propose body or a Vote
// target hash.
func (s *Service) TxFromRaw(raw []byte) (dispatcher.Transaction, error) {
	if len(raw) < 1+crypto.PublicKeySize {
		return nil, fmt.Errorf("configchange: truncated transaction")
	}
	tag := raw[0]
	voter, err := crypto.PublicKeyFromBytes(raw[1 : 1+crypto.PublicKeySize])
	if err != nil {
		return nil, fmt.Errorf("configchange: decode voter key: %w", err)
	}
	rest := raw[1+crypto.PublicKeySize:]

	switch tag {
	case tagPropose:
		proposal, err := decodeProposal(rest)
		if err != nil {
			return nil, err
		}
		return &boundTransaction{svc: s, tag: tag, voter: voter, proposal: proposal}, nil
	case tagVote:
		hash, err := crypto.HashFromBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("configchange: decode vote target: %w", err)
		}
		return &boundTransaction{svc: s, tag: tag, voter: voter, voteFor: hash}, nil
	default:
		return nil, fmt.Errorf("configchange: unknown transaction tag %d", tag)
	}
}

// boundTransaction is the executable dispatcher.Transaction decoded by
// TxFromRaw: it closes over the Service instance so Execute can check
// voter membership and threshold.
type boundTransaction struct {
	svc      *Service
	tag      byte
	voter    crypto.PublicKey
	proposal Proposal
	voteFor  crypto.Hash
}

func (tx *boundTransaction) Execute(fork *store.Fork) error {
	if !tx.svc.validators[tx.voter] {
		return ErrUnknownVoter
	}
	switch tx.tag {
	case tagPropose:
		return tx.svc.propose(fork, tx.voter, tx.proposal)
	case tagVote:
		return tx.svc.vote(fork, tx.voter, tx.voteFor)
	default:
		return fmt.Errorf("configchange: unknown transaction tag %d", tx.tag)
	}
}

func (s *Service) propose(fork *store.Fork, voter crypto.PublicKey, p Proposal) error {
	if _, ok, err := s.installedAt(fork, p.ActivationHeight); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInstalled
	}
	hash := proposalHash(p)
	proposals := store.NewProofMapIndex(fork, proposalsIndex)
	if _, ok, err := proposals.Get(merkle.Hash(hash)); err != nil {
		return err
	} else if !ok {
		if err := proposals.Put(merkle.Hash(hash), p.encode()); err != nil {
			return err
		}
	}
	return s.recordVote(fork, hash, voter)
}

func (s *Service) vote(fork *store.Fork, voter crypto.PublicKey, proposalHash crypto.Hash) error {
	proposals := store.NewProofMapIndex(fork, proposalsIndex)
	if _, ok, err := proposals.Get(merkle.Hash(proposalHash)); err != nil {
		return err
	} else if !ok {
		return ErrUnknownProposal
	}
	return s.recordVote(fork, proposalHash, voter)
}

func (s *Service) recordVote(fork *store.Fork, proposalHash crypto.Hash, voter crypto.PublicKey) error {
	votes := store.NewSetIndex(fork, votesIndex, proposalHash[:])
	if err := votes.Add(voter.Bytes()); err != nil {
		return err
	}

	count := 0
	if err := votes.Iterate(func(item []byte) bool { count++; return true }); err != nil {
		return err
	}
	if count < s.threshold {
		return nil
	}

	proposals := store.NewProofMapIndex(fork, proposalsIndex)
	raw, ok, err := proposals.Get(merkle.Hash(proposalHash))
	if err != nil || !ok {
		return err
	}
	proposal, err := decodeProposal(raw)
	if err != nil {
		return err
	}
	if _, installed, err := s.installedAt(fork, proposal.ActivationHeight); err != nil {
		return err
	} else if installed {
		return nil
	}
	return s.install(fork, proposal)
}

func (s *Service) install(fork *store.Fork, p Proposal) error {
	installed := store.NewMapIndex(fork, installedIndex)
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], p.ActivationHeight)
	return installed.Put(key[:], p.Config)
}

func (s *Service) installedAt(access store.ReadAccess, height uint64) ([]byte, bool, error) {
	installed := store.NewMapIndex(access, installedIndex)
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], height)
	return installed.Get(key[:])
}

// InstalledAt returns the configuration bytes installed for activationHeight,
// if a quorum of validators has ratified one.
func (s *Service) InstalledAt(snapshot *store.Snapshot, activationHeight uint64) ([]byte, bool, error) {
	return s.installedAt(snapshot, activationHeight)
}

// StateHash returns the proposals trie's root, the only Merkleized index
// this service owns (votes and installed configs are plain, unauthenticated
// bookkeeping).
func (s *Service) StateHash(access store.ReadAccess) ([]merkle.Hash, error) {
	proposals := store.NewProofMapIndex(access, proposalsIndex)
	root, err := proposals.ObjectHash()
	if err != nil {
		return nil, err
	}
	return []merkle.Hash{root}, nil
}

// EncodeProposal builds the raw payload for a transaction envelope that
// proposes cfg to take effect at activationHeight, to be wrapped in a
// wire.SignedTransaction and signed by voterKey (the caller must sign the
// envelope with the secret half of voterKey so Execute's membership check
// and the outer signature agree on the same identity).
func EncodeProposal(voterKey crypto.PublicKey, cfg []byte, activationHeight uint64) []byte {
	buf := make([]byte, 0, 1+crypto.PublicKeySize+8+len(cfg))
	buf = append(buf, tagPropose)
	buf = append(buf, voterKey.Bytes()...)
	p := Proposal{ActivationHeight: activationHeight, Config: cfg}
	return append(buf, p.encode()...)
}

// EncodeVote builds the raw payload for a transaction envelope that votes
// for the proposal identified by hash.
func EncodeVote(voterKey crypto.PublicKey, hash crypto.Hash) []byte {
	buf := make([]byte, 0, 1+crypto.PublicKeySize+crypto.HashSize)
	buf = append(buf, tagVote)
	buf = append(buf, voterKey.Bytes()...)
	return append(buf, hash[:]...)
}

// ProposalHash exposes proposalHash for callers (e.g. a CLI or test) that
// need to vote for a proposal they just composed without re-deriving the
// encoding by hand.
func ProposalHash(activationHeight uint64, cfg []byte) crypto.Hash {
	return proposalHash(Proposal{ActivationHeight: activationHeight, Config: cfg})
}
