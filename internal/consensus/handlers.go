package consensus

import (
	"encoding/binary"
	"time"

	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/executor"
	"github.com/rechain/rechain/internal/store"
	"github.com/rechain/rechain/internal/wire"
)

// onFrame verifies and routes one received frame. Frames that fail
// signature or structural validation are dropped per spec.md §4.3 and
// §7's "structural decode error"/"semantic consensus error" taxonomy;
// peer strike accounting lives in internal/transport, which is the layer
// that knows which link the frame arrived on.
func (e *Engine) onFrame(f wire.Frame, signer crypto.PublicKey) {
	// Status beacons carry no validator id and are informational only;
	// every other class must verify under its claimed signer.
	if f.Class != wire.ClassLink && !f.VerifySignature(signer) {
		return
	}
	switch f.Class {
	case wire.ClassConsensus:
		e.cachePutAsync(f, signer)
		switch f.Type {
		case wire.TypePropose:
			if m, err := wire.DecodePropose(f.Payload); err == nil {
				e.onPropose(m, signer, f)
			}
		case wire.TypePrevote:
			if m, err := wire.DecodePrevote(f.Payload); err == nil {
				e.onPrevote(m)
			}
		case wire.TypePrecommit:
			if m, err := wire.DecodePrecommit(f.Payload); err == nil {
				e.onPrecommit(m, signer)
			}
		}
	case wire.ClassLink:
		if f.Type == wire.TypeStatus {
			if m, err := wire.DecodeStatus(f.Payload); err == nil {
				e.onStatus(m)
			}
		}
	case wire.ClassSync:
		if f.Type == wire.TypeTransactionsResponse {
			if m, err := wire.DecodeTransactionsResponse(f.Payload); err == nil {
				e.onTransactionsResponse(m)
			}
		}
	}
}

// cachePutAsync durably records a consensus-class frame before it is acted
// on, so a crash between receipt and commit can replay it on restart
// (spec.md §4.5's failure semantics). Failures are logged, not fatal: the
// cache is a recovery aid, not a correctness requirement for the running
// process.
func (e *Engine) cachePutAsync(f wire.Frame, signer crypto.PublicKey) {
	fork := e.store.Snapshot().Fork()
	if err := e.cachePut(fork, f, signer.Bytes()); err != nil {
		e.log.Printf("consensus: cache message: %v", err)
		return
	}
	if err := e.store.Merge(fork.IntoPatch()); err != nil {
		e.log.Printf("consensus: merge cached message: %v", err)
	}
}

// startHeight resets all per-height volatile state and enters round 1, per
// spec.md §4.5's commit rule ("reset round ← 1, lockedRound ← None; clear
// per-height volatile state").
func (e *Engine) startHeight() {
	e.proposes = make(map[crypto.Hash]*proposeState)
	e.prevotes = make(map[uint32]map[crypto.Hash]map[uint16]bool)
	e.prevoted = make(map[uint32]bool)
	e.precommits = make(map[crypto.Hash]map[uint16]wire.SignedPrecommit)
	e.precommitted = make(map[uint32]bool)
	e.lockedRound = 0
	e.lockedHash = crypto.Hash{}
	e.round = 1
	e.startRound(e.round)
}

// roundTimeout implements SPEC_FULL.md §5's open-question resolution:
// timeout(R) = base + (R-1)*increment.
func (e *Engine) roundTimeout(round uint32) time.Duration {
	base := time.Duration(e.genesis.Consensus.RoundTimeout)
	incr := time.Duration(e.genesis.Consensus.RoundTimeoutIncr)
	return base + time.Duration(round-1)*incr
}

// startRound begins round r of the current height: schedules the round
// timer, and if this node is the proposer with no valid Propose yet, waits
// proposeTimeout for pool fill before composing and broadcasting one.
func (e *Engine) startRound(r uint32) {
	e.round = r
	e.roundGen++
	gen := e.roundGen
	height := e.height

	if e.roundTimer != nil {
		e.roundTimer.Stop()
	}
	e.roundTimer = time.AfterFunc(e.roundTimeout(r), func() {
		e.events <- event{kind: evRoundTimeout, height: height, round: r, frame: wire.Frame{Version: uint16(gen)}}
	})

	if e.identity.IsValidator && e.proposerFor(height, r) == e.identity.ValidatorID {
		if e.proposeTimer != nil {
			e.proposeTimer.Stop()
		}
		e.proposeTimer = time.AfterFunc(time.Duration(e.genesis.Consensus.ProposeTimeout), func() {
			e.events <- event{kind: evProposeTimeout, height: height, round: r, frame: wire.Frame{Version: uint16(gen)}}
		})
	}
}

func (e *Engine) onRoundTimeout(height uint64, round uint32) {
	if height != e.height || round != e.round {
		return // stale timer from a round we've already left
	}
	e.log.Printf("consensus: round timeout at height=%d round=%d, advancing", height, round)
	e.startRound(e.round + 1)
}

func (e *Engine) onProposeTimeout(height uint64, round uint32) {
	if height != e.height || round != e.round {
		return
	}
	if !e.identity.IsValidator || e.proposerFor(height, round) != e.identity.ValidatorID {
		return
	}
	if e.hasValidProposeThisRound() {
		return
	}
	e.broadcastPropose()
}

func (e *Engine) hasValidProposeThisRound() bool {
	for _, ps := range e.proposes {
		if ps.propose.Height == e.height && ps.propose.Round == e.round && ps.isValid {
			return true
		}
	}
	return false
}

// broadcastPropose composes and signs a Propose referencing up to
// txsBlockLimit pool transactions in insertion order, per spec.md §4.5 step 2.
func (e *Engine) broadcastPropose() {
	limit := e.genesis.Consensus.TxsBlockLimit
	txs := e.pool.IterateCapped(limit)
	hashes := make([]crypto.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}

	m := wire.Propose{
		ValidatorID: e.identity.ValidatorID,
		Height:      e.height,
		Round:       e.round,
		PrevHash:    e.lastBlock,
		TxHashes:    hashes,
	}
	frame := wire.Frame{Class: wire.ClassConsensus, Type: wire.TypePropose, Version: wire.ProtocolVersion, Payload: m.EncodePayload()}
	frame = frame.Sign(e.identity.Secret)
	e.net.Broadcast(frame)
	e.onPropose(m, e.identity.Secret.Public(), frame)
}

// onPropose validates a received Propose and, once every referenced
// transaction and the tentative execution are resolved, applies the
// prevote rule of spec.md §4.5.
func (e *Engine) onPropose(m wire.Propose, signer crypto.PublicKey, frame wire.Frame) {
	if m.Height != e.height {
		return
	}
	if m.ValidatorID != e.proposerFor(m.Height, m.Round) {
		return // wrong proposer for this round: semantic consensus error, dropped
	}
	if m.PrevHash != e.lastBlock {
		return
	}

	hash := crypto.SHA256(m.EncodePayload())
	if _, exists := e.proposes[hash]; exists {
		return
	}

	ps := &proposeState{propose: m, hash: hash, frame: frame, missing: make(map[crypto.Hash]bool)}
	snap := e.store.Snapshot()
	for _, h := range m.TxHashes {
		if !e.pool.Contains(h) {
			if _, ok, _ := executor.LoadTransaction(snap, h); !ok {
				ps.missing[h] = true
			}
		}
	}
	snap.Discard()
	e.proposes[hash] = ps

	if !ps.ready() {
		missing := make([]crypto.Hash, 0, len(ps.missing))
		for h := range ps.missing {
			missing = append(missing, h)
		}
		e.net.RequestTransactions(missing)
		return
	}
	e.resolvePropose(ps)
}

// onTransactionsResponse fills in missing pool entries and, if that
// completes any pending Propose's transaction set, resolves it.
func (e *Engine) onTransactionsResponse(m wire.TransactionsResponse) {
	for _, raw := range m.Transactions {
		tx, err := wire.DecodeSignedTransaction(raw)
		if err != nil {
			continue
		}
		if e.dispatcher.Owns(tx.ServiceID) {
			e.pool.Insert(tx)
		}
	}
	for _, ps := range e.proposes {
		if ps.ready() {
			continue
		}
		for h := range ps.missing {
			if e.pool.Contains(h) {
				delete(ps.missing, h)
			}
		}
		if ps.ready() {
			e.resolvePropose(ps)
		}
	}
}

// resolvePropose tentatively executes a fully-known Propose to derive its
// blockHash, marks it valid, then applies the prevote rule.
func (e *Engine) resolvePropose(ps *proposeState) {
	snap := e.store.Snapshot()
	txs := make([]wire.SignedTransaction, len(ps.propose.TxHashes))
	for i, h := range ps.propose.TxHashes {
		if tx, ok := e.pool.Get(h); ok {
			txs[i] = tx
		} else if tx, ok, _ := executor.LoadTransaction(snap, h); ok {
			txs[i] = tx
		}
	}

	result, err := executor.Build(snap, ps.propose.Height, ps.propose.ValidatorID, ps.propose.PrevHash, txs, e.dispatcher)
	snap.Discard()
	if err != nil {
		e.log.Printf("consensus: tentative execution of propose %s failed: %v", ps.hash, err)
		return
	}
	ps.isValid = true
	ps.executed = &result

	e.applyPrevoteRule(ps)
}

// applyPrevoteRule implements spec.md §4.5's prevote rule: vote for the
// newly-valid propose unless locked on a different one, in which case only
// re-affirm the lock (never vote for the new value).
func (e *Engine) applyPrevoteRule(ps *proposeState) {
	if ps.propose.Round != e.round {
		return
	}
	if e.prevoted[e.round] {
		return
	}
	if e.lockedRound == 0 || e.lockedHash == ps.hash {
		e.castPrevote(ps.hash)
		return
	}
	if locked, ok := e.proposes[e.lockedHash]; ok && locked.propose.Round <= e.round {
		e.castPrevote(e.lockedHash)
	}
	// else: the locked propose itself is not known here — abstain.
}

func (e *Engine) castPrevote(proposeHash crypto.Hash) {
	if !e.identity.IsValidator {
		return
	}
	m := wire.Prevote{
		ValidatorID: e.identity.ValidatorID,
		Height:      e.height,
		Round:       e.round,
		ProposeHash: proposeHash,
		LockedRound: e.lockedRound,
	}
	frame := wire.Frame{Class: wire.ClassConsensus, Type: wire.TypePrevote, Version: wire.ProtocolVersion, Payload: m.EncodePayload()}
	frame = frame.Sign(e.identity.Secret)
	e.prevoted[e.round] = true
	e.net.Broadcast(frame)
	e.onPrevote(m)
}

// onPrevote records a Prevote, treating a second, distinct vote from a
// validator already recorded this round as an equivocation that is simply
// not re-counted (spec.md §8 property 2), and checks for proof-of-lock
// acquisition. A Prevote more than one round ahead of ours means we are
// stuck waiting on a timer the rest of the network has already passed, so
// we jump straight to that round rather than stepping through every one
// in between.
func (e *Engine) onPrevote(m wire.Prevote) {
	if m.Height != e.height {
		return
	}
	if int(m.ValidatorID) >= e.numValidators() {
		return
	}
	if m.Round > e.round+1 {
		e.startRound(m.Round)
	}
	byHash, ok := e.prevotes[m.Round]
	if !ok {
		byHash = make(map[crypto.Hash]map[uint16]bool)
		e.prevotes[m.Round] = byHash
	}
	for _, voters := range byHash {
		if voters[m.ValidatorID] {
			return
		}
	}
	voters, ok := byHash[m.ProposeHash]
	if !ok {
		voters = make(map[uint16]bool)
		byHash[m.ProposeHash] = voters
	}
	voters[m.ValidatorID] = true

	if len(voters) >= e.Threshold() {
		e.acquireLock(m.Round, m.ProposeHash)
	}
}

// acquireLock is spec.md §4.5's lock acquisition: monotone within a height,
// only a higher round's +2/3 Prevote set may overwrite a standing lock.
func (e *Engine) acquireLock(round uint32, proposeHash crypto.Hash) {
	if round < e.lockedRound {
		return
	}
	if round > e.lockedRound {
		e.lockedRound = round
		e.lockedHash = proposeHash
	}

	ps, ok := e.proposes[proposeHash]
	if !ok {
		e.net.RequestPropose(e.height, proposeHash)
		return
	}
	if !ps.isValid || ps.executed == nil {
		return
	}
	if round != e.round {
		return
	}
	e.castPrecommit(proposeHash, ps.executed.Hash)
}

func (e *Engine) castPrecommit(proposeHash, blockHash crypto.Hash) {
	if !e.identity.IsValidator || e.precommitted[e.round] {
		return
	}
	m := wire.Precommit{
		ValidatorID: e.identity.ValidatorID,
		Height:      e.height,
		Round:       e.round,
		ProposeHash: proposeHash,
		BlockHash:   blockHash,
		Time:        time.Now().Unix(),
	}
	frame := wire.Frame{Class: wire.ClassConsensus, Type: wire.TypePrecommit, Version: wire.ProtocolVersion, Payload: m.EncodePayload()}
	frame = frame.Sign(e.identity.Secret)
	e.precommitted[e.round] = true
	e.net.Broadcast(frame)
	e.onPrecommit(m, e.identity.Secret.Public())
}

// onPrecommit records a Precommit and checks for commit quorum, which ends
// the height regardless of which round produced it (spec.md §4.5's commit
// rule: "validators need not agree on the round of commit, only on the
// block"). As with onPrevote, a Precommit more than one round ahead jumps
// us straight to that round.
func (e *Engine) onPrecommit(m wire.Precommit, signer crypto.PublicKey) {
	if m.Height != e.height {
		return
	}
	if int(m.ValidatorID) >= e.numValidators() {
		return
	}
	if m.Round > e.round+1 {
		e.startRound(m.Round)
	}
	voters, ok := e.precommits[m.BlockHash]
	if !ok {
		voters = make(map[uint16]wire.SignedPrecommit)
		e.precommits[m.BlockHash] = voters
	}
	if _, already := voters[m.ValidatorID]; already {
		return
	}
	voters[m.ValidatorID] = wire.SignedPrecommit{Precommit: m, Signer: signer}

	if len(voters) >= e.Threshold() {
		e.commit(m.BlockHash, voters)
	}
}

// commit persists the block produced for blockHash, its precommit quorum,
// evicts its transactions from the pool, and advances to the next height,
// per spec.md §4.5. If this validator never itself produced blockHash (it
// was on a different propose or round), it falls back to the liveness path
// instead of fabricating a patch it cannot vouch for.
func (e *Engine) commit(blockHash crypto.Hash, voters map[uint16]wire.SignedPrecommit) {
	var ps *proposeState
	for _, cand := range e.proposes {
		if cand.isValid && cand.executed != nil && cand.executed.Hash == blockHash {
			ps = cand
			break
		}
	}
	if ps == nil {
		e.net.RequestBlock(e.height)
		return
	}

	if err := e.store.Merge(ps.executed.Patch); err != nil {
		e.log.Fatalf("consensus: merge committed block patch: %v", err)
	}

	precommitList := make([]wire.SignedPrecommit, 0, len(voters))
	for _, v := range voters {
		precommitList = append(precommitList, v)
	}
	pcFork := e.store.Snapshot().Fork()
	if err := executor.RecordPrecommits(pcFork, blockHash, precommitList); err != nil {
		e.log.Fatalf("consensus: record precommits: %v", err)
	}
	if err := e.store.MergeSync(pcFork.IntoPatch()); err != nil {
		e.log.Fatalf("consensus: merge precommits: %v", err)
	}

	commitSnap := e.store.Snapshot()
	err := e.dispatcher.AfterCommitAll(commitSnap)
	commitSnap.Discard()
	if err != nil {
		e.log.Fatalf("consensus: after_commit: %v", err)
	}

	for _, h := range ps.propose.TxHashes {
		e.pool.Remove(h)
	}

	e.lastBlock = blockHash
	e.height++
	e.startHeight()
	e.broadcastStatus()
}

func (e *Engine) broadcastStatus() {
	m := wire.Status{Height: e.height, LastBlockHash: e.lastBlock, PoolSize: uint64(e.pool.Len())}
	frame := wire.Frame{Class: wire.ClassLink, Type: wire.TypeStatus, Version: wire.ProtocolVersion, Payload: m.EncodePayload()}
	if e.identity.IsValidator {
		frame = frame.Sign(e.identity.Secret)
	}
	e.net.Broadcast(frame)
}

// onStatus implements spec.md §4.5's liveness tactic: request the block at
// our current height from a peer who claims to be ahead.
func (e *Engine) onStatus(m wire.Status) {
	if m.Height > e.height {
		e.net.RequestBlock(e.height)
	}
}

// onBlockResponse applies a peer-supplied block as if committed, after
// verifying it carries a genuine +2/3 Precommit quorum, per spec.md §4.5.
func (e *Engine) onBlockResponse(resp wire.BlockResponse) {
	header, err := executor.DecodeHeader(resp.Block)
	if err != nil || header.Height != e.height {
		return
	}
	blockHash := header.Hash()
	if len(resp.Precommits) < e.Threshold() {
		return
	}
	seen := make(map[uint16]bool)
	for _, pc := range resp.Precommits {
		if !pc.Verify() {
			return
		}
		if pc.Precommit.BlockHash != blockHash || pc.Precommit.Height != header.Height {
			return
		}
		if int(pc.Precommit.ValidatorID) >= e.numValidators() {
			return
		}
		if pc.Signer != e.genesis.Validators[pc.Precommit.ValidatorID].ConsensusKey {
			return
		}
		seen[pc.Precommit.ValidatorID] = true
	}
	if len(seen) < e.Threshold() {
		return
	}

	fork := e.store.Snapshot().Fork()
	blocks := store.NewMapIndex(fork, executor.IndexBlocks)
	var heightKey [8]byte
	binary.LittleEndian.PutUint64(heightKey[:], header.Height)
	if err := blocks.Put(heightKey[:], resp.Block); err != nil {
		e.log.Fatalf("consensus: apply block response: %v", err)
	}
	txIndex := store.NewMapIndex(fork, executor.IndexTransactions)
	for _, raw := range resp.Transactions {
		tx, err := wire.DecodeSignedTransaction(raw)
		if err != nil {
			continue
		}
		hash := tx.Hash()
		if err := txIndex.Put(hash[:], raw); err != nil {
			e.log.Fatalf("consensus: apply block response: %v", err)
		}
		e.pool.Remove(hash)
	}
	if err := executor.RecordPrecommits(fork, blockHash, resp.Precommits); err != nil {
		e.log.Fatalf("consensus: apply block response: %v", err)
	}
	if err := e.store.MergeSync(fork.IntoPatch()); err != nil {
		e.log.Fatalf("consensus: apply block response: %v", err)
	}

	e.lastBlock = blockHash
	e.height = header.Height + 1
	e.startHeight()
}

// onProposeRequest answers a liveness ProposeRequest with the original
// signed Propose frame this validator holds for proposeHash, plus every
// transaction it references, so the requester can resolve the propose
// without a further TransactionsRequest round trip.
func (e *Engine) onProposeRequest(req wire.ProposeRequest, respond func(wire.ProposeResponse, bool)) {
	ps, ok := e.proposes[req.ProposeHash]
	if !ok || ps.propose.Height != req.Height {
		respond(wire.ProposeResponse{}, false)
		return
	}
	snap := e.store.Snapshot()
	txs := make([][]byte, 0, len(ps.propose.TxHashes))
	for _, h := range ps.propose.TxHashes {
		if tx, ok := e.pool.Get(h); ok {
			txs = append(txs, tx.Encode())
			continue
		}
		if tx, ok, _ := executor.LoadTransaction(snap, h); ok {
			txs = append(txs, tx.Encode())
		}
	}
	snap.Discard()
	respond(wire.ProposeResponse{ProposeFrame: ps.frame.Encode(), Transactions: txs}, true)
}

// onProposeResponse is acquireLock's recovery path: it pools every
// transaction the response carries, then replays the relayed Propose frame
// through the ordinary onFrame path, exactly as if it had just arrived over
// the network.
func (e *Engine) onProposeResponse(resp wire.ProposeResponse) {
	for _, raw := range resp.Transactions {
		tx, err := wire.DecodeSignedTransaction(raw)
		if err != nil {
			continue
		}
		if e.dispatcher.Owns(tx.ServiceID) {
			e.pool.Insert(tx)
		}
	}
	f, err := wire.FrameFromBytes(resp.ProposeFrame)
	if err != nil {
		return
	}
	e.dispatchFrame(f)
}
