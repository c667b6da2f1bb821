package consensus

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/creditmesh/ledger/chancrypto"
)

// log is this package's subsystem logger, following the same disabled-by-
// default, UseLogger-wired convention as chanstate and hubrisk.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// defaultMempoolCap is the soft backpressure limit on an entity's pending tx
// set (spec §5 "Backpressure").
const defaultMempoolCap = 4096

// defaultInputQueueBacklog bounds the per-entity input queue's buffer before
// ChanIn starts blocking the submitter (spec §5: each entity is a single
// cooperative-scheduling actor, never processed by more than one goroutine
// at a time).
const defaultInputQueueBacklog = 256

// Journal persists committed frames so a crashed replica can recover its
// state by replay (spec §5 "Durability"). A nil Journal disables
// persistence -- useful for tests that only exercise in-memory consensus.
type Journal interface {
	AppendFrame(*Frame) error
}

// Precommit is a validator's signature over a specific height's proposed
// frame, gossiped independently of the frame itself once a validator has
// re-executed and agreed with it.
type Precommit struct {
	Height uint64
	Signer chancrypto.Address
	Sig    chancrypto.Signature
}

// EntityInput is the single envelope type accepted by an Entity's input
// queue: exactly one of its fields is set, tagging which of the four
// consensus phases (spec §4.5) this input drives.
type EntityInput struct {
	// Tx drives ADD_TX.
	Tx *Tx

	// Proposal drives SIGN: a freshly drafted frame from the proposer.
	Proposal *Frame

	// Precommit drives COMMIT bookkeeping: one more validator's signature
	// over the in-flight proposal.
	Precommit *Precommit

	// Commit drives COMMIT: a frame already known to carry threshold
	// share, to be re-verified and applied.
	Commit *Frame
}

// Entity is one replica of a consensus entity: a single-threaded, per-entity
// state machine cycling through ADD_TX -> PROPOSE -> SIGN -> COMMIT (spec
// §4.5). All mutating methods are synchronous and safe to call directly in
// tests; Start wires them to an input queue and a propose ticker for
// standalone operation, matching how the teacher's htlcswitch keeps its core
// link logic synchronous while Start/Stop own the goroutine plumbing.
type Entity struct {
	mu sync.Mutex

	id     EntityId
	cfg    Config
	wallet *chancrypto.Wallet
	state  *EntityState

	mempool     []Tx
	mempoolSeen map[chancrypto.Hash]bool

	pendingFrame *Frame

	journal Journal

	inputQueue *queue.ConcurrentQueue
	ticker     ticker.Ticker
	quit       chan struct{}
	wg         sync.WaitGroup
}

// NewEntity constructs a replica at genesis (height 0). wallet is this
// replica's own signing identity and must be one of cfg.Validators.
func NewEntity(id EntityId, cfg Config, wallet *chancrypto.Wallet, journal Journal) (*Entity, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := cfg.Shares[wallet.Address()]; !ok {
		return nil, fmt.Errorf("%w: wallet %v is not a configured validator",
			ErrUnknownSigner, wallet.Address())
	}

	return &Entity{
		id:          id,
		cfg:         cfg,
		wallet:      wallet,
		state:       NewEntityState(),
		mempoolSeen: make(map[chancrypto.Hash]bool),
		journal:     journal,
		inputQueue:  queue.NewConcurrentQueue(defaultInputQueueBacklog),
		quit:        make(chan struct{}),
	}, nil
}

// State returns the replica's current committed state. Callers must not
// mutate the returned value.
func (e *Entity) State() *EntityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsProposer reports whether this replica drafts frames for the entity.
func (e *Entity) IsProposer() bool {
	return e.wallet.Address() == e.cfg.Proposer
}

// AddTx is phase 1, ADD_TX (spec §4.5 step 1): stateless-ish admission of a
// signed tx into the mempool -- signature, nonce-not-yet-used, and the
// mempool's soft cap are checked here so a flood of invalid txs never
// reaches PROPOSE.
func (e *Entity) AddTx(tx Tx) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !VerifySignature(tx) {
		return fmt.Errorf("%w: tx from %v", ErrInvalidSignature, tx.Signer)
	}
	if _, ok := e.cfg.Shares[tx.Signer]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownSigner, tx.Signer)
	}
	if lastNonce, seen := e.state.Nonces[tx.Signer]; seen && tx.Nonce <= lastNonce {
		return fmt.Errorf("%w: signer %v nonce %d, last used %d",
			ErrNonceReplay, tx.Signer, tx.Nonce, lastNonce)
	}

	h := tx.Hash()
	if e.mempoolSeen[h] {
		return nil
	}
	if len(e.mempool) >= defaultMempoolCap {
		return ErrMempoolFull
	}

	e.mempool = append(e.mempool, tx)
	e.mempoolSeen[h] = true

	log.Debugf("entity %v: added tx %x from %v to mempool (%d pending)",
		e.id, h[:4], tx.Signer, len(e.mempool))
	return nil
}

// ProposeIfReady is phase 2, PROPOSE (spec §4.5 step 2): only the configured
// proposer may call this. It drains the current mempool snapshot in
// canonical (signer, nonce, hash) order, applies it to draft the successor
// state, and produces a self-signed Frame ready to gossip for SIGN. Returns
// (nil, nil) if there is nothing to propose or a proposal is already in
// flight at this height.
func (e *Entity) ProposeIfReady(proposedAt int64) (*Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.IsProposer() {
		return nil, ErrNotProposer
	}
	if e.pendingFrame != nil {
		return nil, nil
	}
	if len(e.mempool) == 0 {
		return nil, nil
	}

	txs := sortTxsCanonical(e.mempool)
	prevHash := StateHash(e.state)

	next, err := apply(e.state, txs, e.cfg, proposedAt)
	if err != nil {
		return nil, err
	}

	frame := &Frame{
		Height:        e.state.Height + 1,
		Txs:           txs,
		PrevStateHash: prevHash,
		NewStateHash:  StateHash(next),
		ProposedAt:    proposedAt,
		Signatures:    make(map[chancrypto.Address]chancrypto.Signature),
	}
	frame.Sign(e.wallet)
	e.pendingFrame = frame

	log.Infof("entity %v: proposed frame at height %d with %d txs",
		e.id, frame.Height, len(txs))
	return frame, nil
}

// HandleProposal is phase 3, SIGN (spec §4.5 step 3): a validator
// re-executes apply over the proposer's declared tx batch and, if its own
// recomputed new_state_hash agrees with what the proposer declared, adds its
// precommit signature. A disagreement is refused, never force-applied.
func (e *Entity) HandleProposal(frame *Frame) (*Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame.Height != e.state.Height+1 {
		return nil, fmt.Errorf("%w: proposal height %d, expected %d",
			ErrStaleHeight, frame.Height, e.state.Height+1)
	}
	if frame.PrevStateHash != StateHash(e.state) {
		return nil, fmt.Errorf("%w: proposal prev_state_hash does not match local state",
			ErrStateHashMismatch)
	}

	next, err := apply(e.state, frame.Txs, e.cfg, frame.ProposedAt)
	if err != nil {
		return nil, err
	}
	if StateHash(next) != frame.NewStateHash {
		return nil, fmt.Errorf("%w: recomputed %v, proposer declared %v",
			ErrStateHashMismatch, StateHash(next), frame.NewStateHash)
	}

	frame.Sign(e.wallet)
	e.pendingFrame = frame

	log.Debugf("entity %v: signed proposal at height %d", e.id, frame.Height)
	return frame, nil
}

// MergePrecommit folds one more validator's precommit into the in-flight
// proposal at height. It is a no-op if there is no in-flight proposal at
// that height, which happens harmlessly under gossip reordering.
func (e *Entity) MergePrecommit(p Precommit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingFrame == nil || e.pendingFrame.Height != p.Height {
		return
	}
	e.pendingFrame.Signatures[p.Signer] = p.Sig
}

// PrecommitShare returns the summed share of currently valid precommits on
// the in-flight proposal, or nil if there is none.
func (e *Entity) PrecommitShare() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingFrame == nil {
		return nil
	}
	return PrecommitShare(e.pendingFrame, e.cfg)
}

// TryCommit is phase 4, COMMIT (spec §4.5 step 4): once the in-flight
// proposal's precommit share reaches the entity's threshold, re-verify and
// apply it, replace the committed state, clear the committed txs from the
// mempool, and persist the frame to the journal.
func (e *Entity) TryCommit() (*Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tryCommitLocked(e.pendingFrame)
}

// HandleCommit processes a frame received already carrying (what the
// sender believes is) threshold precommit share -- e.g. forwarded by the
// proposer once it observed the threshold being reached locally.
func (e *Entity) HandleCommit(frame *Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.tryCommitLocked(frame)
	return err
}

func (e *Entity) tryCommitLocked(frame *Frame) (*Frame, error) {
	if frame == nil {
		return nil, ErrUnknownProposal
	}
	if frame.Height != e.state.Height+1 {
		return nil, fmt.Errorf("%w: commit height %d, expected %d",
			ErrStaleHeight, frame.Height, e.state.Height+1)
	}

	share := PrecommitShare(frame, e.cfg)
	if share.Cmp(e.cfg.Threshold) < 0 {
		return nil, fmt.Errorf("%w: share %s below threshold %s",
			ErrThresholdNotReached, share, e.cfg.Threshold)
	}

	next, err := apply(e.state, frame.Txs, e.cfg, frame.ProposedAt)
	if err != nil {
		return nil, err
	}
	if StateHash(next) != frame.NewStateHash {
		return nil, fmt.Errorf("%w: commit frame new_state_hash disagrees with re-execution",
			ErrStateHashMismatch)
	}

	e.state = next
	e.pendingFrame = nil

	committed := make(map[chancrypto.Hash]bool, len(frame.Txs))
	for _, tx := range frame.Txs {
		committed[tx.Hash()] = true
	}
	remaining := e.mempool[:0]
	for _, tx := range e.mempool {
		if !committed[tx.Hash()] {
			remaining = append(remaining, tx)
		} else {
			delete(e.mempoolSeen, tx.Hash())
		}
	}
	e.mempool = remaining

	if e.journal != nil {
		if err := e.journal.AppendFrame(frame); err != nil {
			log.Errorf("entity %v: journal append failed at height %d: %v",
				e.id, frame.Height, err)
		}
	}

	log.Infof("entity %v: committed frame at height %d (%d txs)",
		e.id, frame.Height, len(frame.Txs))
	return frame, nil
}

// LoadCheckpoint installs state as the replica's committed state without
// going through apply, for recovery: the caller has already reconstructed
// state from entitydb's latest checkpoint and is about to fast-forward it
// with ReplayFrame. Any pending frame or mempool entry from before the crash
// is discarded, matching spec §6: "no pending mempool is ever recovered".
func (e *Entity) LoadCheckpoint(state *EntityState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = state
	e.pendingFrame = nil
	e.mempool = nil
	e.mempoolSeen = make(map[chancrypto.Hash]bool)
}

// ReplayFrame re-applies a frame already known to have committed, trusting
// it outright rather than re-checking signatures or precommit share -- the
// fact that entitydb persisted it as a frame_commit entry is itself the
// proof that it once reached threshold. Used only during recovery, to walk
// a loaded checkpoint forward through entitydb.Recover's returned frames.
func (e *Entity) ReplayFrame(frame *Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := ReplayFrames(e.state, e.cfg, []*Frame{frame})
	if err != nil {
		return err
	}

	e.state = next
	log.Infof("entity %v: replayed frame at height %d during recovery", e.id, frame.Height)
	return nil
}

// Submit enqueues an input for asynchronous processing by Start's run loop.
// Blocks if the input queue's backlog is full.
func (e *Entity) Submit(in EntityInput) {
	e.inputQueue.ChanIn() <- in
}

// Start begins asynchronous operation: a propose ticker fires every
// proposeInterval (only meaningful on the proposer replica) and the input
// queue is drained on a dedicated goroutine, keeping every state mutation
// on a single goroutine per spec §5's single-threaded-per-entity execution
// model.
func (e *Entity) Start(proposeInterval time.Duration) {
	e.inputQueue.Start()
	e.ticker = ticker.New(proposeInterval)
	e.ticker.Resume()

	e.wg.Add(1)
	go e.run()
}

// Stop halts the run loop and releases the input queue and ticker.
func (e *Entity) Stop() {
	close(e.quit)
	e.wg.Wait()
	e.inputQueue.Stop()
	e.ticker.Stop()
}

func (e *Entity) run() {
	defer e.wg.Done()

	for {
		select {
		case raw, ok := <-e.inputQueue.ChanOut():
			if !ok {
				return
			}
			e.handleInput(raw.(EntityInput))

		case now := <-e.ticker.Ticks():
			if !e.IsProposer() {
				continue
			}
			if _, err := e.ProposeIfReady(now.Unix()); err != nil {
				log.Errorf("entity %v: propose failed: %v", e.id, err)
			}

		case <-e.quit:
			return
		}
	}
}

func (e *Entity) handleInput(in EntityInput) {
	switch {
	case in.Tx != nil:
		if err := e.AddTx(*in.Tx); err != nil {
			log.Errorf("entity %v: add_tx rejected: %v", e.id, err)
		}

	case in.Proposal != nil:
		if _, err := e.HandleProposal(in.Proposal); err != nil {
			log.Errorf("entity %v: proposal rejected: %v", e.id, err)
		}

	case in.Precommit != nil:
		e.MergePrecommit(*in.Precommit)
		if share := e.PrecommitShare(); share != nil && share.Cmp(e.cfg.Threshold) >= 0 {
			if _, err := e.TryCommit(); err != nil {
				log.Errorf("entity %v: commit failed: %v", e.id, err)
			}
		}

	case in.Commit != nil:
		if err := e.HandleCommit(in.Commit); err != nil {
			log.Errorf("entity %v: commit rejected: %v", e.id, err)
		}
	}
}
