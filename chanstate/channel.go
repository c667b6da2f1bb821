// Package chanstate implements the credit-line channel engine: an
// asymmetric, per-asset bilateral ledger between two parties. A channel is
// mutated only by producing a new, fully co-signed state with a strictly
// higher nonce; every mutating operation here returns a fresh *Channel value
// rather than mutating in place, so the consensus engine's apply function
// can treat chanstate operations as pure effect functions (spec §4).
package chanstate

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/wire"
)

// maxUint256BitLen is the largest bit length a non-negative value can have
// and still round-trip through wire.PutUint256's fixed 256-bit field.
const maxUint256BitLen = wire.Uint256Size*8 - 1

// fitsUint256 reports whether v encodes without overflow in the canonical
// 256-bit field StateHash commits every subchannel amount to.
func fitsUint256(v *big.Int) bool {
	return v.BitLen() <= maxUint256BitLen
}

// log is this package's subsystem logger. It defaults to a disabled logger;
// callers wire a real backend via UseLogger, mirroring the teacher's
// per-package logging hook (e.g. lnwallet.UseLogger).
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Status is the lifecycle state of a Channel (spec §3.3/§4.2).
type Status uint8

const (
	// StatusNegotiating indicates the genesis state has not yet been
	// co-signed by both participants.
	StatusNegotiating Status = iota

	// StatusOpen indicates a fully co-signed state with no pending HTLCs.
	StatusOpen

	// StatusOpenWithHTLCs indicates a fully co-signed state with one or
	// more pending HTLCs.
	StatusOpenWithHTLCs

	// StatusClosing indicates a cooperative close has been requested and
	// residual HTLCs are being settled or refunded.
	StatusClosing

	// StatusClosed indicates the channel has been fully, cooperatively
	// closed.
	StatusClosed

	// StatusDisputed is a sink entered on detection of a conflicting
	// co-signed state with a strictly lower nonce posted on-chain.
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusNegotiating:
		return "negotiating"
	case StatusOpen:
		return "open"
	case StatusOpenWithHTLCs:
		return "open-with-htlcs"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusDisputed:
		return "disputed"
	default:
		return "<unknown status>"
	}
}

// Subchannel is the per-asset state slice of a bilateral Channel (spec §3.2).
type Subchannel struct {
	TokenID uint32

	// Collateral is the non-negative on-chain backing of this asset.
	Collateral *big.Int

	// OnDelta is the balance portion attributed to on-chain state.
	OnDelta *big.Int

	// OffDelta is the balance portion attributed to off-chain updates.
	OffDelta *big.Int

	// LeftCreditLimit bounds how far the balance may go negative (how
	// much Right may owe Left).
	LeftCreditLimit *big.Int

	// RightCreditLimit, combined with Collateral, bounds how far the
	// balance may go positive (how much Left may owe Right).
	RightCreditLimit *big.Int

	// LeftReserved and RightReserved track the sum of pending outbound
	// HTLC amounts reserved against Left's and Right's available credit,
	// respectively (spec §3.4 invariant).
	LeftReserved  *big.Int
	RightReserved *big.Int
}

// Balance returns the effective balance of the asset: OnDelta + OffDelta.
// Positive means Left owes Right; negative means Right owes Left.
func (s *Subchannel) Balance() *big.Int {
	return new(big.Int).Add(s.OnDelta, s.OffDelta)
}

// clone returns a deep copy of the subchannel.
func (s *Subchannel) clone() *Subchannel {
	return &Subchannel{
		TokenID:          s.TokenID,
		Collateral:       new(big.Int).Set(s.Collateral),
		OnDelta:          new(big.Int).Set(s.OnDelta),
		OffDelta:         new(big.Int).Set(s.OffDelta),
		LeftCreditLimit:  new(big.Int).Set(s.LeftCreditLimit),
		RightCreditLimit: new(big.Int).Set(s.RightCreditLimit),
		LeftReserved:     new(big.Int).Set(s.LeftReserved),
		RightReserved:    new(big.Int).Set(s.RightReserved),
	}
}

// checkInvariant enforces spec §3.2: -LeftCreditLimit <= balance <=
// Collateral + RightCreditLimit.
func (s *Subchannel) checkInvariant() error {
	balance := s.Balance()

	lowerBound := new(big.Int).Neg(s.LeftCreditLimit)
	upperBound := new(big.Int).Add(s.Collateral, s.RightCreditLimit)

	if balance.Cmp(lowerBound) < 0 || balance.Cmp(upperBound) > 0 {
		return fmt.Errorf("%w: token %d balance %s outside [%s, %s]",
			ErrCreditExceeded, s.TokenID, balance, lowerBound, upperBound)
	}
	return nil
}

// SubchannelSpec is the caller-supplied genesis configuration for one asset
// within a newly opened channel.
type SubchannelSpec struct {
	TokenID          uint32
	Collateral       *big.Int
	LeftCreditLimit  *big.Int
	RightCreditLimit *big.Int
}

// Channel is a bilateral, multi-asset, credit-line payment channel (spec
// §3.3).
type Channel struct {
	// Left and Right are canonically ordered (Left.Less(Right)); this
	// ordering fixes which credit limit belongs to which side.
	Left, Right chancrypto.Address

	Subchannels map[uint32]*Subchannel

	// Nonce is monotone non-decreasing; every agreed state bumps it by
	// one.
	Nonce uint64

	// Signatures holds the two most recent co-signatures over the
	// current state hash, nil during half-signed updates. Index 0 is
	// Left's signature, index 1 is Right's.
	Signatures [2]chancrypto.Signature

	PendingHTLCs map[uint64]*HTLC
	nextHTLCID   uint64

	Status Status
}

// Open creates the genesis state of a channel between left and right with
// the given per-asset subchannel configuration. The result has nonce 0 and
// no signatures; it must be co-signed via Sign before it is usable.
func Open(left, right chancrypto.Address, specs []SubchannelSpec) (*Channel, error) {
	if left == right {
		return nil, fmt.Errorf("%w: participant duplicated", ErrValidation)
	}
	if left.IsZero() || right.IsZero() {
		return nil, fmt.Errorf("%w: zero address", ErrValidation)
	}

	// Enforce the canonical (lexicographic) participant ordering (spec
	// §3.3).
	if !left.Less(right) {
		left, right = right, left
	}

	subs := make(map[uint32]*Subchannel, len(specs))
	for _, spec := range specs {
		if _, exists := subs[spec.TokenID]; exists {
			return nil, fmt.Errorf("%w: duplicate token_id %d",
				ErrValidation, spec.TokenID)
		}
		if spec.Collateral == nil || spec.Collateral.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative collateral for token %d",
				ErrValidation, spec.TokenID)
		}
		if spec.LeftCreditLimit == nil || spec.LeftCreditLimit.Sign() < 0 ||
			spec.RightCreditLimit == nil || spec.RightCreditLimit.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative credit limit for token %d",
				ErrValidation, spec.TokenID)
		}
		if !fitsUint256(spec.Collateral) || !fitsUint256(spec.LeftCreditLimit) ||
			!fitsUint256(spec.RightCreditLimit) {
			return nil, fmt.Errorf("%w: collateral or credit limit for token %d overflows the canonical 256-bit encoding",
				ErrValidation, spec.TokenID)
		}

		subs[spec.TokenID] = &Subchannel{
			TokenID:          spec.TokenID,
			Collateral:       new(big.Int).Set(spec.Collateral),
			OnDelta:          big.NewInt(0),
			OffDelta:         big.NewInt(0),
			LeftCreditLimit:  new(big.Int).Set(spec.LeftCreditLimit),
			RightCreditLimit: new(big.Int).Set(spec.RightCreditLimit),
			LeftReserved:     big.NewInt(0),
			RightReserved:    big.NewInt(0),
		}
	}

	log.Debugf("opening channel %v<->%v with %d subchannels", left, right,
		len(subs))

	return &Channel{
		Left:         left,
		Right:        right,
		Subchannels:  subs,
		Nonce:        0,
		PendingHTLCs: make(map[uint64]*HTLC),
		Status:       StatusNegotiating,
	}, nil
}

// FromParts reconstructs a Channel from constituent parts decoded off the
// wire (spec §9: the consensus package installs a channel_update tx's
// decoded reference-JSON state into its channel arena this way, without
// re-deriving it through Open/Pay/SignBy, since the state arrives pre-signed
// from the wire rather than assembled locally). The decoded values are
// untrusted input, so FromParts re-checks the same 256-bit encoding bound
// Open enforces on Collateral/LeftCreditLimit/RightCreditLimit -- otherwise a
// maliciously or accidentally oversized value decoded from a channel_update
// payload would silently truncate the very encoding StateHash commits to.
func FromParts(left, right chancrypto.Address, subs map[uint32]*Subchannel,
	nonce uint64, sigs [2]chancrypto.Signature, pendingHTLCs map[uint64]*HTLC,
	nextHTLCID uint64, status Status) (*Channel, error) {

	for tokenID, sub := range subs {
		if !fitsUint256(sub.Collateral) || !fitsUint256(sub.LeftCreditLimit) ||
			!fitsUint256(sub.RightCreditLimit) {
			return nil, fmt.Errorf("%w: collateral or credit limit for token %d overflows the canonical 256-bit encoding",
				ErrValidation, tokenID)
		}
	}

	if pendingHTLCs == nil {
		pendingHTLCs = make(map[uint64]*HTLC)
	}

	return &Channel{
		Left:         left,
		Right:        right,
		Subchannels:  subs,
		Nonce:        nonce,
		Signatures:   sigs,
		PendingHTLCs: pendingHTLCs,
		nextHTLCID:   nextHTLCID,
		Status:       status,
	}, nil
}

// clone returns a deep copy of the channel, used so every mutating operation
// below can return a fresh value without aliasing the caller's state.
func (c *Channel) clone() *Channel {
	subs := make(map[uint32]*Subchannel, len(c.Subchannels))
	for id, s := range c.Subchannels {
		subs[id] = s.clone()
	}

	htlcs := make(map[uint64]*HTLC, len(c.PendingHTLCs))
	for id, h := range c.PendingHTLCs {
		cp := *h
		htlcs[id] = &cp
	}

	return &Channel{
		Left:         c.Left,
		Right:        c.Right,
		Subchannels:  subs,
		Nonce:        c.Nonce,
		Signatures:   c.Signatures,
		PendingHTLCs: htlcs,
		nextHTLCID:   c.nextHTLCID,
		Status:       c.Status,
	}
}

// bumpState advances the nonce by one and clears both signatures, requiring
// both parties to re-sign, then recomputes Status from the resulting shape.
func (c *Channel) bumpState() {
	c.Nonce++
	c.Signatures = [2]chancrypto.Signature{}
	c.recomputeStatus()
}

func (c *Channel) recomputeStatus() {
	if c.Status == StatusClosed || c.Status == StatusDisputed ||
		c.Status == StatusClosing {
		return
	}
	if c.Signatures[0] == nil || c.Signatures[1] == nil {
		c.Status = StatusNegotiating
		return
	}
	if c.hasPendingHTLCs() {
		c.Status = StatusOpenWithHTLCs
	} else {
		c.Status = StatusOpen
	}
}

func (c *Channel) hasPendingHTLCs() bool {
	for _, h := range c.PendingHTLCs {
		if h.State == HTLCPending {
			return true
		}
	}
	return false
}

// side resolves addr to "left" (true) or "right" (false), or an error
// if addr is not a participant of c.
func (c *Channel) side(addr chancrypto.Address) (isLeft bool, err error) {
	switch addr {
	case c.Left:
		return true, nil
	case c.Right:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v is not a channel participant",
			ErrValidation, addr)
	}
}

// subchannel returns the subchannel for tokenID, or ErrValidation if the
// asset is unknown to this channel.
func (c *Channel) subchannel(tokenID uint32) (*Subchannel, error) {
	sub, ok := c.Subchannels[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token_id %d", ErrValidation, tokenID)
	}
	return sub, nil
}

// PaySpec describes a requested payment within a channel.
type PaySpec struct {
	From, To chancrypto.Address
	TokenID  uint32
	Amount   *big.Int
}

// Pay applies a single-asset payment from From to To, bumping the nonce and
// clearing signatures. Payments never net across assets (spec §4.2 edge
// cases: "pay across multiple assets is always per-subchannel").
func Pay(ch *Channel, spec PaySpec) (*Channel, error) {
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero or negative payment amount", ErrValidation)
	}
	if spec.From == spec.To {
		return nil, fmt.Errorf("%w: payer equals payee", ErrValidation)
	}

	fromLeft, err := ch.side(spec.From)
	if err != nil {
		return nil, err
	}
	toLeft, err := ch.side(spec.To)
	if err != nil {
		return nil, err
	}
	if fromLeft == toLeft {
		return nil, fmt.Errorf("%w: from and to must be opposite sides",
			ErrValidation)
	}

	next := ch.clone()
	sub, err := next.subchannel(spec.TokenID)
	if err != nil {
		return nil, err
	}

	// Left paying Right increases the balance (Right's claim on Left
	// grows); Right paying Left decreases it. See DESIGN.md for the
	// worked derivation of this sign convention from spec §3.2/§8 S1-S2.
	delta := new(big.Int).Set(spec.Amount)
	if !fromLeft {
		delta.Neg(delta)
	}
	sub.OffDelta.Add(sub.OffDelta, delta)

	if err := sub.checkInvariant(); err != nil {
		return nil, err
	}

	next.bumpState()

	log.Debugf("applied payment of %s (token %d) from %v to %v, nonce now %d",
		spec.Amount, spec.TokenID, spec.From, spec.To, next.Nonce)

	return next, nil
}

// SignBy computes the state hash of ch and signs it with wallet, placing the
// signature in the slot for wallet's participant side. Idempotent: signing
// the same state twice as the same participant simply overwrites the slot
// with an equal signature.
func SignBy(wallet *chancrypto.Wallet, ch *Channel) (*Channel, error) {
	isLeft, err := ch.side(wallet.Address())
	if err != nil {
		return nil, err
	}

	next := ch.clone()
	hash := StateHash(next)
	sig := wallet.Sign(hash[:])

	if isLeft {
		next.Signatures[0] = sig
	} else {
		next.Signatures[1] = sig
	}
	next.recomputeStatus()

	return next, nil
}

// VerifySignatures reports whether both signature slots are present and each
// verifies the current state hash against the correct participant.
func VerifySignatures(ch *Channel) bool {
	if ch.Signatures[0] == nil || ch.Signatures[1] == nil {
		return false
	}

	hash := StateHash(ch)
	return chancrypto.Verify(ch.Signatures[0], hash[:], ch.Left) &&
		chancrypto.Verify(ch.Signatures[1], hash[:], ch.Right)
}

// ClosureIntent is the final co-signed state emitted for on-chain settlement
// (spec §4.2 close).
type ClosureIntent struct {
	FinalState *Channel
	StateHash  chancrypto.Hash
}

// Close validates that ch is in a closeable state (fully signed, no pending
// unsettled HTLCs) and emits the closure intent. It does not mutate ch.
func Close(ch *Channel) (*ClosureIntent, error) {
	if !VerifySignatures(ch) {
		return nil, fmt.Errorf("%w: channel is not fully co-signed",
			ErrValidation)
	}
	for _, h := range ch.PendingHTLCs {
		if h.State == HTLCPending {
			return nil, fmt.Errorf(
				"%w: cannot close with pending HTLC %d", ErrChannelClosed,
				h.ID)
		}
	}

	closed := ch.clone()
	closed.Status = StatusClosed

	return &ClosureIntent{
		FinalState: closed,
		StateHash:  StateHash(ch),
	}, nil
}

// ReconcileResult is the outcome of comparing a local channel replica to a
// remote peer's advertised (nonce, state hash) on reconnect (spec §1
// Non-goals: "network transport... with explicit re-sync on reconnect").
type ReconcileResult int

const (
	// ReconcileInSync indicates both sides agree on nonce and hash.
	ReconcileInSync ReconcileResult = iota

	// ReconcileLocalBehind indicates the remote has a higher nonce; the
	// local replica should request the missing state update.
	ReconcileLocalBehind

	// ReconcileRemoteBehind indicates the local replica has a higher
	// nonce; the remote should be resent the latest state.
	ReconcileRemoteBehind

	// ReconcileDiverged indicates both sides are at the same nonce but
	// disagree on state hash -- a byzantine peer or data loss.
	// ReconcileState returns it together with ErrNonceMismatch and does
	// not change the channel's Status.
	ReconcileDiverged
)

// ReconcileState compares the local channel's (nonce, state hash) against a
// value a reconnecting peer advertises.
func ReconcileState(local *Channel, remoteNonce uint64, remoteHash chancrypto.Hash) (ReconcileResult, error) {
	localHash := StateHash(local)

	switch {
	case remoteNonce == local.Nonce && remoteHash == localHash:
		return ReconcileInSync, nil
	case remoteNonce == local.Nonce && remoteHash != localHash:
		return ReconcileDiverged, fmt.Errorf(
			"%w: same nonce %d, differing state hash", ErrNonceMismatch,
			local.Nonce)
	case remoteNonce > local.Nonce:
		return ReconcileLocalBehind, nil
	default:
		return ReconcileRemoteBehind, nil
	}
}

// sortedTokenIDs returns the subchannel token IDs in ascending order, the
// canonical iteration order for both state hashing and JSON serialization
// (spec §6: "deltas as array sorted by tokenId").
func (c *Channel) sortedTokenIDs() []uint32 {
	ids := make([]uint32, 0, len(c.Subchannels))
	for id := range c.Subchannels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// now returns the wall-clock time from clk, defaulting to the shared default
// clock when clk is nil -- callers that want deterministic tests pass a
// clock.TestClock.
func now(clk clock.Clock) int64 {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return clk.Now().Unix()
}
