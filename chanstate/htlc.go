package chanstate

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/creditmesh/ledger/chancrypto"
)

// HTLCDirection identifies which participant is the payer on this hop (spec
// §3.4).
type HTLCDirection uint8

const (
	// DirectionLeftToRight indicates Left is paying Right.
	DirectionLeftToRight HTLCDirection = iota

	// DirectionRightToLeft indicates Right is paying Left.
	DirectionRightToLeft
)

// HTLCState is the lifecycle state of an HTLC (spec §3.4).
type HTLCState uint8

const (
	// HTLCPending indicates the HTLC is locked and awaiting settlement or
	// refund.
	HTLCPending HTLCState = iota

	// HTLCSettled indicates the preimage was revealed before expiry and
	// the amount was moved into OffDelta.
	HTLCSettled

	// HTLCRefunded indicates the timelock elapsed and the reservation was
	// released without a balance shift.
	HTLCRefunded
)

func (s HTLCState) String() string {
	switch s {
	case HTLCPending:
		return "pending"
	case HTLCSettled:
		return "settled"
	case HTLCRefunded:
		return "refunded"
	default:
		return "<unknown htlc state>"
	}
}

// HTLC is a hashlock/timelock-conditioned reservation against one
// participant's available credit (spec §3.4).
type HTLC struct {
	ID        uint64
	TokenID   uint32
	Amount    *big.Int
	Direction HTLCDirection
	Hashlock  chancrypto.Hash
	Timelock  int64
	State     HTLCState
}

// payer returns the address of the participant reserving this HTLC's amount.
func (h *HTLC) payer(ch *Channel) chancrypto.Address {
	if h.Direction == DirectionLeftToRight {
		return ch.Left
	}
	return ch.Right
}

// HTLCSpec describes a requested HTLC lock.
type HTLCSpec struct {
	TokenID   uint32
	Amount    *big.Int
	Direction HTLCDirection
	Hashlock  chancrypto.Hash
	Timelock  int64
}

// OpenHTLC reserves spec.Amount against the payer's available credit and
// adds a new pending HTLC to the channel, bumping the nonce. It does not
// settle or move any balance -- only settle_htlc does that.
func OpenHTLC(ch *Channel, spec HTLCSpec) (*Channel, error) {
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero or negative htlc amount", ErrValidation)
	}
	if ch.Status == StatusClosed || ch.Status == StatusClosing {
		return nil, fmt.Errorf("%w", ErrChannelClosed)
	}

	next := ch.clone()
	sub, err := next.subchannel(spec.TokenID)
	if err != nil {
		return nil, err
	}

	htlc := &HTLC{
		ID:        next.nextHTLCID,
		TokenID:   spec.TokenID,
		Amount:    new(big.Int).Set(spec.Amount),
		Direction: spec.Direction,
		Hashlock:  spec.Hashlock,
		Timelock:  spec.Timelock,
		State:     HTLCPending,
	}
	next.nextHTLCID++

	if err := reserveCredit(sub, htlc.payer(next) == next.Left, spec.Amount); err != nil {
		return nil, err
	}

	next.PendingHTLCs[htlc.ID] = htlc
	next.bumpState()

	log.Debugf("opened htlc %d reserving %s (token %d), timelock %d",
		htlc.ID, spec.Amount, spec.TokenID, spec.Timelock)

	return next, nil
}

// reserveCredit enforces spec §3.4: reserved + current debt <= the payer's
// counterparty-granted credit limit for this asset.
func reserveCredit(sub *Subchannel, payerIsLeft bool, amount *big.Int) error {
	balance := sub.Balance()

	if payerIsLeft {
		debt := positivePart(balance)
		limit := new(big.Int).Add(sub.Collateral, sub.RightCreditLimit)
		total := new(big.Int).Add(sub.LeftReserved, amount)
		total.Add(total, debt)
		if total.Cmp(limit) > 0 {
			return fmt.Errorf("%w: left reservation %s + debt %s exceeds limit %s",
				ErrCreditExceeded, amount, debt, limit)
		}
		sub.LeftReserved.Add(sub.LeftReserved, amount)
		return nil
	}

	debt := negativePart(balance)
	total := new(big.Int).Add(sub.RightReserved, amount)
	total.Add(total, debt)
	if total.Cmp(sub.LeftCreditLimit) > 0 {
		return fmt.Errorf("%w: right reservation %s + debt %s exceeds limit %s",
			ErrCreditExceeded, amount, debt, sub.LeftCreditLimit)
	}
	sub.RightReserved.Add(sub.RightReserved, amount)
	return nil
}

func negativePart(v *big.Int) *big.Int {
	if v.Sign() >= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Neg(v)
}

func positivePart(v *big.Int) *big.Int {
	if v.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// releaseReservation decrements the reservation the payer's side holds on
// sub. Called exactly once per HTLC, by either SettleHTLC or RefundHTLC --
// double-release is a programming error and is fatal per spec §4.2.
func releaseReservation(sub *Subchannel, payerIsLeft bool, amount *big.Int) {
	if payerIsLeft {
		sub.LeftReserved.Sub(sub.LeftReserved, amount)
		if sub.LeftReserved.Sign() < 0 {
			panic("chanstate: double-release of htlc reservation (left)")
		}
		return
	}
	sub.RightReserved.Sub(sub.RightReserved, amount)
	if sub.RightReserved.Sign() < 0 {
		panic("chanstate: double-release of htlc reservation (right)")
	}
}

// SettleHTLC reveals preimage for htlcID: if hash(preimage) equals the
// hashlock, the state is pending, and now < timelock, the reserved amount is
// moved into OffDelta as a payment from the payer to the other side, the
// reservation is released, and the HTLC is marked settled.
func SettleHTLC(ch *Channel, htlcID uint64, preimage [32]byte, clk clock.Clock) (*Channel, error) {
	htlc, ok := ch.PendingHTLCs[htlcID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrHTLCNotFound, htlcID)
	}
	if htlc.State != HTLCPending {
		return nil, fmt.Errorf("%w: htlc %d", ErrHTLCNotPending, htlcID)
	}
	if chancrypto.HashBytes(preimage[:]) != htlc.Hashlock {
		return nil, fmt.Errorf("%w: htlc %d", ErrPreimageMismatch, htlcID)
	}
	if now(clk) >= htlc.Timelock {
		return nil, fmt.Errorf("%w: htlc %d", ErrHTLCExpired, htlcID)
	}

	next := ch.clone()
	sub, err := next.subchannel(htlc.TokenID)
	if err != nil {
		return nil, err
	}
	nextHTLC := next.PendingHTLCs[htlcID]

	payerIsLeft := nextHTLC.payer(next) == next.Left

	delta := new(big.Int).Set(nextHTLC.Amount)
	if !payerIsLeft {
		delta.Neg(delta)
	}
	sub.OffDelta.Add(sub.OffDelta, delta)

	releaseReservation(sub, payerIsLeft, nextHTLC.Amount)
	nextHTLC.State = HTLCSettled

	if err := sub.checkInvariant(); err != nil {
		return nil, err
	}

	next.bumpState()

	log.Debugf("settled htlc %d (token %d, amount %s)", htlcID, htlc.TokenID,
		htlc.Amount)

	return next, nil
}

// RefundHTLC releases htlcID's reservation without any balance shift, once
// now >= timelock and the HTLC is still pending.
func RefundHTLC(ch *Channel, htlcID uint64, clk clock.Clock) (*Channel, error) {
	htlc, ok := ch.PendingHTLCs[htlcID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrHTLCNotFound, htlcID)
	}
	if htlc.State != HTLCPending {
		return nil, fmt.Errorf("%w: htlc %d", ErrHTLCNotPending, htlcID)
	}
	if now(clk) < htlc.Timelock {
		return nil, fmt.Errorf("%w: htlc %d", ErrHTLCNotExpired, htlcID)
	}

	next := ch.clone()
	sub, err := next.subchannel(htlc.TokenID)
	if err != nil {
		return nil, err
	}
	nextHTLC := next.PendingHTLCs[htlcID]

	payerIsLeft := nextHTLC.payer(next) == next.Left
	releaseReservation(sub, payerIsLeft, nextHTLC.Amount)
	nextHTLC.State = HTLCRefunded

	next.bumpState()

	log.Debugf("refunded htlc %d (token %d, amount %s)", htlcID, htlc.TokenID,
		htlc.Amount)

	return next, nil
}

// LastHTLCID returns the id assigned to the most recently opened HTLC on
// this channel. Callers that just called OpenHTLC use this to learn the new
// HTLC's id without having to diff PendingHTLCs themselves (spec §4.3: a
// multi-hop router needs the id of each hop's freshly-opened HTLC to settle
// or refund it later).
func (c *Channel) LastHTLCID() uint64 {
	return c.nextHTLCID - 1
}

// sortedHTLCIDs returns pending HTLC ids in ascending order -- the canonical
// order for state hashing (spec §6) and for the "HTLC conservation"
// property test (spec §8.4).
func (c *Channel) sortedHTLCIDs() []uint64 {
	ids := make([]uint64, 0, len(c.PendingHTLCs))
	for id := range c.PendingHTLCs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
