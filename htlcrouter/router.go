package htlcrouter

import (
	"fmt"
	"math/big"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
)

// DefaultTotalTimelock is how far out, in seconds, the source's first hop's
// timelock is set from the moment a route is executed; each hop closer to
// the destination expires DefaultHopDelta seconds earlier (spec §4.3 step 2:
// "T_total, a routing-wide timeout budget").
const DefaultTotalTimelock int64 = 3600

// DefaultHopDelta is the per-hop timelock stagger: each hop moving toward
// the source gets an additional DefaultHopDelta seconds of safety margin
// over the hop downstream of it (spec §4.3 step 2: "timelock_i = T_now +
// T_total - i*Delta").
const DefaultHopDelta int64 = 300

// ChannelStore resolves the channel backing a Path edge and persists the
// result of lock/settle/refund operations against it. A single *Channel
// value generally serves edges in both directions, so implementations key
// by ChannelID rather than (From, To).
type ChannelStore interface {
	Channel(channelID uint64) (*chanstate.Channel, error)
	PutChannel(channelID uint64, ch *chanstate.Channel) error
}

// hopPlan is the per-edge state computed up front for one execution attempt:
// the amount to forward across that edge and the timelock its HTLC expires
// at.
type hopPlan struct {
	edge     Edge
	amount   *big.Int
	timelock int64
	htlcID   uint64
}

// planHops computes, for each edge in path in order from source to
// destination, the amount it must forward (the destination amount plus the
// accumulated downstream fees) and its timelock (spec §4.3 step 2).
func planHops(path Path, amount *big.Int, clk clock.Clock, totalTimelock, hopDelta int64) []hopPlan {
	n := len(path)
	plans := make([]hopPlan, n)

	now := clockNow(clk)

	running := new(big.Int).Set(amount)
	for i := n - 1; i >= 0; i-- {
		plans[i] = hopPlan{
			edge:     path[i],
			amount:   new(big.Int).Set(running),
			timelock: now + totalTimelock - int64(i)*hopDelta,
		}
		running = new(big.Int).Add(running, DefaultHopFeeMilliUnits)
	}
	return plans
}

func clockNow(clk clock.Clock) int64 {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return clk.Now().Unix()
}

// PaymentResult summarizes a completed atomic multi-hop payment.
type PaymentResult struct {
	Path     Path
	Preimage [32]byte
	Hashlock chancrypto.Hash
}

// ExecutePayment runs the full atomic multi-hop payment cascade described by
// spec §4.3: select a path, generate a preimage, lock an HTLC on every hop
// from source to destination sharing one hashlock with staggered timelocks,
// then settle the cascade back from the destination once the preimage is
// known. If any hop fails to lock, already-locked upstream hops are left
// untouched -- they expire and refund on their own timelocks -- and
// ErrLockFailed is returned. A failure during the settle cascade (a locked
// HTLC that refuses to settle despite a valid preimage) returns
// ErrSettleFailed; this should not happen against honest links.
func ExecutePayment(store ChannelStore, clk clock.Clock, g *Graph, src, dst chancrypto.Address, amount *big.Int, maxHops int) (*PaymentResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero or negative payment amount", ErrValidation)
	}

	path, err := SelectPath(g, src, dst, amount, maxHops)
	if err != nil {
		return nil, err
	}

	preimage, err := randomPreimage()
	if err != nil {
		return nil, fmt.Errorf("htlcrouter: generating preimage: %w", err)
	}
	hashlock := chancrypto.HashBytes(preimage[:])

	plans := planHops(path, amount, clk, DefaultTotalTimelock, DefaultHopDelta)

	if err := lockCascade(store, plans, hashlock); err != nil {
		return nil, err
	}

	if err := settleCascade(store, plans, preimage, clk); err != nil {
		return nil, err
	}

	log.Infof("executed %d-hop payment from %v to %v, amount %s", len(path),
		src, dst, amount)

	return &PaymentResult{Path: path, Preimage: preimage, Hashlock: hashlock}, nil
}

// lockCascade opens one HTLC per hop, in order from the source's first edge
// to the destination's last edge, each direction being the edge's (From ->
// To) forwarding direction. On the first failure it stops and returns
// ErrLockFailed; hops already locked before the failure are left as-is for
// their own timelocks to refund (spec §4.3 step 3).
func lockCascade(store ChannelStore, plans []hopPlan, hashlock chancrypto.Hash) error {
	for i := range plans {
		p := &plans[i]

		ch, err := store.Channel(p.edge.ChannelID)
		if err != nil {
			return fmt.Errorf("%w: hop %d: %v", ErrLockFailed, i, err)
		}

		direction := chanstate.DirectionLeftToRight
		if p.edge.From == ch.Right {
			direction = chanstate.DirectionRightToLeft
		}

		next, err := chanstate.OpenHTLC(ch, chanstate.HTLCSpec{
			TokenID:   p.edge.TokenID,
			Amount:    p.amount,
			Direction: direction,
			Hashlock:  hashlock,
			Timelock:  p.timelock,
		})
		if err != nil {
			log.Warnf("lock failed at hop %d (channel %d): %v", i,
				p.edge.ChannelID, err)
			return fmt.Errorf("%w: hop %d: %v", ErrLockFailed, i, err)
		}

		p.htlcID = next.LastHTLCID()

		if err := store.PutChannel(p.edge.ChannelID, next); err != nil {
			return fmt.Errorf("%w: hop %d: persisting lock: %v", ErrLockFailed, i, err)
		}

		log.Debugf("locked hop %d (channel %d, htlc %d, amount %s, timelock %d)",
			i, p.edge.ChannelID, p.htlcID, p.amount, p.timelock)
	}
	return nil
}

// settleCascade reveals preimage against every locked hop, starting from the
// destination's edge and moving back toward the source -- the order a real
// multi-hop payment settles in, since each hop only forwards the preimage
// upstream once its own downstream HTLC is settled (spec §4.3 step 4).
func settleCascade(store ChannelStore, plans []hopPlan, preimage [32]byte, clk clock.Clock) error {
	for i := len(plans) - 1; i >= 0; i-- {
		p := &plans[i]

		ch, err := store.Channel(p.edge.ChannelID)
		if err != nil {
			return fmt.Errorf("%w: hop %d: %v", ErrSettleFailed, i, err)
		}

		next, err := chanstate.SettleHTLC(ch, p.htlcID, preimage, clk)
		if err != nil {
			log.Errorf("settle failed at hop %d (channel %d, htlc %d): %v",
				i, p.edge.ChannelID, p.htlcID, err)
			return fmt.Errorf("%w: hop %d: %v", ErrSettleFailed, i, err)
		}

		if err := store.PutChannel(p.edge.ChannelID, next); err != nil {
			return fmt.Errorf("%w: hop %d: persisting settle: %v", ErrSettleFailed, i, err)
		}

		log.Debugf("settled hop %d (channel %d, htlc %d)", i, p.edge.ChannelID,
			p.htlcID)
	}
	return nil
}

// RefundExpiredHop releases htlcID's reservation on the channel backing
// edge, once its timelock has elapsed without a settlement -- the recovery
// path a hop takes unilaterally when the cascade never reaches it (spec
// §4.3 step 5).
func RefundExpiredHop(store ChannelStore, edge Edge, htlcID uint64, clk clock.Clock) error {
	ch, err := store.Channel(edge.ChannelID)
	if err != nil {
		return err
	}

	next, err := chanstate.RefundHTLC(ch, htlcID, clk)
	if err != nil {
		return err
	}

	return store.PutChannel(edge.ChannelID, next)
}
