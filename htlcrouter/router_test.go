package htlcrouter

import (
	"math/big"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
)

// memStore is a trivial in-memory ChannelStore keyed by an arbitrary
// caller-assigned channel id, used only by tests.
type memStore struct {
	channels map[uint64]*chanstate.Channel
}

func newMemStore() *memStore {
	return &memStore{channels: make(map[uint64]*chanstate.Channel)}
}

func (s *memStore) Channel(id uint64) (*chanstate.Channel, error) {
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrValidation
	}
	return ch, nil
}

func (s *memStore) PutChannel(id uint64, ch *chanstate.Channel) error {
	s.channels[id] = ch
	return nil
}

func mustWallet(t *testing.T, seed string) *chancrypto.Wallet {
	t.Helper()
	w, err := chancrypto.KeypairFromSeed([]byte(seed))
	if err != nil {
		t.Fatalf("unexpected error deriving wallet: %v", err)
	}
	return w
}

func openSigned(t *testing.T, left, right *chancrypto.Wallet, tokenID uint32, collateral, leftLimit, rightLimit *big.Int) *chanstate.Channel {
	t.Helper()

	leftAddr, rightAddr := left.Address(), right.Address()

	// Open puts the smaller address on the Left and keeps the limits on
	// the canonical sides; swap the limits along with the addresses so
	// leftLimit/rightLimit keep referring to the left/right arguments.
	if !leftAddr.Less(rightAddr) {
		leftLimit, rightLimit = rightLimit, leftLimit
	}

	ch, err := chanstate.Open(leftAddr, rightAddr, []chanstate.SubchannelSpec{{
		TokenID:          tokenID,
		Collateral:       collateral,
		LeftCreditLimit:  leftLimit,
		RightCreditLimit: rightLimit,
	}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var leftWallet, rightWallet *chancrypto.Wallet
	if ch.Left == leftAddr {
		leftWallet, rightWallet = left, right
	} else {
		leftWallet, rightWallet = right, left
	}

	ch, err = chanstate.SignBy(leftWallet, ch)
	if err != nil {
		t.Fatalf("sign left: %v", err)
	}
	ch, err = chanstate.SignBy(rightWallet, ch)
	if err != nil {
		t.Fatalf("sign right: %v", err)
	}
	return ch
}

// TestExecutePaymentThreeHopAtomic reproduces spec §8 scenario S3: an atomic
// route across three channels A-H1, H1-H2, H2-B with a single payment of
// 100 units from A to B settling all three hops under one hashlock with
// staggered timelocks.
func TestExecutePaymentThreeHopAtomic(t *testing.T) {
	a := mustWallet(t, "a-seed")
	h1 := mustWallet(t, "h1-seed")
	h2 := mustWallet(t, "h2-seed")
	b := mustWallet(t, "b-seed")

	const tokenID = uint32(1)
	const chanAH1, chanH1H2, chanH2B = uint64(1), uint64(2), uint64(3)

	// Credit limits are sized well above the 100-unit payment to leave
	// headroom for the flat per-hop forwarding fee each upstream hop
	// adds on top of the destination amount.
	const limit = 10_000

	store := newMemStore()
	store.PutChannel(chanAH1, openSigned(t, a, h1, tokenID,
		big.NewInt(0), big.NewInt(0), big.NewInt(limit)))
	store.PutChannel(chanH1H2, openSigned(t, h1, h2, tokenID,
		big.NewInt(0), big.NewInt(0), big.NewInt(limit)))
	store.PutChannel(chanH2B, openSigned(t, h2, b, tokenID,
		big.NewInt(0), big.NewInt(0), big.NewInt(limit)))

	edges := []Edge{
		{
			ChannelID: chanAH1, From: a.Address(), To: h1.Address(), TokenID: tokenID,
			RemainingCredit: big.NewInt(limit), Utilization: big.NewInt(0),
		},
		{
			ChannelID: chanH1H2, From: h1.Address(), To: h2.Address(), TokenID: tokenID,
			RemainingCredit: big.NewInt(limit), Utilization: big.NewInt(0),
		},
		{
			ChannelID: chanH2B, From: h2.Address(), To: b.Address(), TokenID: tokenID,
			RemainingCredit: big.NewInt(limit), Utilization: big.NewInt(0),
		},
	}
	g, err := BuildGraph(tokenID, edges)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))

	result, err := ExecutePayment(store, clk, g, a.Address(), b.Address(), big.NewInt(100), 5)
	if err != nil {
		t.Fatalf("execute payment: %v", err)
	}
	if len(result.Path) != 3 {
		t.Fatalf("expected a 3-hop path, got %d hops", len(result.Path))
	}
	if chancrypto.HashBytes(result.Preimage[:]) != result.Hashlock {
		t.Fatalf("returned preimage does not hash to returned hashlock")
	}

	// All three HTLCs settled: no pending HTLCs remain on any hop, and
	// each subchannel balance magnitude moved by exactly its forwarded
	// amount (100 at the destination hop, plus one DefaultHopFeeMilliUnits
	// for every hop further upstream).
	wantMagnitude := map[uint64]*big.Int{
		chanH2B:  big.NewInt(100),
		chanH1H2: big.NewInt(1100),
		chanAH1:  big.NewInt(2100),
	}
	for _, id := range []uint64{chanAH1, chanH1H2, chanH2B} {
		ch, err := store.Channel(id)
		if err != nil {
			t.Fatalf("channel %d: %v", id, err)
		}
		for _, h := range ch.PendingHTLCs {
			if h.State != chanstate.HTLCSettled {
				t.Fatalf("channel %d: htlc %d expected settled, got %v",
					id, h.ID, h.State)
			}
		}

		sub := ch.Subchannels[tokenID]
		magnitude := new(big.Int).Abs(sub.Balance())
		if magnitude.Cmp(wantMagnitude[id]) != 0 {
			t.Fatalf("channel %d: expected balance magnitude %s, got %s",
				id, wantMagnitude[id], magnitude)
		}
	}
}

// TestSelectPathBoundarySizedCredit reproduces the two-hop case where each
// edge's RemainingCredit is sized to exactly what it must forward and
// nothing more: edge(A,H) needs amount + one downstream hop fee, edge(H,B)
// needs just amount. Sizing every edge identically (as the three-hop fixture
// above does) can't distinguish a correct fees_downstream accounting from
// one applied in the wrong direction; this fixture can.
func TestSelectPathBoundarySizedCredit(t *testing.T) {
	a := mustWallet(t, "boundary-a")
	h := mustWallet(t, "boundary-h")
	b := mustWallet(t, "boundary-b")

	const tokenID = uint32(1)
	amount := big.NewInt(1000)

	edges := []Edge{
		{
			ChannelID: 1, From: a.Address(), To: h.Address(), TokenID: tokenID,
			RemainingCredit: new(big.Int).Add(amount, DefaultHopFeeMilliUnits),
			Utilization:     big.NewInt(0),
		},
		{
			ChannelID: 2, From: h.Address(), To: b.Address(), TokenID: tokenID,
			RemainingCredit: new(big.Int).Set(amount),
			Utilization:     big.NewInt(0),
		},
	}
	g, err := BuildGraph(tokenID, edges)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	path, err := SelectPath(g, a.Address(), b.Address(), amount, 5)
	if err != nil {
		t.Fatalf("expected a viable route, got: %v", err)
	}
	if len(path) != 2 || path[0].From != a.Address() || path[1].To != b.Address() {
		t.Fatalf("unexpected path: %+v", path)
	}
}

// TestExecutePaymentNoRouteFound reproduces the "insufficient liquidity"
// edge case of spec §4.3: no path exists that can carry the requested
// amount, and ExecutePayment reports ErrRouteFailed without locking
// anything.
func TestExecutePaymentNoRouteFound(t *testing.T) {
	a := mustWallet(t, "a-seed-2")
	b := mustWallet(t, "b-seed-2")

	const tokenID = uint32(1)
	g, err := BuildGraph(tokenID, nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	store := newMemStore()

	_, err = ExecutePayment(store, clk, g, a.Address(), b.Address(), big.NewInt(100), 5)
	if err == nil {
		t.Fatalf("expected route failure")
	}
}

// TestBuildOnionPeelRoundTrip verifies that an onion built over a path of
// hop instructions peels back to the original instructions, one layer per
// hop, in order.
func TestBuildOnionPeelRoundTrip(t *testing.T) {
	h1 := mustWallet(t, "onion-h1")
	h2 := mustWallet(t, "onion-h2")
	dst := mustWallet(t, "onion-dst")

	sessionHash := chancrypto.HashBytes([]byte("session"))
	var sessionSecret [32]byte
	copy(sessionSecret[:], sessionHash[:])

	preimageHash := chancrypto.HashBytes([]byte("preimage"))

	path := []chancrypto.Address{h1.Address(), h2.Address(), dst.Address()}
	instructions := []HopInstruction{
		{Next: h2.Address(), ForwardAmount: 1100, Timelock: 1700003600},
		{Next: dst.Address(), ForwardAmount: 1000, Timelock: 1700003300},
		{Final: true, PreimageHash: preimageHash},
	}

	blob, err := BuildOnion(sessionSecret, path, instructions)
	if err != nil {
		t.Fatalf("build onion: %v", err)
	}

	for i, hop := range path {
		inst, inner, err := PeelOnion(sessionSecret, hop, blob)
		if err != nil {
			t.Fatalf("hop %d: peel onion: %v", i, err)
		}
		if inst != instructions[i] {
			t.Fatalf("hop %d: got instruction %+v, want %+v", i, inst, instructions[i])
		}
		blob = inner
	}
	if len(blob) != 0 {
		t.Fatalf("expected no remaining blob after peeling final layer, got %d bytes", len(blob))
	}
}
