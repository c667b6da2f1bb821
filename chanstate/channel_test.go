package chanstate

import (
	"math/big"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/creditmesh/ledger/chancrypto"
)

func mustWallet(t *testing.T, seed string) *chancrypto.Wallet {
	t.Helper()
	w, err := chancrypto.KeypairFromSeed([]byte(seed))
	if err != nil {
		t.Fatalf("unexpected error deriving wallet: %v", err)
	}
	return w
}

// openSigned opens a channel and fully co-signs the genesis state.
func openSigned(t *testing.T, left, right *chancrypto.Wallet, specs []SubchannelSpec) *Channel {
	t.Helper()

	leftAddr, rightAddr := left.Address(), right.Address()
	ch, err := Open(leftAddr, rightAddr, specs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Open canonicalizes participant order; resolve which wallet is
	// actually "left" in the result before signing.
	var leftWallet, rightWallet *chancrypto.Wallet
	if ch.Left == leftAddr {
		leftWallet, rightWallet = left, right
	} else {
		leftWallet, rightWallet = right, left
	}

	ch, err = SignBy(leftWallet, ch)
	if err != nil {
		t.Fatalf("sign left: %v", err)
	}
	ch, err = SignBy(rightWallet, ch)
	if err != nil {
		t.Fatalf("sign right: %v", err)
	}

	if !VerifySignatures(ch) {
		t.Fatalf("expected fully signed channel")
	}
	if ch.Status != StatusOpen {
		t.Fatalf("expected status open, got %v", ch.Status)
	}
	return ch
}

// TestZeroFundReceive reproduces spec §8 scenario S1.
func TestZeroFundReceive(t *testing.T) {
	hub := mustWallet(t, "hub-seed")
	maria := mustWallet(t, "maria-seed")

	ch := openSigned(t, hub, maria, []SubchannelSpec{{
		TokenID:          1,
		Collateral:       big.NewInt(0),
		LeftCreditLimit:  big.NewInt(0),
		RightCreditLimit: big.NewInt(1000),
	}})

	// Re-resolve which side is the hub after canonical reordering.
	hubIsLeft := ch.Left == hub.Address()
	from, to := hub.Address(), maria.Address()
	if !hubIsLeft {
		// The pay direction in the scenario is always hub->maria
		// regardless of canonical slot assignment.
	}

	next, err := Pay(ch, PaySpec{From: from, To: to, TokenID: 1, Amount: big.NewInt(50)})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}

	sub := next.Subchannels[1]
	balance := sub.Balance()

	var wantBalance *big.Int
	if hubIsLeft {
		wantBalance = big.NewInt(50)
	} else {
		wantBalance = big.NewInt(-50)
	}
	if balance.Cmp(wantBalance) != 0 {
		t.Fatalf("balance = %s, want %s", balance, wantBalance)
	}

	// Maria's remaining receive capacity is right_credit_limit - balance
	// when Maria is right, or left_credit_limit + balance when Maria is
	// left; either way it must be 950.
	var remaining *big.Int
	if hubIsLeft {
		remaining = new(big.Int).Sub(sub.RightCreditLimit, balance)
	} else {
		remaining = new(big.Int).Add(sub.LeftCreditLimit, balance)
	}
	if remaining.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("remaining capacity = %s, want 950", remaining)
	}

	if sub.OnDelta.Sign() != 0 {
		t.Fatalf("maria's on-chain deposit should remain 0, got %s", sub.OnDelta)
	}
}

// TestAsymmetricLimits reproduces spec §8 scenario S2, with the rejected
// payment sized so that it breaches the formally stated invariant (spec
// §3.2): from balance 25, Merchant -> Alice 5200 would leave -5175, below
// -left_credit_limit = -5000.
func TestAsymmetricLimits(t *testing.T) {
	alice := mustWallet(t, "alice-seed")
	merchant := mustWallet(t, "merchant-seed")

	ch := openSigned(t, alice, merchant, []SubchannelSpec{{
		TokenID:          7,
		Collateral:       big.NewInt(0),
		LeftCreditLimit:  big.NewInt(5000),
		RightCreditLimit: big.NewInt(100),
	}})
	aliceIsLeft := ch.Left == alice.Address()
	if !aliceIsLeft {
		t.Fatalf("test assumes alice-seed sorts before merchant-seed; adjust seeds if this fails")
	}

	ch, err := Pay(ch, PaySpec{From: alice.Address(), To: merchant.Address(),
		TokenID: 7, Amount: big.NewInt(5)})
	if err != nil {
		t.Fatalf("pay 1: %v", err)
	}
	if ch.Subchannels[7].Balance().Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("balance after pay 1 = %s, want 5", ch.Subchannels[7].Balance())
	}

	ch, err = Pay(ch, PaySpec{From: alice.Address(), To: merchant.Address(),
		TokenID: 7, Amount: big.NewInt(20)})
	if err != nil {
		t.Fatalf("pay 2: %v", err)
	}
	if ch.Subchannels[7].Balance().Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("balance after pay 2 = %s, want 25", ch.Subchannels[7].Balance())
	}

	// A payment that would breach -left_credit_limit (5000) is rejected.
	_, err = Pay(ch, PaySpec{From: merchant.Address(), To: alice.Address(),
		TokenID: 7, Amount: big.NewInt(5200)})
	if err == nil {
		t.Fatalf("expected CreditExceeded for a payment breaching left_credit_limit")
	}

	// The scenario's accepted alternative: Merchant -> Alice 50.
	ch, err = Pay(ch, PaySpec{From: merchant.Address(), To: alice.Address(),
		TokenID: 7, Amount: big.NewInt(50)})
	if err != nil {
		t.Fatalf("pay 3 (accepted alternative): %v", err)
	}
	if ch.Subchannels[7].Balance().Cmp(big.NewInt(-25)) != 0 {
		t.Fatalf("balance after accepted alternative = %s, want -25",
			ch.Subchannels[7].Balance())
	}
}

func TestPayZeroAmountRejected(t *testing.T) {
	alice := mustWallet(t, "alice-seed-2")
	bob := mustWallet(t, "bob-seed-2")
	ch := openSigned(t, alice, bob, []SubchannelSpec{{
		TokenID: 1, Collateral: big.NewInt(0),
		LeftCreditLimit: big.NewInt(100), RightCreditLimit: big.NewInt(100),
	}})

	_, err := Pay(ch, PaySpec{From: ch.Left, To: ch.Right, TokenID: 1, Amount: big.NewInt(0)})
	if err == nil {
		t.Fatalf("expected zero-amount payment to be rejected")
	}
}

func TestPayExactlyAtLimitAccepted(t *testing.T) {
	alice := mustWallet(t, "alice-seed-3")
	bob := mustWallet(t, "bob-seed-3")
	ch := openSigned(t, alice, bob, []SubchannelSpec{{
		TokenID: 1, Collateral: big.NewInt(0),
		LeftCreditLimit: big.NewInt(100), RightCreditLimit: big.NewInt(100),
	}})

	ch, err := Pay(ch, PaySpec{From: ch.Left, To: ch.Right, TokenID: 1, Amount: big.NewInt(100)})
	if err != nil {
		t.Fatalf("payment exactly at limit should be accepted: %v", err)
	}
	if ch.Subchannels[1].Balance().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", ch.Subchannels[1].Balance())
	}
}

func TestHTLCSettleLifecycle(t *testing.T) {
	alice := mustWallet(t, "alice-seed-4")
	bob := mustWallet(t, "bob-seed-4")
	ch := openSigned(t, alice, bob, []SubchannelSpec{{
		TokenID: 1, Collateral: big.NewInt(0),
		LeftCreditLimit: big.NewInt(1000), RightCreditLimit: big.NewInt(1000),
	}})

	preimage := [32]byte{1, 2, 3}
	hashlock := chancrypto.HashBytes(preimage[:])

	fakeClock := clock.NewTestClock(time.Unix(1000, 0))

	direction := DirectionLeftToRight
	if ch.Left != alice.Address() {
		direction = DirectionRightToLeft
	}

	ch, err := OpenHTLC(ch, HTLCSpec{
		TokenID: 1, Amount: big.NewInt(50), Direction: direction,
		Hashlock: hashlock, Timelock: 2000,
	})
	if err != nil {
		t.Fatalf("open htlc: %v", err)
	}
	if ch.Status != StatusOpenWithHTLCs {
		t.Fatalf("expected open-with-htlcs, got %v", ch.Status)
	}

	ch, err = SettleHTLC(ch, 0, preimage, fakeClock)
	if err != nil {
		t.Fatalf("settle htlc: %v", err)
	}
	if ch.PendingHTLCs[0].State != HTLCSettled {
		t.Fatalf("expected htlc settled, got %v", ch.PendingHTLCs[0].State)
	}
	if ch.Subchannels[1].LeftReserved.Sign() != 0 || ch.Subchannels[1].RightReserved.Sign() != 0 {
		t.Fatalf("reservation should be fully released after settle")
	}

	// Double-settle must fail, not panic silently on a real replica --
	// the state machine rejects it as not-pending.
	_, err = SettleHTLC(ch, 0, preimage, fakeClock)
	if err == nil {
		t.Fatalf("expected double-settle to be rejected")
	}
}

func TestHTLCRefundAfterTimeout(t *testing.T) {
	alice := mustWallet(t, "alice-seed-5")
	bob := mustWallet(t, "bob-seed-5")
	ch := openSigned(t, alice, bob, []SubchannelSpec{{
		TokenID: 1, Collateral: big.NewInt(0),
		LeftCreditLimit: big.NewInt(1000), RightCreditLimit: big.NewInt(1000),
	}})

	preimage := [32]byte{9, 9, 9}
	hashlock := chancrypto.HashBytes(preimage[:])
	fakeClock := clock.NewTestClock(time.Unix(1000, 0))

	ch, err := OpenHTLC(ch, HTLCSpec{
		TokenID: 1, Amount: big.NewInt(30), Direction: DirectionLeftToRight,
		Hashlock: hashlock, Timelock: 1500,
	})
	if err != nil {
		t.Fatalf("open htlc: %v", err)
	}

	// Before expiry, refund must fail.
	if _, err := RefundHTLC(ch, 0, fakeClock); err == nil {
		t.Fatalf("expected refund before timelock to fail")
	}

	fakeClock.SetTime(time.Unix(1600, 0))

	ch, err = RefundHTLC(ch, 0, fakeClock)
	if err != nil {
		t.Fatalf("refund after timelock: %v", err)
	}
	if ch.PendingHTLCs[0].State != HTLCRefunded {
		t.Fatalf("expected htlc refunded, got %v", ch.PendingHTLCs[0].State)
	}
	if ch.Subchannels[1].LeftReserved.Sign() != 0 {
		t.Fatalf("reservation should be released after refund")
	}
	// Balance must be untouched by a refund.
	if ch.Subchannels[1].Balance().Sign() != 0 {
		t.Fatalf("refund must not shift balance, got %s", ch.Subchannels[1].Balance())
	}
}

func TestHTLCReservationBlocksOvercommit(t *testing.T) {
	alice := mustWallet(t, "alice-seed-6")
	bob := mustWallet(t, "bob-seed-6")
	ch := openSigned(t, alice, bob, []SubchannelSpec{{
		TokenID: 1, Collateral: big.NewInt(0),
		LeftCreditLimit: big.NewInt(100), RightCreditLimit: big.NewInt(100),
	}})

	ch, err := OpenHTLC(ch, HTLCSpec{
		TokenID: 1, Amount: big.NewInt(80), Direction: DirectionLeftToRight,
		Hashlock: chancrypto.HashBytes([]byte("a")), Timelock: 9999,
	})
	if err != nil {
		t.Fatalf("first htlc should succeed: %v", err)
	}

	_, err = OpenHTLC(ch, HTLCSpec{
		TokenID: 1, Amount: big.NewInt(30), Direction: DirectionLeftToRight,
		Hashlock: chancrypto.HashBytes([]byte("b")), Timelock: 9999,
	})
	if err == nil {
		t.Fatalf("second htlc should exceed remaining credit (80+30 > 100)")
	}
}

func TestStateHashDeterministicAcrossInsertionOrder(t *testing.T) {
	alice := mustWallet(t, "alice-seed-7")
	bob := mustWallet(t, "bob-seed-7")

	chA, err := Open(alice.Address(), bob.Address(), []SubchannelSpec{
		{TokenID: 2, Collateral: big.NewInt(10), LeftCreditLimit: big.NewInt(1), RightCreditLimit: big.NewInt(1)},
		{TokenID: 1, Collateral: big.NewInt(20), LeftCreditLimit: big.NewInt(2), RightCreditLimit: big.NewInt(2)},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	chB, err := Open(alice.Address(), bob.Address(), []SubchannelSpec{
		{TokenID: 1, Collateral: big.NewInt(20), LeftCreditLimit: big.NewInt(2), RightCreditLimit: big.NewInt(2)},
		{TokenID: 2, Collateral: big.NewInt(10), LeftCreditLimit: big.NewInt(1), RightCreditLimit: big.NewInt(1)},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if StateHash(chA) != StateHash(chB) {
		t.Fatalf("state hash depends on subchannel insertion order")
	}
}

func TestReconcileState(t *testing.T) {
	alice := mustWallet(t, "alice-seed-8")
	bob := mustWallet(t, "bob-seed-8")
	ch := openSigned(t, alice, bob, []SubchannelSpec{{
		TokenID: 1, Collateral: big.NewInt(0),
		LeftCreditLimit: big.NewInt(100), RightCreditLimit: big.NewInt(100),
	}})

	result, err := ReconcileState(ch, ch.Nonce, StateHash(ch))
	if err != nil || result != ReconcileInSync {
		t.Fatalf("expected in-sync, got %v, err %v", result, err)
	}

	result, err = ReconcileState(ch, ch.Nonce+1, StateHash(ch))
	if err != nil || result != ReconcileLocalBehind {
		t.Fatalf("expected local-behind, got %v, err %v", result, err)
	}

	result, err = ReconcileState(ch, ch.Nonce, chancrypto.HashBytes([]byte("other")))
	if err == nil || result != ReconcileDiverged {
		t.Fatalf("expected diverged with error, got %v, err %v", result, err)
	}
}
