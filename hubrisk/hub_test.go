package hubrisk

import (
	"errors"
	"math/big"
	"testing"

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

// TestHubAdmissionGate reproduces spec §8 scenario S6: hub reserves 10000,
// target ratio 0.2, buffer 0.05 -> max_total_exposure = 10000/0.25 = 40000.
// A request for 50000 credit is rejected; a request for 30000 is accepted.
func TestHubAdmissionGate(t *testing.T) {
	const tokenID = uint32(1)

	hub := NewHub(mustWallet(t, "hub-seed").Address())
	err := hub.ConfigureAsset(tokenID, big.NewInt(10_000), RiskParameters{
		MaxSingleExposure: big.NewInt(1_000_000),
		TargetReserveRatio: 0.2,
		Buffer:             0.05,
	})
	if err != nil {
		t.Fatalf("configure asset: %v", err)
	}

	merchant := mustWallet(t, "merchant-seed").Address()

	if err := hub.CanProvideLiquidity(merchant, tokenID, big.NewInt(50_000)); !errors.Is(err, ErrReserveRatioExceeded) {
		t.Fatalf("expected reserve ratio rejection for 50000, got %v", err)
	}

	if err := hub.Admit(merchant, tokenID, big.NewInt(30_000)); err != nil {
		t.Fatalf("expected 30000 to be admitted: %v", err)
	}

	addrs, exposures, err := hub.Exposures(tokenID)
	if err != nil {
		t.Fatalf("exposures: %v", err)
	}
	if len(addrs) != 1 || exposures[merchant].Cmp(big.NewInt(30_000)) != 0 {
		t.Fatalf("expected merchant exposure 30000, got %v", exposures)
	}

	utilization, err := hub.Utilization(tokenID)
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if want := 30_000.0 / 40_000.0; utilization != want {
		t.Fatalf("expected utilization %v, got %v", want, utilization)
	}

	risk, err := hub.RiskLevel(tokenID)
	if err != nil {
		t.Fatalf("risk level: %v", err)
	}
	if risk != RiskMedium {
		t.Fatalf("expected medium risk at 0.75 utilization, got %v", risk)
	}
}

// TestHubSingleExposureCap verifies the per-counterparty cap is enforced
// independently of the aggregate reserve-ratio ceiling.
func TestHubSingleExposureCap(t *testing.T) {
	const tokenID = uint32(1)

	hub := NewHub(mustWallet(t, "hub-seed-2").Address())
	err := hub.ConfigureAsset(tokenID, big.NewInt(1_000_000), RiskParameters{
		MaxSingleExposure: big.NewInt(1_000),
		TargetReserveRatio: 0.2,
		Buffer:             0.05,
	})
	if err != nil {
		t.Fatalf("configure asset: %v", err)
	}

	counterparty := mustWallet(t, "counterparty-seed").Address()

	if err := hub.Admit(counterparty, tokenID, big.NewInt(900)); err != nil {
		t.Fatalf("expected 900 to be admitted: %v", err)
	}
	if err := hub.Admit(counterparty, tokenID, big.NewInt(200)); !errors.Is(err, ErrSingleExposureExceeded) {
		t.Fatalf("expected single-exposure rejection, got %v", err)
	}
}

// TestHubReduceExposure verifies exposure decrements correctly and rejects
// underflow.
func TestHubReduceExposure(t *testing.T) {
	const tokenID = uint32(1)

	hub := NewHub(mustWallet(t, "hub-seed-3").Address())
	err := hub.ConfigureAsset(tokenID, big.NewInt(10_000), RiskParameters{
		MaxSingleExposure: big.NewInt(5_000),
		TargetReserveRatio: 0.2,
		Buffer:             0.05,
	})
	if err != nil {
		t.Fatalf("configure asset: %v", err)
	}

	counterparty := mustWallet(t, "counterparty-seed-2").Address()

	if err := hub.Admit(counterparty, tokenID, big.NewInt(3_000)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := hub.ReduceExposure(counterparty, tokenID, big.NewInt(1_000)); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	_, exposures, err := hub.Exposures(tokenID)
	if err != nil {
		t.Fatalf("exposures: %v", err)
	}
	if exposures[counterparty].Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("expected exposure 2000, got %s", exposures[counterparty])
	}

	if err := hub.ReduceExposure(counterparty, tokenID, big.NewInt(5_000)); !errors.Is(err, ErrExposureUnderflow) {
		t.Fatalf("expected underflow error, got %v", err)
	}
}
