// Package hubrisk implements the fractional-reserve economics of a hub
// entity: per-counterparty exposure tracking, a reserve-ratio-derived
// aggregate admission ceiling, and the utilization/leverage/risk-level
// metrics a hub exposes about its own book (spec §3.5, §4.4).
//
// A Hub has no teacher analogue -- lnd channels are two-party and carry no
// leveraged-hub concept -- so this package is styled after the other
// sync.RWMutex-guarded accounting maps in the pack (htlcswitch.Switch's
// pendingMutex-guarded counters, channeldb's mutex-guarded graph cache)
// rather than grounded on a single source file; see DESIGN.md.
package hubrisk

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/creditmesh/ledger/chancrypto"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// RiskParameters bounds one asset's exposure on a hub's book (spec §3.5:
// "risk_parameters: max_single_exposure, max_total_exposure, buffer"). The
// aggregate ceiling is not taken from a static field here: spec §4.4's
// worked admission formula derives it live from reserves, TargetReserveRatio
// and Buffer, so a separately configured max_total_exposure would either
// duplicate or contradict that derivation -- see DESIGN.md Open Question
// decisions.
type RiskParameters struct {
	// MaxSingleExposure caps exposure to any one counterparty for this
	// asset.
	MaxSingleExposure *big.Int

	// TargetReserveRatio is the hub's target reserves/exposure ratio,
	// in (0, 1].
	TargetReserveRatio float64

	// Buffer pads the target ratio for the live admission ceiling (spec
	// §4.4: "max_total_exposure = reserves / (target_ratio + buffer)").
	Buffer float64
}

func (p RiskParameters) validate() error {
	if p.MaxSingleExposure == nil || p.MaxSingleExposure.Sign() < 0 {
		return fmt.Errorf("%w: negative or missing max_single_exposure", ErrValidation)
	}
	if p.TargetReserveRatio <= 0 || p.TargetReserveRatio > 1 {
		return fmt.Errorf("%w: target_reserve_ratio %v out of (0, 1]",
			ErrValidation, p.TargetReserveRatio)
	}
	if p.Buffer < 0 {
		return fmt.Errorf("%w: negative buffer", ErrValidation)
	}
	if p.TargetReserveRatio+p.Buffer <= 0 {
		return fmt.Errorf("%w: target_ratio+buffer must be positive", ErrValidation)
	}
	return nil
}

// RiskLevel is a coarse summary of a hub's aggregate leverage for one asset
// (spec §4.4: "thresholded at 0.5 and 0.8").
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "<unknown risk level>"
	}
}

const (
	riskMediumThreshold = 0.5
	riskHighThreshold   = 0.8
)

// assetBook is one asset's reserve, risk parameters, and per-counterparty
// exposure map.
type assetBook struct {
	reserves  *big.Int
	params    RiskParameters
	exposures map[chancrypto.Address]*big.Int
}

// Hub is a fractional-reserve routing node: it extends credit to its
// channel counterparties in excess of its on-chain reserves, up to a
// reserve-ratio-derived ceiling (spec §3.5).
type Hub struct {
	mu sync.RWMutex

	Address chancrypto.Address
	books   map[uint32]*assetBook
}

// NewHub constructs a Hub with no configured assets; call ConfigureAsset for
// each token_id it will extend credit in.
func NewHub(addr chancrypto.Address) *Hub {
	return &Hub{
		Address: addr,
		books:   make(map[uint32]*assetBook),
	}
}

// ConfigureAsset sets the reserves and risk parameters for tokenID,
// replacing any prior configuration but preserving existing exposures.
func (h *Hub) ConfigureAsset(tokenID uint32, reserves *big.Int, params RiskParameters) error {
	if reserves == nil || reserves.Sign() < 0 {
		return fmt.Errorf("%w: negative or missing reserves", ErrValidation)
	}
	if err := params.validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	book, ok := h.books[tokenID]
	if !ok {
		book = &assetBook{exposures: make(map[chancrypto.Address]*big.Int)}
		h.books[tokenID] = book
	}
	book.reserves = new(big.Int).Set(reserves)
	book.params = params

	log.Debugf("configured hub %v asset %d: reserves=%s target_ratio=%v buffer=%v",
		h.Address, tokenID, reserves, params.TargetReserveRatio, params.Buffer)

	return nil
}

func (h *Hub) book(tokenID uint32) (*assetBook, error) {
	book, ok := h.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	return book, nil
}

// exposureOf returns the counterparty's current exposure for this asset,
// defaulting to zero if none is tracked yet. Caller must hold h.mu.
func (b *assetBook) exposureOf(counterparty chancrypto.Address) *big.Int {
	if v, ok := b.exposures[counterparty]; ok {
		return v
	}
	return big.NewInt(0)
}

// totalExposure sums exposure across all counterparties. Caller must hold
// h.mu.
func (b *assetBook) totalExposure() *big.Int {
	sum := big.NewInt(0)
	for _, v := range b.exposures {
		sum.Add(sum, v)
	}
	return sum
}

// maxTotalExposure computes the live reserve-ratio-derived admission
// ceiling: reserves / (target_ratio + buffer) (spec §4.4, reproduced
// exactly by scenario S6: reserves 10000, ratio 0.2, buffer 0.05 ->
// 10000/0.25 = 40000).
func (b *assetBook) maxTotalExposure() *big.Int {
	denom := b.params.TargetReserveRatio + b.params.Buffer

	reservesF := new(big.Float).SetInt(b.reserves)
	denomF := big.NewFloat(denom)
	quotient := new(big.Float).Quo(reservesF, denomF)

	result, _ := quotient.Int(nil)
	return result
}

// CanProvideLiquidity reports whether the hub may extend amount of credit
// to counterparty for tokenID without breaching either the per-counterparty
// cap or the aggregate reserve-ratio ceiling (spec §4.4). It does not mutate
// the hub's books; call Admit to check-and-commit atomically.
func (h *Hub) CanProvideLiquidity(counterparty chancrypto.Address, tokenID uint32, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: zero or negative amount", ErrValidation)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	book, err := h.book(tokenID)
	if err != nil {
		return err
	}

	single := new(big.Int).Add(book.exposureOf(counterparty), amount)
	if single.Cmp(book.params.MaxSingleExposure) > 0 {
		return fmt.Errorf("%w: counterparty %v requested total %s exceeds cap %s",
			ErrSingleExposureExceeded, counterparty, single, book.params.MaxSingleExposure)
	}

	total := new(big.Int).Add(book.totalExposure(), amount)
	ceiling := book.maxTotalExposure()
	if total.Cmp(ceiling) > 0 {
		return fmt.Errorf("%w: aggregate exposure %s would exceed ceiling %s",
			ErrReserveRatioExceeded, total, ceiling)
	}

	return nil
}

// Admit checks CanProvideLiquidity and, if it passes, increments
// counterparty's tracked exposure for tokenID by amount in the same
// operation (spec §4.4: "On channel open to a new counterparty, call
// admission; on accept, increment exposures").
func (h *Hub) Admit(counterparty chancrypto.Address, tokenID uint32, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: zero or negative amount", ErrValidation)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	book, err := h.book(tokenID)
	if err != nil {
		return err
	}

	single := new(big.Int).Add(book.exposureOf(counterparty), amount)
	if single.Cmp(book.params.MaxSingleExposure) > 0 {
		return fmt.Errorf("%w: counterparty %v requested total %s exceeds cap %s",
			ErrSingleExposureExceeded, counterparty, single, book.params.MaxSingleExposure)
	}

	total := new(big.Int).Add(book.totalExposure(), amount)
	ceiling := book.maxTotalExposure()
	if total.Cmp(ceiling) > 0 {
		return fmt.Errorf("%w: aggregate exposure %s would exceed ceiling %s",
			ErrReserveRatioExceeded, total, ceiling)
	}

	book.exposures[counterparty] = single

	log.Infof("hub %v admitted %s exposure to %v (token %d), total now %s",
		h.Address, amount, counterparty, tokenID, total)

	return nil
}

// ReduceExposure decrements counterparty's tracked exposure for tokenID by
// amount, called on channel closure or when a counterparty pays down its
// debt (spec §4.4: "On channel closure or exposure reduction... decrement").
func (h *Hub) ReduceExposure(counterparty chancrypto.Address, tokenID uint32, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: zero or negative amount", ErrValidation)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	book, err := h.book(tokenID)
	if err != nil {
		return err
	}

	current := book.exposureOf(counterparty)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: counterparty %v exposure %s less than decrement %s",
			ErrExposureUnderflow, counterparty, current, amount)
	}

	book.exposures[counterparty] = new(big.Int).Sub(current, amount)

	log.Debugf("hub %v reduced %v exposure (token %d) by %s", h.Address,
		counterparty, tokenID, amount)

	return nil
}

// Utilization returns total_exposure / max_total_exposure for tokenID (spec
// §4.4).
func (h *Hub) Utilization(tokenID uint32) (float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	book, err := h.book(tokenID)
	if err != nil {
		return 0, err
	}

	ceiling := book.maxTotalExposure()
	if ceiling.Sign() == 0 {
		return 0, nil
	}

	total := new(big.Float).SetInt(book.totalExposure())
	max := new(big.Float).SetInt(ceiling)
	ratio, _ := new(big.Float).Quo(total, max).Float64()
	return ratio, nil
}

// Leverage returns total_exposure / reserves for tokenID (spec §4.4).
func (h *Hub) Leverage(tokenID uint32) (float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	book, err := h.book(tokenID)
	if err != nil {
		return 0, err
	}
	if book.reserves.Sign() == 0 {
		return 0, nil
	}

	total := new(big.Float).SetInt(book.totalExposure())
	reserves := new(big.Float).SetInt(book.reserves)
	ratio, _ := new(big.Float).Quo(total, reserves).Float64()
	return ratio, nil
}

// RiskLevel classifies the hub's current utilization for tokenID into
// low/medium/high, thresholded at 0.5 and 0.8 (spec §4.4).
func (h *Hub) RiskLevel(tokenID uint32) (RiskLevel, error) {
	utilization, err := h.Utilization(tokenID)
	if err != nil {
		return RiskLow, err
	}
	switch {
	case utilization >= riskHighThreshold:
		return RiskHigh, nil
	case utilization >= riskMediumThreshold:
		return RiskMedium, nil
	default:
		return RiskLow, nil
	}
}

// Exposures returns a snapshot of per-counterparty exposure for tokenID,
// sorted by address for deterministic iteration.
func (h *Hub) Exposures(tokenID uint32) ([]chancrypto.Address, map[chancrypto.Address]*big.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	book, err := h.book(tokenID)
	if err != nil {
		return nil, nil, err
	}

	addrs := make([]chancrypto.Address, 0, len(book.exposures))
	snapshot := make(map[chancrypto.Address]*big.Int, len(book.exposures))
	for addr, v := range book.exposures {
		addrs = append(addrs, addr)
		snapshot[addr] = new(big.Int).Set(v)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	return addrs, snapshot, nil
}
