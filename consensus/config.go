package consensus

import (
	"fmt"
	"math/big"

	"github.com/creditmesh/ledger/chancrypto"
)

// Mode is the entity's consensus mode (spec §3.6, §4.5: "mode ∈
// {proposer-based}"; gossip-based is reserved and unspecified).
type Mode int

const (
	// ModeProposerBased is the only implemented mode: exactly one static
	// proposer per entity drafts frames; all validators precommit.
	ModeProposerBased Mode = iota
)

// Config is an entity's static validator-set configuration (spec §3.6).
type Config struct {
	// Validators is the ordered list of validator addresses.
	Validators []chancrypto.Address

	// Shares is each validator's weight toward the commit threshold.
	Shares map[chancrypto.Address]*big.Int

	// Threshold is the minimum summed share required to commit a frame;
	// must be <= the sum of all shares.
	Threshold *big.Int

	// Proposer is the single validator authorized to draft frames.
	Proposer chancrypto.Address

	Mode Mode
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	if len(c.Validators) == 0 {
		return fmt.Errorf("%w: no validators configured", ErrValidation)
	}

	seen := make(map[chancrypto.Address]bool, len(c.Validators))
	total := big.NewInt(0)
	for _, v := range c.Validators {
		if seen[v] {
			return fmt.Errorf("%w: duplicate validator %v", ErrValidation, v)
		}
		seen[v] = true

		share, ok := c.Shares[v]
		if !ok || share == nil || share.Sign() <= 0 {
			return fmt.Errorf("%w: validator %v missing or non-positive share",
				ErrValidation, v)
		}
		total.Add(total, share)
	}

	if c.Threshold == nil || c.Threshold.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive threshold", ErrValidation)
	}
	if c.Threshold.Cmp(total) > 0 {
		return fmt.Errorf("%w: threshold %s exceeds total share %s",
			ErrValidation, c.Threshold, total)
	}
	if !seen[c.Proposer] {
		return fmt.Errorf("%w: proposer %v is not a configured validator",
			ErrValidation, c.Proposer)
	}

	return nil
}

// TotalShare sums every validator's share.
func (c Config) TotalShare() *big.Int {
	total := big.NewInt(0)
	for _, s := range c.Shares {
		total.Add(total, s)
	}
	return total
}

// DefaultThreshold computes the classical t = ceil(2N/3) + 1 byzantine
// threshold for a total share N (spec §4.5: "Typical configuration").
func DefaultThreshold(total *big.Int) *big.Int {
	numerator := new(big.Int).Mul(total, big.NewInt(2))
	quotient, remainder := new(big.Int).QuoRem(numerator, big.NewInt(3), new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient.Add(quotient, big.NewInt(1))
}
