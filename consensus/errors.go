package consensus

import "fmt"

var (
	// ErrValidation covers malformed configuration or transaction shape
	// (spec §7: "Validation").
	ErrValidation = fmt.Errorf("consensus: validation error")

	// ErrMalformedTx indicates a transaction payload could not be decoded
	// as its declared Kind.
	ErrMalformedTx = fmt.Errorf("consensus: malformed transaction payload")

	// ErrNonceReplay indicates a transaction's nonce has already been
	// used by its signer (spec §4.5 step 1: "nonce not already used").
	ErrNonceReplay = fmt.Errorf("consensus: nonce already used")

	// ErrInvalidSignature indicates a transaction's self-authenticating
	// signature does not verify.
	ErrInvalidSignature = fmt.Errorf("consensus: invalid transaction signature")

	// ErrMempoolFull indicates the mempool has reached its soft cap (spec
	// §5: "Backpressure").
	ErrMempoolFull = fmt.Errorf("consensus: mempool full")

	// ErrNotProposer indicates ProposeIfReady was called on a replica that is
	// not this entity's configured proposer.
	ErrNotProposer = fmt.Errorf("consensus: not the proposer")

	// ErrProposalInFlight indicates a new proposal was requested while
	// one is already awaiting precommits at the current height.
	ErrProposalInFlight = fmt.Errorf("consensus: proposal already in flight")

	// ErrStateHashMismatch indicates a validator's re-execution of a
	// proposed frame's txs produced a different new_state_hash than the
	// proposer declared (spec §7: "StateHashMismatch").
	ErrStateHashMismatch = fmt.Errorf("consensus: state hash mismatch")

	// ErrThresholdNotReached indicates a commit was attempted before the
	// collected precommit shares reached the entity's threshold.
	ErrThresholdNotReached = fmt.Errorf("consensus: threshold not reached")

	// ErrUnknownSigner indicates a precommit or tx signer is not in the
	// entity's validator set.
	ErrUnknownSigner = fmt.Errorf("consensus: signer is not a configured validator")

	// ErrUnknownProposal indicates a vote references a proposal id this
	// entity has no record of.
	ErrUnknownProposal = fmt.Errorf("consensus: unknown proposal id")

	// ErrUnknownChannel indicates a channel-effect tx references a
	// channel id not present in this entity's arena.
	ErrUnknownChannel = fmt.Errorf("consensus: unknown channel id")

	// ErrStaleHeight indicates a proposal or commit input names a height
	// that does not match this entity's current height + 1 / height.
	ErrStaleHeight = fmt.Errorf("consensus: stale or out-of-order height")
)
