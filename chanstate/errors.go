package chanstate

import "fmt"

// Error sentinels for the channel engine (spec §7). Each is a stable "kind"
// that callers can match with errors.Is; human-readable detail is appended
// via %w wrapping at the call site.
var (
	// ErrValidation covers malformed input: bad address, zero amount,
	// negative limits, duplicated participant, unknown token_id.
	ErrValidation = fmt.Errorf("chanstate: validation error")

	// ErrCreditExceeded is returned when a payment or HTLC lock would
	// exceed available balance plus credit.
	ErrCreditExceeded = fmt.Errorf("chanstate: credit limit exceeded")

	// ErrNonceMismatch is returned on nonce equality with differing
	// content, or an unexpected nonce during reconciliation.
	ErrNonceMismatch = fmt.Errorf("chanstate: nonce mismatch")

	// ErrChannelClosed is returned when an operation is attempted against
	// a channel that is closing or already closed.
	ErrChannelClosed = fmt.Errorf("chanstate: channel is closed or closing")

	// ErrHTLCNotFound is returned when an HTLC id is unknown to the
	// channel.
	ErrHTLCNotFound = fmt.Errorf("chanstate: htlc not found")

	// ErrHTLCNotPending is returned when settle/refund is attempted on an
	// HTLC that has already settled or refunded. Double-release of a
	// reservation is fatal per spec §4.2.
	ErrHTLCNotPending = fmt.Errorf("chanstate: htlc is not pending")

	// ErrPreimageMismatch is returned when hash(preimage) != hashlock.
	ErrPreimageMismatch = fmt.Errorf("chanstate: preimage does not match hashlock")

	// ErrHTLCExpired is returned when settle is attempted after the
	// timelock has elapsed.
	ErrHTLCExpired = fmt.Errorf("chanstate: htlc timelock has elapsed")

	// ErrHTLCNotExpired is returned when refund is attempted before the
	// timelock has elapsed.
	ErrHTLCNotExpired = fmt.Errorf("chanstate: htlc timelock has not elapsed")
)
