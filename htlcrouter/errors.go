package htlcrouter

import "fmt"

var (
	// ErrValidation covers malformed routing input.
	ErrValidation = fmt.Errorf("htlcrouter: validation error")

	// ErrRouteFailed indicates no viable path exists (spec §7: "caller's
	// problem").
	ErrRouteFailed = fmt.Errorf("htlcrouter: no viable route")

	// ErrLockFailed indicates a hop rejected an htlc lock mid-cascade.
	// Already-locked upstream hops are left to refund on their own
	// timelocks (spec §4.3 step 3).
	ErrLockFailed = fmt.Errorf("htlcrouter: htlc lock failed mid-route")

	// ErrSettleFailed indicates a settle cascade could not be completed
	// even though the destination revealed a valid preimage -- this
	// should not happen on honest links and is logged as a possible
	// byzantine intermediary.
	ErrSettleFailed = fmt.Errorf("htlcrouter: htlc settle failed mid-cascade")
)
