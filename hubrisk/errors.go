package hubrisk

import "fmt"

var (
	// ErrValidation covers malformed hub configuration or request input.
	ErrValidation = fmt.Errorf("hubrisk: validation error")

	// ErrSingleExposureExceeded indicates a counterparty's requested
	// exposure would exceed its per-counterparty cap (spec §4.4).
	ErrSingleExposureExceeded = fmt.Errorf("hubrisk: single-counterparty exposure limit exceeded")

	// ErrReserveRatioExceeded indicates the hub's aggregate exposure would
	// push it past its reserve-ratio-derived admission ceiling (spec
	// §4.4). This is a soft admission gate, not a solvency guarantee.
	ErrReserveRatioExceeded = fmt.Errorf("hubrisk: reserve ratio admission ceiling exceeded")

	// ErrUnknownToken indicates a request against an asset the hub has no
	// reserves or risk parameters configured for.
	ErrUnknownToken = fmt.Errorf("hubrisk: unknown token_id")

	// ErrExposureUnderflow indicates a decrement would drive a
	// counterparty's tracked exposure negative -- a programming error in
	// the caller, since exposure only ever decreases by amounts it
	// previously increased by.
	ErrExposureUnderflow = fmt.Errorf("hubrisk: exposure decrement underflows")
)
