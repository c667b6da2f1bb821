package main

import (
	"errors"
	"os"

	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/consensus"
	"github.com/creditmesh/ledger/entitydb"
	"github.com/creditmesh/ledger/hubrisk"
)

// errInvalidArgs tags a command-line usage mistake (missing/malformed flag,
// unresolvable reference) distinct from a domain-level rejection.
var errInvalidArgs = errors.New("creditlinecli: invalid arguments")

// classifyErr maps an error returned by a command's Action to one of the
// exit codes spec §6 pins down for this CLI. Domain sentinels are matched
// by errors.Is, so wrapping with %w anywhere up the call chain still
// classifies correctly.
func classifyErr(err error) int {
	if err == nil {
		return exitOK
	}

	switch {
	case errors.Is(err, errInvalidArgs):
		return exitInvalidArgs

	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission),
		errors.Is(err, entitydb.ErrCorrupt), errors.Is(err, entitydb.ErrCheckpointMissing):
		return exitIOError

	case errors.Is(err, consensus.ErrThresholdNotReached), errors.Is(err, consensus.ErrProposalInFlight),
		errors.Is(err, consensus.ErrNotProposer), errors.Is(err, consensus.ErrStaleHeight):
		return exitConsensusTimeout

	case errors.Is(err, chanstate.ErrValidation), errors.Is(err, chanstate.ErrCreditExceeded),
		errors.Is(err, chanstate.ErrNonceMismatch), errors.Is(err, chanstate.ErrChannelClosed),
		errors.Is(err, chanstate.ErrHTLCNotFound), errors.Is(err, chanstate.ErrHTLCNotPending),
		errors.Is(err, chanstate.ErrPreimageMismatch), errors.Is(err, chanstate.ErrHTLCExpired),
		errors.Is(err, chanstate.ErrHTLCNotExpired),
		errors.Is(err, hubrisk.ErrSingleExposureExceeded), errors.Is(err, hubrisk.ErrReserveRatioExceeded),
		errors.Is(err, hubrisk.ErrUnknownToken), errors.Is(err, hubrisk.ErrExposureUnderflow),
		errors.Is(err, consensus.ErrStateHashMismatch), errors.Is(err, consensus.ErrInvalidSignature),
		errors.Is(err, consensus.ErrNonceReplay), errors.Is(err, consensus.ErrUnknownChannel),
		errors.Is(err, consensus.ErrUnknownSigner), errors.Is(err, consensus.ErrUnknownProposal):
		return exitInvariantViolation

	default:
		return exitUnexpected
	}
}
