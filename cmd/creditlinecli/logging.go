package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/consensus"
	"github.com/creditmesh/ledger/entitydb"
	"github.com/creditmesh/ledger/htlcrouter"
	"github.com/creditmesh/ledger/hubrisk"
)

// logRotator is the rotating file backend created by initLogging. Left nil
// (and every UseLogger left at its package default of btclog.Disabled) when
// --logdir is never set, so a one-shot CLI invocation stays silent by
// default.
var logRotator *rotator.Rotator

// initLogging wires a single rotating log file under logdir to every domain
// package's UseLogger hook, following the same one-backend/many-subsystem-
// loggers convention the rest of this module's packages already expose
// (chanstate/consensus/entitydb/htlcrouter/hubrisk all default to
// btclog.Disabled until UseLogger is called).
func initLogging(logdir, level string) error {
	if err := os.MkdirAll(logdir, 0o700); err != nil {
		return fmt.Errorf("creditlinecli: creating log directory: %w", err)
	}
	logFile := filepath.Join(logdir, "creditlinecli.log")

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("creditlinecli: creating log rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)
	logRotator = r

	backend := btclog.NewBackend(pw)
	lvl, _ := btclog.LevelFromString(level)

	subLogger := func(tag string) btclog.Logger {
		l := backend.Logger(tag)
		l.SetLevel(lvl)
		return l
	}

	chanstate.UseLogger(subLogger("CHST"))
	consensus.UseLogger(subLogger("CNSS"))
	entitydb.UseLogger(subLogger("EDB"))
	htlcrouter.UseLogger(subLogger("HTLC"))
	hubrisk.UseLogger(subLogger("HRSK"))

	return nil
}
