package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

// exit codes (spec §6 "CLI surface"): 0 success, 2 invalid arguments, 3
// invariant violation, 4 I/O error, 5 consensus-timeout.
const (
	exitOK                 = 0
	exitInvalidArgs        = 2
	exitInvariantViolation = 3
	exitIOError            = 4
	exitConsensusTimeout   = 5
	exitUnexpected         = 1
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[creditlinecli] %v\n", err)
	os.Exit(classifyErr(err))
}

func main() {
	app := cli.NewApp()
	app.Name = "creditlinecli"
	app.Version = "0.1"
	app.Usage = "operator tooling for the credit-line channel engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: defaultDataDir,
			Usage: "root directory holding entity subdirectories (wal.log, state.snapshot, channels/)",
		},
		cli.StringFlag{
			Name:  "logdir",
			Usage: "directory for a rotating creditlinecli.log; logging stays disabled if unset",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "trace|debug|info|warn|error|critical|off",
		},
	}
	app.Commands = []cli.Command{
		registerEntityCommand,
		openChannelCommand,
		payCommand,
		routeCommand,
		showStateCommand,
		snapshotCommand,
		replayCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		if logdir := ctx.GlobalString("logdir"); logdir != "" {
			return initLogging(logdir, ctx.GlobalString("loglevel"))
		}
		return nil
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
