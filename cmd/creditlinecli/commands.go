package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/urfave/cli"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/consensus"
	"github.com/creditmesh/ledger/entitydb"
	"github.com/creditmesh/ledger/htlcrouter"
)

func parseBigInt(ctx *cli.Context, flag string) (*big.Int, error) {
	raw := ctx.String(flag)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: --%s %q is not a decimal integer", errInvalidArgs, flag, raw)
	}
	return n, nil
}

func requireString(ctx *cli.Context, flag string) (string, error) {
	v := ctx.String(flag)
	if v == "" {
		return "", fmt.Errorf("%w: --%s is required", errInvalidArgs, flag)
	}
	return v, nil
}

var registerEntityCommand = cli.Command{
	Name:      "register-entity",
	Usage:     "create a new consensus entity's on-disk directory and genesis checkpoint",
	ArgsUsage: "--entity NAME --validator seed:share [--validator seed:share ...] --threshold N --proposer-seed SEED",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity", Usage: "entity name, decimal ordinal, or 0x-hex id"},
		cli.StringSliceFlag{Name: "validator", Usage: "seed:share, repeatable"},
		cli.StringFlag{Name: "threshold", Usage: "decimal weighted-share threshold"},
		cli.StringFlag{Name: "proposer-seed", Usage: "seed of the validator that proposes frames"},
	},
	Action: func(ctx *cli.Context) error {
		entityRaw, err := requireString(ctx, "entity")
		if err != nil {
			return err
		}
		id, err := resolveEntityID(entityRaw)
		if err != nil {
			return err
		}

		specs := ctx.StringSlice("validator")
		if len(specs) == 0 {
			return fmt.Errorf("%w: at least one --validator is required", errInvalidArgs)
		}
		validators := make([]chancrypto.Address, 0, len(specs))
		shares := make(map[chancrypto.Address]*big.Int, len(specs))
		for _, raw := range specs {
			vs, err := parseValidatorSpec(raw)
			if err != nil {
				return err
			}
			validators = append(validators, vs.wallet.Address())
			shares[vs.wallet.Address()] = vs.share
		}

		threshold, err := parseBigInt(ctx, "threshold")
		if err != nil {
			return err
		}

		proposerSeed, err := requireString(ctx, "proposer-seed")
		if err != nil {
			return err
		}
		proposer, err := walletFromSeed(proposerSeed)
		if err != nil {
			return err
		}

		cfg := consensus.Config{
			Validators: validators,
			Shares:     shares,
			Threshold:  threshold,
			Proposer:   proposer.Address(),
			Mode:       consensus.ModeProposerBased,
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		dir := entityDir(ctx.GlobalString("datadir"), id)
		wal, err := entitydb.Open(dir, nil)
		if err != nil {
			return err
		}
		defer wal.Close()

		genesis := consensus.NewEntityState()
		snapshot, err := consensus.EncodeStateSnapshot(genesis)
		if err != nil {
			return err
		}
		if err := wal.Checkpoint(snapshot); err != nil {
			return err
		}
		if err := writeConfig(dir, cfg); err != nil {
			return err
		}

		fmt.Printf("entity %s registered in %s\n", id, dir)
		return nil
	},
}

var openChannelCommand = cli.Command{
	Name:      "open-channel",
	Usage:     "create and co-sign a new single-asset channel inside an entity's channel arena",
	ArgsUsage: "--entity ID --channel-id N --left-seed SEED --right-seed SEED --token-id N --collateral N --left-credit N --right-credit N",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity"},
		cli.Uint64Flag{Name: "channel-id"},
		cli.StringFlag{Name: "left-seed"},
		cli.StringFlag{Name: "right-seed"},
		cli.Uint64Flag{Name: "token-id"},
		cli.StringFlag{Name: "collateral"},
		cli.StringFlag{Name: "left-credit"},
		cli.StringFlag{Name: "right-credit"},
	},
	Action: func(ctx *cli.Context) error {
		id, err := resolveEntityID(ctx.String("entity"))
		if err != nil {
			return err
		}
		leftSeed, err := requireString(ctx, "left-seed")
		if err != nil {
			return err
		}
		rightSeed, err := requireString(ctx, "right-seed")
		if err != nil {
			return err
		}
		left, err := walletFromSeed(leftSeed)
		if err != nil {
			return err
		}
		right, err := walletFromSeed(rightSeed)
		if err != nil {
			return err
		}

		collateral, err := parseBigInt(ctx, "collateral")
		if err != nil {
			return err
		}
		leftCredit, err := parseBigInt(ctx, "left-credit")
		if err != nil {
			return err
		}
		rightCredit, err := parseBigInt(ctx, "right-credit")
		if err != nil {
			return err
		}

		ch, err := chanstate.Open(left.Address(), right.Address(), []chanstate.SubchannelSpec{
			{
				TokenID:          uint32(ctx.Uint64("token-id")),
				Collateral:       collateral,
				LeftCreditLimit:  leftCredit,
				RightCreditLimit: rightCredit,
			},
		})
		if err != nil {
			return err
		}

		// chanstate.Open may have swapped participants into canonical
		// order; sign with whichever wallet now actually sits on each
		// side.
		leftWallet, rightWallet := left, right
		if ch.Left != left.Address() {
			leftWallet, rightWallet = right, left
		}
		if ch, err = chanstate.SignBy(leftWallet, ch); err != nil {
			return err
		}
		if ch, err = chanstate.SignBy(rightWallet, ch); err != nil {
			return err
		}

		dir := entityDir(ctx.GlobalString("datadir"), id)
		store, err := openChannelStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()

		channelID := ctx.Uint64("channel-id")
		if err := store.PutChannel(channelID, ch); err != nil {
			return err
		}

		fmt.Printf("channel %d opened between %s and %s, state hash %s\n",
			channelID, ch.Left, ch.Right, chanstate.StateHash(ch))
		return nil
	},
}

var payCommand = cli.Command{
	Name:      "pay",
	Usage:     "apply a single-asset payment to an already-open channel and re-sign both sides",
	ArgsUsage: "--entity ID --channel-id N --from-seed SEED --to-seed SEED --token-id N --amount N",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity"},
		cli.Uint64Flag{Name: "channel-id"},
		cli.StringFlag{Name: "from-seed"},
		cli.StringFlag{Name: "to-seed"},
		cli.Uint64Flag{Name: "token-id"},
		cli.StringFlag{Name: "amount"},
	},
	Action: func(ctx *cli.Context) error {
		id, err := resolveEntityID(ctx.String("entity"))
		if err != nil {
			return err
		}
		fromSeed, err := requireString(ctx, "from-seed")
		if err != nil {
			return err
		}
		toSeed, err := requireString(ctx, "to-seed")
		if err != nil {
			return err
		}
		from, err := walletFromSeed(fromSeed)
		if err != nil {
			return err
		}
		to, err := walletFromSeed(toSeed)
		if err != nil {
			return err
		}
		amount, err := parseBigInt(ctx, "amount")
		if err != nil {
			return err
		}

		dir := entityDir(ctx.GlobalString("datadir"), id)
		store, err := openChannelStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()

		channelID := ctx.Uint64("channel-id")
		ch, err := store.Channel(channelID)
		if err != nil {
			return err
		}

		ch, err = chanstate.Pay(ch, chanstate.PaySpec{
			From:    from.Address(),
			To:      to.Address(),
			TokenID: uint32(ctx.Uint64("token-id")),
			Amount:  amount,
		})
		if err != nil {
			return err
		}

		leftWallet, rightWallet := from, to
		if ch.Left != from.Address() {
			leftWallet, rightWallet = to, from
		}
		if ch, err = chanstate.SignBy(leftWallet, ch); err != nil {
			return err
		}
		if ch, err = chanstate.SignBy(rightWallet, ch); err != nil {
			return err
		}

		if err := store.PutChannel(channelID, ch); err != nil {
			return err
		}

		fmt.Printf("paid %s (token %d) channel %d, new nonce %d, state hash %s\n",
			amount, ctx.Uint64("token-id"), channelID, ch.Nonce, chanstate.StateHash(ch))
		return nil
	},
}

var routeCommand = cli.Command{
	Name:      "route",
	Usage:     "atomically route a payment across a set of already-open channels in one entity's arena",
	ArgsUsage: "--entity ID --channel-ids 1,2,3 --src-seed SEED --dst-seed SEED --token-id N --amount N [--max-hops N]",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity"},
		cli.StringFlag{Name: "channel-ids", Usage: "comma-separated channel ids forming the candidate topology"},
		cli.StringFlag{Name: "src-seed"},
		cli.StringFlag{Name: "dst-seed"},
		cli.Uint64Flag{Name: "token-id"},
		cli.StringFlag{Name: "amount"},
		cli.IntFlag{Name: "max-hops", Value: 6},
	},
	Action: func(ctx *cli.Context) error {
		id, err := resolveEntityID(ctx.String("entity"))
		if err != nil {
			return err
		}
		channelIDsRaw, err := requireString(ctx, "channel-ids")
		if err != nil {
			return err
		}
		srcSeed, err := requireString(ctx, "src-seed")
		if err != nil {
			return err
		}
		dstSeed, err := requireString(ctx, "dst-seed")
		if err != nil {
			return err
		}
		src, err := walletFromSeed(srcSeed)
		if err != nil {
			return err
		}
		dst, err := walletFromSeed(dstSeed)
		if err != nil {
			return err
		}
		amount, err := parseBigInt(ctx, "amount")
		if err != nil {
			return err
		}
		tokenID := uint32(ctx.Uint64("token-id"))

		var channelIDs []uint64
		for _, raw := range strings.Split(channelIDsRaw, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: --channel-ids entry %q is not a number", errInvalidArgs, raw)
			}
			channelIDs = append(channelIDs, n)
		}

		dir := entityDir(ctx.GlobalString("datadir"), id)
		store, err := openChannelStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()

		edges, err := buildEdges(store, channelIDs, tokenID)
		if err != nil {
			return err
		}
		graph, err := htlcrouter.BuildGraph(tokenID, edges)
		if err != nil {
			return err
		}

		clk := clock.NewDefaultClock()
		result, err := htlcrouter.ExecutePayment(store, clk, graph, src.Address(), dst.Address(), amount, ctx.Int("max-hops"))
		if err != nil {
			return err
		}

		fmt.Printf("routed %s (token %d) from %s to %s across %d hops, preimage %x\n",
			amount, tokenID, src.Address(), dst.Address(), len(result.Path), result.Preimage)
		return nil
	},
}

// buildEdges derives the directed liquidity graph edges for the given
// channel ids and token from their currently persisted subchannel state:
// RemainingCredit is the headroom the receiving side still has before
// hitting its credit limit/collateral bound, and Utilization is the
// current balance's magnitude, used only as a routing tie-break.
func buildEdges(store *fileChannelStore, channelIDs []uint64, tokenID uint32) ([]htlcrouter.Edge, error) {
	var edges []htlcrouter.Edge
	for _, channelID := range channelIDs {
		ch, err := store.Channel(channelID)
		if err != nil {
			return nil, err
		}
		sub, ok := ch.Subchannels[tokenID]
		if !ok {
			continue
		}

		balance := sub.Balance()
		upperBound := new(big.Int).Add(sub.Collateral, sub.RightCreditLimit)
		lowerBound := new(big.Int).Neg(sub.LeftCreditLimit)
		utilization := new(big.Int).Abs(balance)

		edges = append(edges,
			htlcrouter.Edge{
				ChannelID:       channelID,
				From:            ch.Left,
				To:              ch.Right,
				TokenID:         tokenID,
				RemainingCredit: new(big.Int).Sub(upperBound, balance),
				Utilization:     utilization,
			},
			htlcrouter.Edge{
				ChannelID:       channelID,
				From:            ch.Right,
				To:              ch.Left,
				TokenID:         tokenID,
				RemainingCredit: new(big.Int).Sub(balance, lowerBound),
				Utilization:     utilization,
			},
		)
	}
	return edges, nil
}

var showStateCommand = cli.Command{
	Name:      "show-state",
	Usage:     "print an entity's recovered state as JSON",
	ArgsUsage: "--entity ID",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity"},
		cli.BoolFlag{Name: "raw", Usage: "dump the full Go value of the recovered state instead of the JSON summary"},
	},
	Action: func(ctx *cli.Context) error {
		id, err := resolveEntityID(ctx.String("entity"))
		if err != nil {
			return err
		}
		dir := entityDir(ctx.GlobalString("datadir"), id)

		state, frames, err := replayEntity(dir)
		if err != nil {
			return err
		}

		if ctx.Bool("raw") {
			spew.Dump(state)
			return nil
		}

		out := struct {
			Height         uint64   `json:"height"`
			FramesReplayed int      `json:"frames_replayed"`
			StateHash      string   `json:"state_hash"`
			Messages       []string `json:"messages"`
		}{
			Height:         state.Height,
			FramesReplayed: len(frames),
			StateHash:      consensus.StateHash(state).String(),
			Messages:       state.Messages,
		}
		enc, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(enc))
		return nil
	},
}

var snapshotCommand = cli.Command{
	Name:      "snapshot",
	Usage:     "force a checkpoint of an entity's current recovered state, compacting its WAL",
	ArgsUsage: "--entity ID",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity"},
	},
	Action: func(ctx *cli.Context) error {
		id, err := resolveEntityID(ctx.String("entity"))
		if err != nil {
			return err
		}
		dir := entityDir(ctx.GlobalString("datadir"), id)

		state, _, err := replayEntity(dir)
		if err != nil {
			return err
		}

		wal, err := entitydb.Open(dir, nil)
		if err != nil {
			return err
		}
		defer wal.Close()

		snapshot, err := consensus.EncodeStateSnapshot(state)
		if err != nil {
			return err
		}
		if err := wal.Checkpoint(snapshot); err != nil {
			return err
		}

		fmt.Printf("checkpointed entity %s at height %d\n", id, state.Height)
		return nil
	},
}

var replayCommand = cli.Command{
	Name:      "replay",
	Usage:     "recover an entity from its checkpoint plus WAL and print the resulting height and state hash",
	ArgsUsage: "--entity ID",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "entity"},
	},
	Action: func(ctx *cli.Context) error {
		id, err := resolveEntityID(ctx.String("entity"))
		if err != nil {
			return err
		}
		dir := entityDir(ctx.GlobalString("datadir"), id)

		state, frames, err := replayEntity(dir)
		if err != nil {
			return err
		}

		fmt.Printf("entity %s replayed %d frames to height %d, state hash %s\n",
			id, len(frames), state.Height, consensus.StateHash(state))
		return nil
	},
}

// replayEntity loads dir's latest checkpoint (or genesis) plus the
// remaining frame_commit entries in wal.log, re-applies those frames via
// consensus.ReplayFrames, and returns the fully recovered state -- the same
// checkpoint-plus-replay recovery path a crashed validator would use (spec
// §6, §8.9). It reads the entity's validator set back from the cli-config.json
// register-entity wrote, since this is read-only tooling with no signing
// identity of its own.
func replayEntity(dir string) (*consensus.EntityState, []*consensus.Frame, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, nil, err
	}

	checkpoint, frames, err := entitydb.Recover(dir)
	if err != nil {
		return nil, nil, err
	}

	state, err := consensus.ReplayFrames(checkpoint, cfg, frames)
	if err != nil {
		return nil, nil, err
	}

	return state, frames, nil
}
