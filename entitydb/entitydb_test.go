package entitydb

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/consensus"
)

func mustWallet(t *testing.T, seed string) *chancrypto.Wallet {
	t.Helper()
	w, err := chancrypto.KeypairFromSeed([]byte(seed))
	require.NoError(t, err)
	return w
}

// soloConfig is a single-validator, threshold-1 configuration: the smallest
// setup that still exercises the real ADD_TX -> PROPOSE -> SIGN -> COMMIT
// pipeline without needing a second replica to co-sign.
func soloConfig(t *testing.T) (consensus.Config, *chancrypto.Wallet) {
	t.Helper()
	alice := mustWallet(t, "alice")
	cfg := consensus.Config{
		Validators: []chancrypto.Address{alice.Address()},
		Shares:     map[chancrypto.Address]*big.Int{alice.Address(): big.NewInt(1)},
		Threshold:  big.NewInt(1),
		Proposer:   alice.Address(),
		Mode:       consensus.ModeProposerBased,
	}
	return cfg, alice
}

func mustChatTx(t *testing.T, wallet *chancrypto.Wallet, nonce uint64, message string) consensus.Tx {
	t.Helper()
	payload, err := consensus.EncodeChat(consensus.Chat{Message: message})
	require.NoError(t, err)
	tx := consensus.Tx{Signer: wallet.Address(), Nonce: nonce, Kind: consensus.TxChat, Payload: payload}
	signed, err := consensus.Sign(wallet, tx)
	require.NoError(t, err)
	return signed
}

// commitChat drives one tx through the full pipeline on a solo entity and
// returns the resulting frame.
func commitChat(t *testing.T, e *consensus.Entity, wallet *chancrypto.Wallet, nonce uint64, proposedAt int64, message string) *consensus.Frame {
	t.Helper()
	require.NoError(t, e.AddTx(mustChatTx(t, wallet, nonce, message)))
	frame, err := e.ProposeIfReady(proposedAt)
	require.NoError(t, err)
	require.NotNil(t, frame, "expected a drafted frame")
	committed, err := e.TryCommit()
	require.NoError(t, err)
	return committed
}

// TestWALAppendAndRecoverFromGenesis reproduces spec §8.9 WAL replay
// idempotence with no checkpoint in play: two frames are committed straight
// to a WAL-backed journal, and Recover plus ReplayFrame over a fresh entity
// must reach the exact same state hash as the original replica.
func TestWALAppendAndRecoverFromGenesis(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	wal, err := Open(dir, clk)
	require.NoError(t, err)

	cfg, alice := soloConfig(t)
	id := consensus.NamedEntityID("entitydb-test-entity")

	entity, err := consensus.NewEntity(id, cfg, alice, wal)
	require.NoError(t, err)

	commitChat(t, entity, alice, 1, 1_700_000_001, "first")
	lastFrame := commitChat(t, entity, alice, 2, 1_700_000_002, "second")

	require.NoError(t, wal.Close())

	state, frames, err := Recover(dir)
	require.NoError(t, err)
	require.EqualValues(t, 0, state.Height, "no checkpoint was ever written")
	require.Len(t, frames, 2)

	replay, err := consensus.NewEntity(id, cfg, alice, nil)
	require.NoError(t, err)
	replay.LoadCheckpoint(state)
	for _, f := range frames {
		require.NoError(t, replay.ReplayFrame(f))
	}

	require.Equal(t, entity.State().Height, replay.State().Height)
	require.Equal(t, consensus.StateHash(entity.State()), consensus.StateHash(replay.State()))
	require.Equal(t, lastFrame.NewStateHash, consensus.StateHash(replay.State()))
}

// TestCheckpointCompactsWAL verifies that Checkpoint writes state.snapshot
// and leaves wal.log empty (spec §6: "compaction drops entries preceding
// the latest checkpoint" -- here, all of them, since the snapshot now
// captures everything up to this point).
func TestCheckpointCompactsWAL(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	wal, err := Open(dir, clk)
	require.NoError(t, err)
	defer wal.Close()

	require.NoError(t, wal.AppendCreateChannel(CreateChannelRecord{ChannelID: 1, Left: "0xleft", Right: "0xright"}))

	snapshot, err := consensus.EncodeStateSnapshot(consensus.NewEntityState())
	require.NoError(t, err)
	require.NoError(t, wal.Checkpoint(snapshot))

	entries, err := readEntries(filepath.Join(dir, walFileName))
	require.NoError(t, err)
	require.Empty(t, entries)

	recovered, frames, err := Recover(dir)
	require.NoError(t, err)
	require.Empty(t, frames)
	require.EqualValues(t, 0, recovered.Height)
}

// TestRecoverFromCheckpointPlusReplay reproduces spec §8.9 in full: a
// checkpoint is taken mid-history, and recovery must combine that snapshot
// with only the frames committed afterward to reach the same state as the
// live replica.
func TestRecoverFromCheckpointPlusReplay(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	wal, err := Open(dir, clk)
	require.NoError(t, err)

	cfg, alice := soloConfig(t)
	id := consensus.NamedEntityID("entitydb-checkpoint-test-entity")

	entity, err := consensus.NewEntity(id, cfg, alice, wal)
	require.NoError(t, err)

	commitChat(t, entity, alice, 1, 1_700_000_001, "before checkpoint")

	snapshot, err := consensus.EncodeStateSnapshot(entity.State())
	require.NoError(t, err)
	require.NoError(t, wal.Checkpoint(snapshot))

	lastFrame := commitChat(t, entity, alice, 2, 1_700_000_002, "after checkpoint")

	require.NoError(t, wal.Close())

	state, frames, err := Recover(dir)
	require.NoError(t, err)
	require.EqualValues(t, 1, state.Height)
	require.Len(t, frames, 1)

	replay, err := consensus.NewEntity(id, cfg, alice, nil)
	require.NoError(t, err)
	replay.LoadCheckpoint(state)
	for _, f := range frames {
		require.NoError(t, replay.ReplayFrame(f))
	}

	require.Equal(t, consensus.StateHash(entity.State()), consensus.StateHash(replay.State()))
	require.Equal(t, lastFrame.NewStateHash, consensus.StateHash(replay.State()))
}

// TestWriteChannelSnapshotRoundTrip checks that a channel written into
// channels/<id>.json decodes back via consensus.DecodeChannelSnapshot to a
// channel with the same participants.
func TestWriteChannelSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wal, err := Open(dir, clock.NewTestClock(time.Unix(1_700_000_000, 0)))
	require.NoError(t, err)
	defer wal.Close()

	left := mustWallet(t, "chan-left")
	right := mustWallet(t, "chan-right")
	ch, err := chanstate.Open(left.Address(), right.Address(), []chanstate.SubchannelSpec{
		{
			TokenID:          1,
			Collateral:       big.NewInt(1_000),
			LeftCreditLimit:  big.NewInt(100),
			RightCreditLimit: big.NewInt(100),
		},
	})
	require.NoError(t, err)

	data, err := consensus.EncodeChannelSnapshot(ch)
	require.NoError(t, err)
	require.NoError(t, wal.WriteChannelSnapshot(7, data))

	raw, err := os.ReadFile(filepath.Join(dir, channelsDirName, "7.json"))
	require.NoError(t, err)

	decoded, err := consensus.DecodeChannelSnapshot(raw)
	require.NoError(t, err)
	require.Equal(t, ch.Left, decoded.Left)
	require.Equal(t, ch.Right, decoded.Right)
}
