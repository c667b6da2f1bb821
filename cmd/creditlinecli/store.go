package main

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/consensus"
	"github.com/creditmesh/ledger/entitydb"
)

// defaultDataDir mirrors the teacher's AppDataDir convention in spirit, but
// this module has no chain/network namespace to key off of, so it simply
// lives under the user's home directory.
var defaultDataDir = filepath.Join(os.Getenv("HOME"), ".creditlinecli")

// entityDir is where register-entity/show-state/snapshot/replay keep one
// entity's wal.log, state.snapshot, and channels/ directory (spec §6
// "Persisted state layout"). Entities are keyed by their id's hex digits,
// which is stable across the lazy/numbered/named derivation schemes.
func entityDir(datadir string, id consensus.EntityId) string {
	return filepath.Join(datadir, id.String()[2:])
}

// resolveEntityID turns a CLI-supplied entity reference into an EntityId
// using the scheme the string shape implies (spec §6 "Entity identifier
// derivation"): a decimal integer is a numbered id, a full 0x-prefixed
// 32-byte hex string is already a lazy or named id rendered as hex, and
// anything else is hashed as an ASCII name.
func resolveEntityID(raw string) (consensus.EntityId, error) {
	if raw == "" {
		return consensus.EntityId{}, fmt.Errorf("%w: empty --entity", errInvalidArgs)
	}
	if strings.HasPrefix(raw, "0x") {
		id, err := chancrypto.ParseHash(raw)
		if err != nil {
			return consensus.EntityId{}, fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		return id, nil
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		id, err := consensus.NumberedEntityID(n)
		if err != nil {
			return consensus.EntityId{}, fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		return id, nil
	}
	return consensus.NamedEntityID(raw), nil
}

// walletFromSeed derives the deterministic demo identity this CLI uses in
// place of real key custody (spec §1 scopes key management out; see
// chancrypto.Wallet's doc comment).
func walletFromSeed(seed string) (*chancrypto.Wallet, error) {
	if seed == "" {
		return nil, fmt.Errorf("%w: empty seed", errInvalidArgs)
	}
	w, err := chancrypto.KeypairFromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArgs, err)
	}
	return w, nil
}

// validatorSpec is one --validator flag value of the form "seed:share".
type validatorSpec struct {
	wallet *chancrypto.Wallet
	share  *big.Int
}

func parseValidatorSpec(raw string) (validatorSpec, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return validatorSpec{}, fmt.Errorf("%w: --validator %q must be seed:share", errInvalidArgs, raw)
	}
	w, err := walletFromSeed(parts[0])
	if err != nil {
		return validatorSpec{}, err
	}
	share, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return validatorSpec{}, fmt.Errorf("%w: --validator %q has a non-decimal share", errInvalidArgs, raw)
	}
	return validatorSpec{wallet: w, share: share}, nil
}

// channelFilePath is where one channel's reference JSON lives within an
// entity directory (spec §6 "channels/<channel_id>.json").
func channelFilePath(dir string, channelID uint64) string {
	return filepath.Join(dir, "channels", strconv.FormatUint(channelID, 10)+".json")
}

// fileChannelStore implements htlcrouter.ChannelStore and the plain
// open-channel/pay commands' persistence needs by reading and writing each
// channel's reference-JSON snapshot directly under dir/channels/. Writes go
// through entitydb's atomic-rename WAL handle rather than a bare os.WriteFile
// so a crash mid-write can never leave a half-written channel file.
type fileChannelStore struct {
	dir string
	wal *entitydb.WAL
}

func openChannelStore(dir string) (*fileChannelStore, error) {
	wal, err := entitydb.Open(dir, nil)
	if err != nil {
		return nil, err
	}
	return &fileChannelStore{dir: dir, wal: wal}, nil
}

func (s *fileChannelStore) Close() error {
	return s.wal.Close()
}

func (s *fileChannelStore) Channel(channelID uint64) (*chanstate.Channel, error) {
	data, err := os.ReadFile(channelFilePath(s.dir, channelID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no channel %d in %s", errInvalidArgs, channelID, s.dir)
	}
	if err != nil {
		return nil, err
	}
	return consensus.DecodeChannelSnapshot(data)
}

func (s *fileChannelStore) PutChannel(channelID uint64, ch *chanstate.Channel) error {
	data, err := consensus.EncodeChannelSnapshot(ch)
	if err != nil {
		return err
	}
	return s.wal.WriteChannelSnapshot(channelID, data)
}
