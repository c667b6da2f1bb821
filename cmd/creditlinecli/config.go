package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/consensus"
)

// configFileName holds an entity's validator set, threshold, and proposer
// alongside its wal.log/state.snapshot/channels/ -- register-entity writes
// it once, and show-state/snapshot/replay read it back so a later CLI
// invocation can reconstruct the exact consensus.Config recovery needs
// without re-entering every validator's seed each time.
const configFileName = "cli-config.json"

type configJSON struct {
	Validators []string          `json:"validators"`
	Shares     map[string]string `json:"shares"`
	Threshold  string            `json:"threshold"`
	Proposer   string            `json:"proposer"`
}

func writeConfig(dir string, cfg consensus.Config) error {
	validators := make([]string, len(cfg.Validators))
	for i, v := range cfg.Validators {
		validators[i] = v.String()
	}
	shares := make(map[string]string, len(cfg.Shares))
	for addr, share := range cfg.Shares {
		shares[addr.String()] = share.String()
	}

	enc, err := json.MarshalIndent(configJSON{
		Validators: validators,
		Shares:     shares,
		Threshold:  cfg.Threshold.String(),
		Proposer:   cfg.Proposer.String(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFileName), enc, 0o600)
}

func loadConfig(dir string) (consensus.Config, error) {
	var cfg consensus.Config

	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return cfg, err
	}
	var cj configJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return cfg, fmt.Errorf("%w: %v", errInvalidArgs, err)
	}

	validators := make([]chancrypto.Address, len(cj.Validators))
	for i, s := range cj.Validators {
		validators[i], err = chancrypto.ParseAddress(s)
		if err != nil {
			return cfg, err
		}
	}
	shares := make(map[chancrypto.Address]*big.Int, len(cj.Shares))
	for s, shareStr := range cj.Shares {
		addr, err := chancrypto.ParseAddress(s)
		if err != nil {
			return cfg, err
		}
		share, ok := new(big.Int).SetString(shareStr, 10)
		if !ok {
			return cfg, fmt.Errorf("%w: config share %q is not decimal", errInvalidArgs, shareStr)
		}
		shares[addr] = share
	}
	threshold, ok := new(big.Int).SetString(cj.Threshold, 10)
	if !ok {
		return cfg, fmt.Errorf("%w: config threshold %q is not decimal", errInvalidArgs, cj.Threshold)
	}
	proposer, err := chancrypto.ParseAddress(cj.Proposer)
	if err != nil {
		return cfg, err
	}

	return consensus.Config{
		Validators: validators,
		Shares:     shares,
		Threshold:  threshold,
		Proposer:   proposer,
		Mode:       consensus.ModeProposerBased,
	}, nil
}
