package entitydb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/consensus"
)

// txRecord and frameRecord are the JSON-wire shape of a consensus.Tx and
// consensus.Frame: map keys in Go's encoding/json must be strings, and
// chancrypto.Address/Hash have no MarshalText, so addresses and hashes are
// carried as their hex String() form instead of relying on a struct tag.
type txRecord struct {
	Signer  string
	Nonce   uint64
	Kind    uint64
	Payload []byte
	Sig     []byte
}

type sigRecord struct {
	Signer string
	Sig    []byte
}

type frameRecord struct {
	Height        uint64
	Txs           []txRecord
	PrevStateHash string
	NewStateHash  string
	ProposedAt    int64
	Signatures    []sigRecord
}

func toFrameRecord(f *consensus.Frame) frameRecord {
	txs := make([]txRecord, len(f.Txs))
	for i, tx := range f.Txs {
		txs[i] = txRecord{
			Signer:  tx.Signer.String(),
			Nonce:   tx.Nonce,
			Kind:    uint64(tx.Kind),
			Payload: tx.Payload,
			Sig:     tx.Sig,
		}
	}

	signers := make([]chancrypto.Address, 0, len(f.Signatures))
	for addr := range f.Signatures {
		signers = append(signers, addr)
	}
	sigs := make([]sigRecord, 0, len(signers))
	for _, addr := range sortAddresses(signers) {
		sigs = append(sigs, sigRecord{Signer: addr.String(), Sig: f.Signatures[addr]})
	}

	return frameRecord{
		Height:        f.Height,
		Txs:           txs,
		PrevStateHash: f.PrevStateHash.String(),
		NewStateHash:  f.NewStateHash.String(),
		ProposedAt:    f.ProposedAt,
		Signatures:    sigs,
	}
}

func fromFrameRecord(rec frameRecord) (*consensus.Frame, error) {
	txs := make([]consensus.Tx, len(rec.Txs))
	for i, t := range rec.Txs {
		signer, err := chancrypto.ParseAddress(t.Signer)
		if err != nil {
			return nil, err
		}
		txs[i] = consensus.Tx{
			Signer:  signer,
			Nonce:   t.Nonce,
			Kind:    consensus.TxKind(t.Kind),
			Payload: t.Payload,
			Sig:     t.Sig,
		}
	}

	prevHash, err := parseHash(rec.PrevStateHash)
	if err != nil {
		return nil, err
	}
	newHash, err := parseHash(rec.NewStateHash)
	if err != nil {
		return nil, err
	}

	signatures := make(map[chancrypto.Address]chancrypto.Signature, len(rec.Signatures))
	for _, s := range rec.Signatures {
		signer, err := chancrypto.ParseAddress(s.Signer)
		if err != nil {
			return nil, err
		}
		signatures[signer] = s.Sig
	}

	return &consensus.Frame{
		Height:        rec.Height,
		Txs:           txs,
		PrevStateHash: prevHash,
		NewStateHash:  newHash,
		ProposedAt:    rec.ProposedAt,
		Signatures:    signatures,
	}, nil
}

func parseHash(s string) (chancrypto.Hash, error) {
	var h chancrypto.Hash
	if len(s) != 2+2*chancrypto.HashSize || s[0] != '0' || s[1] != 'x' {
		return h, fmt.Errorf("%w: malformed hash %q", ErrCorrupt, s)
	}
	decoded, err := hex.DecodeString(s[2:])
	if err != nil {
		return h, fmt.Errorf("%w: malformed hash %q: %v", ErrCorrupt, s, err)
	}
	copy(h[:], decoded)
	return h, nil
}

func sortAddresses(addrs []chancrypto.Address) []chancrypto.Address {
	sorted := append([]chancrypto.Address(nil), addrs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Less(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

// Recover reconstructs an entity's state from dir: the latest
// state.snapshot (or genesis if none exists) replayed forward through every
// frame_commit entry remaining in wal.log, in order (spec §6 "Recovery
// replays the log from the latest checkpoint, applying entries in order,
// reproducing the committed state exactly"). Only frame_commit entries
// drive replay -- create_channel/pay/sign/... entries are the same
// committed effects viewed as an audit trail, not a second source of
// truth, so replaying them again would double-apply what their enclosing
// frame already did.
//
// No pending mempool is ever recovered (spec §6): the caller gets back a
// committed state and must resume accepting new txs from scratch.
func Recover(dir string) (*consensus.EntityState, []*consensus.Frame, error) {
	snapshotPath := filepath.Join(dir, snapshotFileName)

	data, err := os.ReadFile(snapshotPath)
	var state *consensus.EntityState
	switch {
	case os.IsNotExist(err):
		state = consensus.NewEntityState()
	case err != nil:
		return nil, nil, fmt.Errorf("entitydb: reading checkpoint: %w", err)
	default:
		state, err = consensus.DecodeStateSnapshot(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	entries, err := readEntries(filepath.Join(dir, walFileName))
	if err != nil {
		return nil, nil, err
	}

	var frames []*consensus.Frame
	for _, e := range entries {
		if e.Type != TypeFrameCommit {
			continue
		}
		var rec frameRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		frame, err := fromFrameRecord(rec)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, frame)
	}

	log.Infof("entitydb: recovered checkpoint at height %d plus %d frames from %s",
		state.Height, len(frames), dir)
	return state, frames, nil
}
