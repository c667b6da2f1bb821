package consensus

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/wire"
)

// Frame is one committed consensus round (spec §3.7): the height it advances
// to, the canonically-ordered txs it applies, the state hashes it bridges,
// and the precommit signatures that authorize the transition. ProposedAt is
// the proposer's declared wall-clock reading at draft time -- it travels
// with the frame so every validator's re-execution of apply uses the exact
// same "now" for time-gated operations (HTLC settle/refund), rather than
// each reading its own local clock and risking a state hash mismatch purely
// from clock skew.
type Frame struct {
	Height        uint64
	Txs           []Tx
	PrevStateHash chancrypto.Hash
	NewStateHash  chancrypto.Hash
	ProposedAt    int64
	Signatures    map[chancrypto.Address]chancrypto.Signature
}

// signedBytes returns the byte string a precommit signature covers: every
// field of the frame except the signature map itself.
func (f *Frame) signedBytes() []byte {
	var buf bytes.Buffer

	wire.PutUint64(&buf, f.Height)
	wire.PutUint64(&buf, uint64(len(f.Txs)))
	for _, tx := range f.Txs {
		h := tx.Hash()
		buf.Write(h[:])
	}
	buf.Write(f.PrevStateHash[:])
	buf.Write(f.NewStateHash[:])
	wire.PutUint64(&buf, uint64(f.ProposedAt))

	return buf.Bytes()
}

// Sign adds wallet's precommit signature over f to f.Signatures.
func (f *Frame) Sign(wallet *chancrypto.Wallet) {
	if f.Signatures == nil {
		f.Signatures = make(map[chancrypto.Address]chancrypto.Signature)
	}
	f.Signatures[wallet.Address()] = wallet.Sign(f.signedBytes())
}

// VerifyPrecommit reports whether signer's entry in f.Signatures validly
// signs f's content.
func (f *Frame) VerifyPrecommit(signer chancrypto.Address) bool {
	sig, ok := f.Signatures[signer]
	if !ok {
		return false
	}
	return chancrypto.Verify(sig, f.signedBytes(), signer)
}

// PrecommitShare sums cfg.Shares for every signer in f.Signatures whose
// signature verifies, discarding unknown signers and forged entries rather
// than trusting the map's keys blindly.
func PrecommitShare(f *Frame, cfg Config) *big.Int {
	total := big.NewInt(0)

	signers := make([]chancrypto.Address, 0, len(f.Signatures))
	for addr := range f.Signatures {
		signers = append(signers, addr)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i].Less(signers[j]) })

	for _, addr := range signers {
		share, ok := cfg.Shares[addr]
		if !ok {
			continue
		}
		if !f.VerifyPrecommit(addr) {
			continue
		}
		total.Add(total, share)
	}
	return total
}
