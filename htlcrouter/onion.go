package htlcrouter

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/wire"
)

// HopInstruction is what a single intermediate hop learns from its onion
// layer: the next address to forward to, the amount to forward (post-fee),
// and its own timelock (spec §6 "HTLC onion").
type HopInstruction struct {
	Next          chancrypto.Address
	ForwardAmount uint64
	Timelock      int64

	// Final indicates this is the destination's layer, which carries the
	// hashlock image instead of a next hop.
	Final        bool
	PreimageHash chancrypto.Hash
}

const (
	onionTypeNext uint64 = iota
	onionTypeForwardAmount
	onionTypeTimelock
	onionTypeFinal
	onionTypePreimageHash
)

// encodeHopInstruction renders a HopInstruction as a TLV record set, the
// plaintext that gets AEAD-sealed for one onion layer.
func encodeHopInstruction(h HopInstruction) ([]byte, error) {
	var records []wire.Record

	if h.Final {
		records = append(records, wire.Record{Type: onionTypeFinal, Value: []byte{1}})
		records = append(records, wire.Record{
			Type: onionTypePreimageHash, Value: h.PreimageHash[:],
		})
	} else {
		var buf bytes.Buffer
		wire.PutAddress(&buf, h.Next)
		records = append(records, wire.Record{Type: onionTypeNext, Value: buf.Bytes()})

		var amtBuf bytes.Buffer
		wire.PutUint64(&amtBuf, h.ForwardAmount)
		records = append(records, wire.Record{
			Type: onionTypeForwardAmount, Value: amtBuf.Bytes(),
		})

		var tlBuf bytes.Buffer
		wire.PutUint64(&tlBuf, uint64(h.Timelock))
		records = append(records, wire.Record{Type: onionTypeTimelock, Value: tlBuf.Bytes()})
	}

	return wire.EncodeRecordsToBytes(records)
}

// decodeHopInstruction decodes the full TLV record stream in data into a
// HopInstruction. Used only where data is known to contain nothing but the
// instruction (a fully-unwrapped layer), never a layer with a trailing inner
// blob -- see decodeLayer for the framed variant used during peeling.
func decodeHopInstruction(data []byte) (HopInstruction, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(data))
	if err != nil {
		return HopInstruction{}, fmt.Errorf("htlcrouter: decode onion layer: %w", err)
	}
	return hopInstructionFromRecords(records)
}

func hopInstructionFromRecords(records []wire.Record) (HopInstruction, error) {
	var h HopInstruction
	for _, rec := range records {
		switch rec.Type {
		case onionTypeFinal:
			h.Final = true
		case onionTypePreimageHash:
			copy(h.PreimageHash[:], rec.Value)
		case onionTypeNext:
			addr, err := wire.GetAddress(bytes.NewReader(rec.Value))
			if err != nil {
				return HopInstruction{}, err
			}
			h.Next = addr
		case onionTypeForwardAmount:
			v, err := wire.GetUint64(bytes.NewReader(rec.Value))
			if err != nil {
				return HopInstruction{}, err
			}
			h.ForwardAmount = v
		case onionTypeTimelock:
			v, err := wire.GetUint64(bytes.NewReader(rec.Value))
			if err != nil {
				return HopInstruction{}, err
			}
			h.Timelock = int64(v)
		default:
			return HopInstruction{}, fmt.Errorf(
				"htlcrouter: unknown onion field type %d", rec.Type)
		}
	}
	return h, nil
}

// onionNonce is fixed per layer: every layer is sealed exactly once with a
// fresh per-hop key, so a constant nonce under each key is safe -- the same
// (key, nonce) pair is never reused.
var onionNonce = make([]byte, chacha20poly1305.NonceSize)

// sealLayer AEAD-seals plaintext under key, the innermost-first step of
// onion construction.
func sealLayer(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, onionNonce, plaintext, nil), nil
}

// openLayer AEAD-opens one onion layer under key.
func openLayer(key [32]byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, onionNonce, sealed, nil)
}

// HopKey derives this hop's per-session symmetric onion key. In a networked
// deployment this would come from an ECDH handshake with the hop's public
// key and a fresh per-payment session key; this module treats key agreement
// as already having happened (spec §1 Non-goals: network transport is
// assumed reliable) and derives a deterministic key from the session secret
// and the hop's address so the same (sessionSecret, hop) pair is
// reproducible in tests.
func HopKey(sessionSecret [32]byte, hop chancrypto.Address) [32]byte {
	h := chancrypto.HashBytes(append(sessionSecret[:], hop[:]...))
	return [32]byte(h)
}

// frameLayer prepends an 8-byte big-endian length prefix to instruction so a peeling
// hop can split "this hop's instruction" from "the next hop's still-sealed
// blob" without needing to parse the inner ciphertext as TLV.
func frameLayer(instruction []byte, inner []byte) []byte {
	var lenBuf bytes.Buffer
	wire.PutUint64(&lenBuf, uint64(len(instruction)))

	out := make([]byte, 0, lenBuf.Len()+len(instruction)+len(inner))
	out = append(out, lenBuf.Bytes()...)
	out = append(out, instruction...)
	out = append(out, inner...)
	return out
}

// unframeLayer splits a decrypted layer's plaintext into its instruction
// bytes and the remaining (still-sealed) inner blob, inverting frameLayer.
func unframeLayer(plaintext []byte) (instruction []byte, inner []byte, err error) {
	r := bytes.NewReader(plaintext)
	n, err := wire.GetUint64(r)
	if err != nil {
		return nil, nil, fmt.Errorf("htlcrouter: malformed onion layer length: %w", err)
	}

	headerLen := len(plaintext) - r.Len()
	end := headerLen + int(n)
	if end > len(plaintext) {
		return nil, nil, fmt.Errorf("htlcrouter: truncated onion layer")
	}

	return plaintext[headerLen:end], plaintext[end:], nil
}

// BuildOnion wraps a sequence of HopInstructions (ordered from the first
// intermediate hop to the final destination layer) into a single
// nested-encrypted blob, innermost layer first (spec §4.3 step 2, §6).
func BuildOnion(sessionSecret [32]byte, path []chancrypto.Address, instructions []HopInstruction) ([]byte, error) {
	if len(path) != len(instructions) {
		return nil, fmt.Errorf("htlcrouter: path/instruction length mismatch")
	}

	var blob []byte
	for i := len(instructions) - 1; i >= 0; i-- {
		encoded, err := encodeHopInstruction(instructions[i])
		if err != nil {
			return nil, err
		}

		framed := frameLayer(encoded, blob)

		key := HopKey(sessionSecret, path[i])
		sealed, err := sealLayer(key, framed)
		if err != nil {
			return nil, err
		}
		blob = sealed
	}
	return blob, nil
}

// PeelOnion decrypts the outermost layer of blob using this hop's key,
// returning its instruction and the remaining (still-encrypted) inner blob.
// The inner blob is empty when Final is true.
func PeelOnion(sessionSecret [32]byte, self chancrypto.Address, blob []byte) (HopInstruction, []byte, error) {
	key := HopKey(sessionSecret, self)

	plaintext, err := openLayer(key, blob)
	if err != nil {
		return HopInstruction{}, nil, fmt.Errorf(
			"htlcrouter: failed to open onion layer: %w", err)
	}

	encoded, inner, err := unframeLayer(plaintext)
	if err != nil {
		return HopInstruction{}, nil, err
	}

	h, err := decodeHopInstruction(encoded)
	if err != nil {
		return HopInstruction{}, nil, err
	}

	return h, inner, nil
}

// randomPreimage generates a uniformly random 32-byte preimage (spec §4.3
// step 1: "Generate a 32-byte preimage uniformly at random").
func randomPreimage() ([32]byte, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return preimage, err
	}
	return preimage, nil
}
