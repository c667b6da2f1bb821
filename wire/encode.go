// Package wire implements the canonical, deterministic byte encodings this
// module hashes and signs over: fixed-width 256-bit big-endian integers and
// 20-byte addresses for channel/frame state hashing, and a TLV record codec
// for entity-transaction payloads and onion hop instructions.
//
// None of the encoders here are specific to any one domain type; chanstate
// and consensus each build their own canonical encoding out of these
// primitives, which keeps this package a leaf with no dependency on either.
package wire

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/creditmesh/ledger/chancrypto"
)

// Uint256Size is the width in bytes of a canonical integer field (spec §6:
// "All integers are big-endian two's-complement 256-bit").
const Uint256Size = 32

// PutUint256 appends the big-endian two's-complement 256-bit encoding of v to
// buf. v must fit in 256 bits; negative values are encoded in two's
// complement the way a hardware word would be, as the 256-bit big-endian
// bytes of 2^256 + v, for the one field the data model allows to go below
// zero transiently (ondelta+offdelta balances).
func PutUint256(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		v = big.NewInt(0)
	}

	var words [Uint256Size]byte

	if v.Sign() >= 0 {
		if v.BitLen() > Uint256Size*8-1 {
			return fmt.Errorf("wire: value %s overflows uint256", v)
		}
		v.FillBytes(words[:])
	} else {
		// Two's complement of a negative value: (2^256 + v).
		mod := new(big.Int).Lsh(big.NewInt(1), Uint256Size*8)
		twos := new(big.Int).Add(mod, v)
		if twos.Sign() < 0 || twos.BitLen() > Uint256Size*8 {
			return fmt.Errorf("wire: value %s overflows int256", v)
		}
		twos.FillBytes(words[:])
	}

	buf.Write(words[:])
	return nil
}

// GetUint256 reads a canonical 256-bit big-endian field as an unsigned
// big.Int. Callers that know the field may be signed (balances) use
// GetInt256 instead.
func GetUint256(r *bytes.Reader) (*big.Int, error) {
	var words [Uint256Size]byte
	if _, err := r.Read(words[:]); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(words[:]), nil
}

// GetInt256 reads a canonical 256-bit big-endian two's-complement field,
// returning a possibly-negative big.Int.
func GetInt256(r *bytes.Reader) (*big.Int, error) {
	var words [Uint256Size]byte
	if _, err := r.Read(words[:]); err != nil {
		return nil, err
	}

	v := new(big.Int).SetBytes(words[:])

	// If the top bit is set, this is the two's-complement encoding of a
	// negative number: subtract 2^256.
	if words[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), Uint256Size*8)
		v.Sub(v, mod)
	}
	return v, nil
}

// PutAddress appends the raw 20-byte address to buf.
func PutAddress(buf *bytes.Buffer, addr chancrypto.Address) {
	buf.Write(addr[:])
}

// GetAddress reads a raw 20-byte address.
func GetAddress(r *bytes.Reader) (chancrypto.Address, error) {
	var addr chancrypto.Address
	_, err := r.Read(addr[:])
	return addr, err
}

// PutUint64 appends the big-endian encoding of v to buf.
func PutUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b[:])
}

// GetUint64 reads a big-endian uint64.
func GetUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
