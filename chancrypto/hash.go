package chancrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of a Hash.
const HashSize = 32

// Hash is a 32-byte digest, used both as the HTLC hashlock image and as the
// channel/frame state hash.
type Hash [HashSize]byte

// String returns the 0x-prefixed hex form of the hash.
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+2*HashSize)
	out[0], out[1] = '0', 'x'
	for i, b := range h {
		out[2+2*i] = hextable[b>>4]
		out[2+2*i+1] = hextable[b&0x0f]
	}
	return string(out)
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the 0x-prefixed hex form produced by String back into a
// Hash, the counterpart to ParseAddress for the other fixed-width wire
// value this package carries.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2+2*HashSize || s[0] != '0' || s[1] != 'x' {
		return h, fmt.Errorf("chancrypto: malformed hash %q", s)
	}
	decoded, err := hex.DecodeString(s[2:])
	if err != nil {
		return h, fmt.Errorf("chancrypto: malformed hash %q: %w", s, err)
	}
	copy(h[:], decoded)
	return h, nil
}

// HashBytes computes the sha256 digest of data. Used both as the generic leaf
// hash primitive (HTLC hashlock/preimage) and, via the wire package's
// canonical encoders, as the channel/frame state hash.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}
