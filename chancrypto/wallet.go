// Package chancrypto provides the deterministic keypair, signing, and
// hashing primitives the rest of this module builds on: wallets derive an
// address from a public key, sign arbitrary messages, and state hashes are
// computed over a canonical byte encoding supplied by the caller.
package chancrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/ripemd160"
)

// AddressSize is the length in bytes of an Address.
const AddressSize = 20

// Address is a 20-byte identity derived from a public key. Equality is byte
// equality.
type Address [AddressSize]byte

// String returns the 0x-prefixed hex form of the address.
func (a Address) String() string {
	return fmt.Sprintf("0x%x", a[:])
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses the 0x-prefixed hex form produced by String back into
// an Address, used when reading an address out of a reference JSON blob
// (spec §6).
func ParseAddress(s string) (Address, error) {
	var addr Address
	if len(s) != 2+2*AddressSize || s[0] != '0' || s[1] != 'x' {
		return addr, fmt.Errorf("chancrypto: malformed address %q", s)
	}
	decoded, err := hex.DecodeString(s[2:])
	if err != nil {
		return addr, fmt.Errorf("chancrypto: malformed address %q: %w", s, err)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// Less provides the canonical lexicographic ordering used to fix channel
// participant order (spec §3.3: "ordering is canonical (lexicographic)").
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Wallet owns a private key and can sign messages on behalf of its address.
//
// NOTE: real key custody policy (HSM, remote signer, seed-phrase storage) is
// explicitly out of scope per spec §1; Wallet is a thin deterministic
// keypair holder suitable for engine-level testing and single-process
// operation.
type Wallet struct {
	priv *btcec.PrivateKey
	addr Address
}

// KeypairFromSeed derives a deterministic secp256k1 keypair from an
// arbitrary-length seed. The same seed always yields the same wallet.
func KeypairFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("chancrypto: empty seed")
	}

	// Reduce the seed to a valid scalar the same way the teacher derives
	// deterministic test keys in lnwallet's test helpers: hash first, then
	// treat the digest as the private scalar.
	digest := sha256.Sum256(seed)
	priv, _ := btcec.PrivKeyFromBytes(digest[:])

	return newWallet(priv)
}

func newWallet(priv *btcec.PrivateKey) (*Wallet, error) {
	addr, err := addressFromPubKey(priv.PubKey())
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, addr: addr}, nil
}

// Address returns the wallet's public identity.
func (w *Wallet) Address() Address {
	return w.addr
}

// PubKey returns the wallet's public key.
func (w *Wallet) PubKey() *btcec.PublicKey {
	return w.priv.PubKey()
}

// addressFromPubKey derives a 20-byte address from a compressed public key
// using the bitcoin-style hash160 (sha256 then ripemd160), matching the
// address-derivation idiom in the teacher's lnwallet/script_utils.go.
func addressFromPubKey(pub *btcec.PublicKey) (Address, error) {
	var addr Address

	sha := sha256.Sum256(pub.SerializeCompressed())

	ripe := ripemd160.New()
	if _, err := ripe.Write(sha[:]); err != nil {
		return addr, err
	}

	copy(addr[:], ripe.Sum(nil))
	return addr, nil
}

// Signature is a byte string that can be verified against (message, address).
// It is a recoverable compact signature so Verify can check it against a
// bare Address without a side-channel public-key lookup, the same trick
// bitcoin "signmessage"/"verifymessage" compact signatures use.
type Signature []byte

// Sign signs an arbitrary message with the wallet's private key. Signing is
// deterministic (RFC6979) given the same wallet and message.
func (w *Wallet) Sign(msg []byte) Signature {
	digest := sha256.Sum256(msg)
	sig := ecdsa.SignCompact(w.priv, digest[:], true)
	return Signature(sig)
}

// Verify reports whether sig is a valid signature over msg by the holder of
// address addr. Verify is side-effect free and never panics on malformed
// input -- it simply returns false.
func Verify(sig Signature, msg []byte, addr Address) bool {
	digest := sha256.Sum256(msg)

	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return false
	}

	gotAddr, err := addressFromPubKey(pub)
	if err != nil {
		return false
	}
	return gotAddr == addr
}

// ErrInvalidSignature is returned when a recovered/verified address does not
// match the expected signer. Fatal for the operation -- never retried
// silently (spec §4.1).
var ErrInvalidSignature = fmt.Errorf("chancrypto: invalid signature")
