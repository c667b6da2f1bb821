package consensus

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"

	"github.com/creditmesh/ledger/chancrypto"
)

// EntityId is the 32-byte, 0x-prefixed-hex identifier of a consensus entity,
// derived one of three ways (spec §3.6, §6): lazy (hash of canonical
// validator-set/threshold JSON), numbered (a small registered ordinal), or
// named (hash of a human name). All three share the same 32-byte shape, so
// EntityId is chancrypto.Hash under a domain-specific name.
type EntityId = chancrypto.Hash

// EntityIdKind classifies how an EntityId (or a candidate string) was or
// should be derived (spec §6 "Detection rule").
type EntityIdKind int

const (
	KindLazy EntityIdKind = iota
	KindNumbered
	KindNamed
)

func (k EntityIdKind) String() string {
	switch k {
	case KindLazy:
		return "lazy"
	case KindNumbered:
		return "numbered"
	case KindNamed:
		return "named"
	default:
		return "<unknown entity id kind>"
	}
}

// numberedMax is the exclusive upper bound on a numbered entity's ordinal
// (spec §6: "decimal n in [1, 10^6)").
var numberedMax = big.NewInt(1_000_000)

// canonicalConfig is the exact two-field shape hashed for a lazy entity id
// (spec §6: "canonical_json({validators: sorted, threshold: decimal_string})").
// Field order here is fixed by Go struct declaration order, which is all the
// determinism encoding/json needs for a two-field struct with no maps.
type canonicalConfig struct {
	Validators []string `json:"validators"`
	Threshold  string   `json:"threshold"`
}

// LazyEntityID derives an entity id from the hash of its canonical
// validator-set-plus-threshold JSON (spec §6 "Lazy").
func LazyEntityID(validators []chancrypto.Address, threshold *big.Int) EntityId {
	sorted := make([]string, len(validators))
	for i, v := range validators {
		sorted[i] = v.String()
	}
	sort.Strings(sorted)

	cfg := canonicalConfig{
		Validators: sorted,
		Threshold:  threshold.String(),
	}

	// Marshal error is impossible here: canonicalConfig contains only
	// strings and a slice of strings.
	encoded, _ := json.Marshal(cfg)
	return chancrypto.HashBytes(encoded)
}

// NumberedEntityID derives an entity id from a small externally-registered
// ordinal n in [1, 10^6) (spec §6 "Numbered").
func NumberedEntityID(n uint64) (EntityId, error) {
	if n == 0 || n >= 1_000_000 {
		return EntityId{}, fmt.Errorf(
			"consensus: numbered entity ordinal %d out of [1, 10^6)", n)
	}

	var id EntityId
	big.NewInt(0).SetUint64(n).FillBytes(id[:])
	return id, nil
}

// NamedEntityID derives an entity id from the hash of an ASCII name (spec §6
// "Named").
func NamedEntityID(name string) EntityId {
	return chancrypto.HashBytes([]byte(name))
}

// entityIdHexPattern matches a 66-char 0x-prefixed hex string: the shared
// wire shape of all three EntityId derivations.
var entityIdHexPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// DetectKind classifies s per spec §6's exact detection rule: a 66-char
// 0x-prefixed hex string whose big-endian integer lies in (0, 10^6) is
// numbered; any other 66-char 0x-prefixed hex is lazy; any other string is
// treated as an ASCII name.
func DetectKind(s string) EntityIdKind {
	if !entityIdHexPattern.MatchString(s) {
		return KindNamed
	}

	n := new(big.Int)
	n.SetString(s[2:], 16)

	if n.Sign() > 0 && n.Cmp(numberedMax) < 0 {
		return KindNumbered
	}
	return KindLazy
}
