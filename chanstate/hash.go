package chanstate

import (
	"bytes"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/wire"
)

// StateHash computes the canonical, deterministic hash of a channel's
// current state: participants in their fixed (left, right) order,
// subchannels sorted ascending by token_id, nonce, then pending HTLCs
// sorted ascending by id. Field order is fixed and independent of map
// insertion order (spec §4.1).
//
// This is deliberately NOT built on the TLV codec in package wire (see
// DESIGN.md §2): the spec demands a fixed-width, bit-exact preimage, and a
// hand-rolled big-endian encoder over wire.PutUint256/PutAddress gives that
// directly.
//
// PutUint256's overflow error is discarded below: Collateral,
// LeftCreditLimit and RightCreditLimit are bounds-checked against the same
// 256-bit field at the two points they ever enter a Channel (Open,
// FromParts), and OnDelta/OffDelta/HTLC amounts can only move within those
// bounds, so an overflow here would mean one of those checks regressed, not
// a condition StateHash itself needs to handle.
func StateHash(ch *Channel) chancrypto.Hash {
	var buf bytes.Buffer

	wire.PutAddress(&buf, ch.Left)
	wire.PutAddress(&buf, ch.Right)

	ids := ch.sortedTokenIDs()
	wire.PutUint64(&buf, uint64(len(ids)))
	for _, id := range ids {
		sub := ch.Subchannels[id]
		wire.PutUint64(&buf, uint64(sub.TokenID))
		_ = wire.PutUint256(&buf, sub.Collateral)
		_ = wire.PutUint256(&buf, sub.OnDelta)
		_ = wire.PutUint256(&buf, sub.OffDelta)
		_ = wire.PutUint256(&buf, sub.LeftCreditLimit)
		_ = wire.PutUint256(&buf, sub.RightCreditLimit)
	}

	wire.PutUint64(&buf, ch.Nonce)

	htlcIDs := ch.sortedHTLCIDs()
	wire.PutUint64(&buf, uint64(len(htlcIDs)))
	for _, id := range htlcIDs {
		h := ch.PendingHTLCs[id]
		wire.PutUint64(&buf, h.ID)
		wire.PutUint64(&buf, uint64(h.TokenID))
		_ = wire.PutUint256(&buf, h.Amount)
		buf.WriteByte(byte(h.Direction))
		buf.Write(h.Hashlock[:])
		wire.PutUint64(&buf, uint64(h.Timelock))
		buf.WriteByte(byte(h.State))
	}

	return chancrypto.HashBytes(buf.Bytes())
}
