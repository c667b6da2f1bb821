package consensus

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/wire"
)

// TxKind tags the variant of an EntityTransaction (spec §3.8). Using TLV
// here rather than a fixed struct lets an old validator at least recognize
// an unknown Kind as "unknown, reject" instead of misparsing a newer
// variant's payload -- the lockstep-upgrade discipline spec §9 calls for.
type TxKind uint64

const (
	TxChat TxKind = iota
	TxPropose
	TxVote
	TxChannelUpdate
	TxHTLCLock
	TxHTLCSettle
	TxHTLCRefund
)

func (k TxKind) String() string {
	switch k {
	case TxChat:
		return "chat"
	case TxPropose:
		return "propose"
	case TxVote:
		return "vote"
	case TxChannelUpdate:
		return "channel_update"
	case TxHTLCLock:
		return "htlc_lock"
	case TxHTLCSettle:
		return "htlc_settle"
	case TxHTLCRefund:
		return "htlc_refund"
	default:
		return "<unknown tx kind>"
	}
}

// Tx is one entity transaction: a signer-authenticated, nonce-ordered,
// tagged-variant command (spec §3.8). Payload is the kind-specific TLV
// encoding of the variant's fields, produced by the Encode* helpers below
// and consumed by apply via the matching Decode* helper.
type Tx struct {
	Signer  chancrypto.Address
	Nonce   uint64
	Kind    TxKind
	Payload []byte
	Sig     chancrypto.Signature
}

// signedBytes returns the byte string a Tx's signature covers: every field
// except the signature itself.
func (t Tx) signedBytes() []byte {
	var buf bytes.Buffer
	wire.PutAddress(&buf, t.Signer)
	wire.PutUint64(&buf, t.Nonce)
	wire.PutUint64(&buf, uint64(t.Kind))
	buf.Write(t.Payload)
	return buf.Bytes()
}

// Hash returns the tx's content hash, the third component of the canonical
// proposer ordering tuple (signer, nonce, hash) (spec §4.5 step 2).
func (t Tx) Hash() chancrypto.Hash {
	return chancrypto.HashBytes(t.signedBytes())
}

// Sign signs t with wallet, which must be t's declared Signer.
func Sign(wallet *chancrypto.Wallet, t Tx) (Tx, error) {
	if wallet.Address() != t.Signer {
		return Tx{}, fmt.Errorf("%w: wallet address does not match tx signer",
			ErrValidation)
	}
	t.Sig = wallet.Sign(t.signedBytes())
	return t, nil
}

// VerifySignature reports whether t.Sig validly signs t's content under
// t.Signer.
func VerifySignature(t Tx) bool {
	if t.Sig == nil {
		return false
	}
	return chancrypto.Verify(t.Sig, t.signedBytes(), t.Signer)
}

// sortTxsCanonical orders txs ascending by (signer, nonce, hash), the fixed
// tuple the proposer must use when drafting a frame (spec §4.5 step 2) --
// this is what makes apply deterministic across validators regardless of
// the order transactions arrived in each one's mempool.
func sortTxsCanonical(txs []Tx) []Tx {
	sorted := make([]Tx, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Signer != b.Signer {
			return a.Signer.Less(b.Signer)
		}
		if a.Nonce != b.Nonce {
			return a.Nonce < b.Nonce
		}
		ah, bh := a.Hash(), b.Hash()
		return bytes.Compare(ah[:], bh[:]) < 0
	})
	return sorted
}

// --- payload variants (spec §3.8) ---

// Chat is the payload of a TxChat transaction.
type Chat struct {
	Message string
}

// Propose is the payload of a TxPropose transaction.
type Propose struct {
	Action string
}

// VoteChoice is a governance vote's choice (spec §3.8: "choice ∈ {yes,no}").
type VoteChoice uint8

const (
	VoteNo VoteChoice = iota
	VoteYes
)

// Vote is the payload of a TxVote transaction.
type Vote struct {
	ProposalID uint64
	Choice     VoteChoice
}

// HTLCLock is the payload of a TxHTLCLock transaction: a request to reserve
// an HTLC against ChannelID. Hashlock and Timelock are provided by the
// caller rather than derived locally, per spec §4.5 "Deterministic apply":
// "all randomness... must be... provided in the transaction itself".
type HTLCLock struct {
	ChannelID uint64
	TokenID   uint32
	Amount    *big.Int
	Direction chanstate.HTLCDirection
	Hashlock  chancrypto.Hash
	Timelock  int64
}

// HTLCSettle is the payload of a TxHTLCSettle transaction.
type HTLCSettle struct {
	ChannelID uint64
	HTLCID    uint64
	Preimage  [32]byte
}

// HTLCRefund is the payload of a TxHTLCRefund transaction.
type HTLCRefund struct {
	ChannelID uint64
	HTLCID    uint64
}

// ChannelUpdate is the payload of a TxChannelUpdate transaction: a fully
// co-signed channel state to install for ChannelID within this entity's
// arena (spec §9: "channels reference participants by address only...
// actual channel data lives in the entity owning it"). StateBytes is a
// JSON-encoded chanstate.Channel (see state.go's channelJSON).
type ChannelUpdate struct {
	ChannelID  uint64
	StateBytes []byte
}

// TLV field tags for payload encoding. Each payload variant uses a private
// contiguous range so decoders never need cross-variant disambiguation --
// the outer Tx.Kind already says which decoder to call.
const (
	fieldChatMessage uint64 = iota

	fieldProposeAction

	fieldVoteProposalID
	fieldVoteChoice

	fieldHTLCLockChannelID
	fieldHTLCLockTokenID
	fieldHTLCLockAmount
	fieldHTLCLockDirection
	fieldHTLCLockHashlock
	fieldHTLCLockTimelock

	fieldHTLCSettleChannelID
	fieldHTLCSettleHTLCID
	fieldHTLCSettlePreimage

	fieldHTLCRefundChannelID
	fieldHTLCRefundHTLCID

	fieldChannelUpdateChannelID
	fieldChannelUpdateStateBytes
)

func u64Record(typ, v uint64) wire.Record {
	var buf bytes.Buffer
	wire.PutUint64(&buf, v)
	return wire.Record{Type: typ, Value: buf.Bytes()}
}

func readU64(records map[uint64]wire.Record, typ uint64) (uint64, error) {
	rec, ok := records[typ]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %d", ErrMalformedTx, typ)
	}
	return wire.GetUint64(bytes.NewReader(rec.Value))
}

func indexRecords(records []wire.Record) map[uint64]wire.Record {
	m := make(map[uint64]wire.Record, len(records))
	for _, r := range records {
		m[r.Type] = r
	}
	return m
}

// EncodeChat renders a Chat payload.
func EncodeChat(c Chat) ([]byte, error) {
	return wire.EncodeRecordsToBytes([]wire.Record{
		{Type: fieldChatMessage, Value: []byte(c.Message)},
	})
}

// DecodeChat parses a Chat payload.
func DecodeChat(payload []byte) (Chat, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return Chat{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)
	rec, ok := m[fieldChatMessage]
	if !ok {
		return Chat{}, fmt.Errorf("%w: missing chat message", ErrMalformedTx)
	}
	return Chat{Message: string(rec.Value)}, nil
}

// EncodePropose renders a Propose payload.
func EncodePropose(p Propose) ([]byte, error) {
	return wire.EncodeRecordsToBytes([]wire.Record{
		{Type: fieldProposeAction, Value: []byte(p.Action)},
	})
}

// DecodePropose parses a Propose payload.
func DecodePropose(payload []byte) (Propose, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return Propose{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)
	rec, ok := m[fieldProposeAction]
	if !ok {
		return Propose{}, fmt.Errorf("%w: missing propose action", ErrMalformedTx)
	}
	return Propose{Action: string(rec.Value)}, nil
}

// EncodeVote renders a Vote payload.
func EncodeVote(v Vote) ([]byte, error) {
	return wire.EncodeRecordsToBytes([]wire.Record{
		u64Record(fieldVoteProposalID, v.ProposalID),
		u64Record(fieldVoteChoice, uint64(v.Choice)),
	})
}

// DecodeVote parses a Vote payload.
func DecodeVote(payload []byte) (Vote, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return Vote{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)

	proposalID, err := readU64(m, fieldVoteProposalID)
	if err != nil {
		return Vote{}, err
	}
	choice, err := readU64(m, fieldVoteChoice)
	if err != nil {
		return Vote{}, err
	}
	return Vote{ProposalID: proposalID, Choice: VoteChoice(choice)}, nil
}

// EncodeHTLCLock renders an HTLCLock payload.
func EncodeHTLCLock(h HTLCLock) ([]byte, error) {
	var amtBuf bytes.Buffer
	if err := wire.PutUint256(&amtBuf, h.Amount); err != nil {
		return nil, err
	}

	return wire.EncodeRecordsToBytes([]wire.Record{
		u64Record(fieldHTLCLockChannelID, h.ChannelID),
		u64Record(fieldHTLCLockTokenID, uint64(h.TokenID)),
		{Type: fieldHTLCLockAmount, Value: amtBuf.Bytes()},
		u64Record(fieldHTLCLockDirection, uint64(h.Direction)),
		{Type: fieldHTLCLockHashlock, Value: h.Hashlock[:]},
		u64Record(fieldHTLCLockTimelock, uint64(h.Timelock)),
	})
}

// DecodeHTLCLock parses an HTLCLock payload.
func DecodeHTLCLock(payload []byte) (HTLCLock, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return HTLCLock{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)

	channelID, err := readU64(m, fieldHTLCLockChannelID)
	if err != nil {
		return HTLCLock{}, err
	}
	tokenID, err := readU64(m, fieldHTLCLockTokenID)
	if err != nil {
		return HTLCLock{}, err
	}
	amtRec, ok := m[fieldHTLCLockAmount]
	if !ok {
		return HTLCLock{}, fmt.Errorf("%w: missing htlc_lock amount", ErrMalformedTx)
	}
	amount, err := wire.GetUint256(bytes.NewReader(amtRec.Value))
	if err != nil {
		return HTLCLock{}, err
	}
	direction, err := readU64(m, fieldHTLCLockDirection)
	if err != nil {
		return HTLCLock{}, err
	}
	hashlockRec, ok := m[fieldHTLCLockHashlock]
	if !ok {
		return HTLCLock{}, fmt.Errorf("%w: missing htlc_lock hashlock", ErrMalformedTx)
	}
	var hashlock chancrypto.Hash
	copy(hashlock[:], hashlockRec.Value)
	timelock, err := readU64(m, fieldHTLCLockTimelock)
	if err != nil {
		return HTLCLock{}, err
	}

	return HTLCLock{
		ChannelID: channelID,
		TokenID:   uint32(tokenID),
		Amount:    amount,
		Direction: chanstate.HTLCDirection(direction),
		Hashlock:  hashlock,
		Timelock:  int64(timelock),
	}, nil
}

// EncodeHTLCSettle renders an HTLCSettle payload.
func EncodeHTLCSettle(h HTLCSettle) ([]byte, error) {
	return wire.EncodeRecordsToBytes([]wire.Record{
		u64Record(fieldHTLCSettleChannelID, h.ChannelID),
		u64Record(fieldHTLCSettleHTLCID, h.HTLCID),
		{Type: fieldHTLCSettlePreimage, Value: h.Preimage[:]},
	})
}

// DecodeHTLCSettle parses an HTLCSettle payload.
func DecodeHTLCSettle(payload []byte) (HTLCSettle, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return HTLCSettle{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)

	channelID, err := readU64(m, fieldHTLCSettleChannelID)
	if err != nil {
		return HTLCSettle{}, err
	}
	htlcID, err := readU64(m, fieldHTLCSettleHTLCID)
	if err != nil {
		return HTLCSettle{}, err
	}
	preimageRec, ok := m[fieldHTLCSettlePreimage]
	if !ok {
		return HTLCSettle{}, fmt.Errorf("%w: missing htlc_settle preimage", ErrMalformedTx)
	}
	var preimage [32]byte
	copy(preimage[:], preimageRec.Value)

	return HTLCSettle{ChannelID: channelID, HTLCID: htlcID, Preimage: preimage}, nil
}

// EncodeHTLCRefund renders an HTLCRefund payload.
func EncodeHTLCRefund(h HTLCRefund) ([]byte, error) {
	return wire.EncodeRecordsToBytes([]wire.Record{
		u64Record(fieldHTLCRefundChannelID, h.ChannelID),
		u64Record(fieldHTLCRefundHTLCID, h.HTLCID),
	})
}

// DecodeHTLCRefund parses an HTLCRefund payload.
func DecodeHTLCRefund(payload []byte) (HTLCRefund, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return HTLCRefund{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)

	channelID, err := readU64(m, fieldHTLCRefundChannelID)
	if err != nil {
		return HTLCRefund{}, err
	}
	htlcID, err := readU64(m, fieldHTLCRefundHTLCID)
	if err != nil {
		return HTLCRefund{}, err
	}
	return HTLCRefund{ChannelID: channelID, HTLCID: htlcID}, nil
}

// EncodeChannelUpdate renders a ChannelUpdate payload.
func EncodeChannelUpdate(c ChannelUpdate) ([]byte, error) {
	return wire.EncodeRecordsToBytes([]wire.Record{
		u64Record(fieldChannelUpdateChannelID, c.ChannelID),
		{Type: fieldChannelUpdateStateBytes, Value: c.StateBytes},
	})
}

// DecodeChannelUpdate parses a ChannelUpdate payload.
func DecodeChannelUpdate(payload []byte) (ChannelUpdate, error) {
	records, err := wire.DecodeRecords(bytes.NewReader(payload))
	if err != nil {
		return ChannelUpdate{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	m := indexRecords(records)

	channelID, err := readU64(m, fieldChannelUpdateChannelID)
	if err != nil {
		return ChannelUpdate{}, err
	}
	rec, ok := m[fieldChannelUpdateStateBytes]
	if !ok {
		return ChannelUpdate{}, fmt.Errorf("%w: missing channel_update state", ErrMalformedTx)
	}
	return ChannelUpdate{ChannelID: channelID, StateBytes: rec.Value}, nil
}
