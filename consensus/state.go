package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/creditmesh/ledger/chancrypto"
	"github.com/creditmesh/ledger/chanstate"
	"github.com/creditmesh/ledger/wire"
)

// ProposalStatus is a governance proposal's lifecycle stage (spec §4.6).
type ProposalStatus uint8

const (
	ProposalPending ProposalStatus = iota
	ProposalExecuted
	ProposalRejected
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalExecuted:
		return "executed"
	case ProposalRejected:
		return "rejected"
	default:
		return "<unknown proposal status>"
	}
}

// Proposal is an in-flight or resolved governance proposal (spec §4.6).
type Proposal struct {
	ID       uint64
	Proposer chancrypto.Address
	Action   string
	Status   ProposalStatus
	Votes    map[chancrypto.Address]VoteChoice
}

func (p *Proposal) clone() *Proposal {
	votes := make(map[chancrypto.Address]VoteChoice, len(p.Votes))
	for k, v := range p.Votes {
		votes[k] = v
	}
	return &Proposal{ID: p.ID, Proposer: p.Proposer, Action: p.Action, Status: p.Status, Votes: votes}
}

// EntityState is the full replicated state of one entity (spec §3.6):
// height, an append-only message log, in-flight and resolved governance
// proposals, per-signer anti-replay nonces, and the arena of channels this
// entity owns (spec §9: channels live inside their owning entity, not in a
// global table, which is how this module breaks the channel<->hub cyclic
// reference without garbage-collected shared pointers).
type EntityState struct {
	Height    uint64
	Timestamp int64
	Messages  []string
	Proposals map[uint64]*Proposal
	Nonces    map[chancrypto.Address]uint64
	Channels  map[uint64]*chanstate.Channel

	nextProposalID uint64
}

// NewEntityState returns the empty genesis state at height 0.
func NewEntityState() *EntityState {
	return &EntityState{
		Proposals: make(map[uint64]*Proposal),
		Nonces:    make(map[chancrypto.Address]uint64),
		Channels:  make(map[uint64]*chanstate.Channel),
	}
}

// clone returns a deep copy, so apply can build the successor state without
// aliasing the one a caller might still be holding a reference to.
func (s *EntityState) clone() *EntityState {
	messages := append([]string(nil), s.Messages...)

	proposals := make(map[uint64]*Proposal, len(s.Proposals))
	for id, p := range s.Proposals {
		proposals[id] = p.clone()
	}

	nonces := make(map[chancrypto.Address]uint64, len(s.Nonces))
	for k, v := range s.Nonces {
		nonces[k] = v
	}

	channels := make(map[uint64]*chanstate.Channel, len(s.Channels))
	for id, ch := range s.Channels {
		channels[id] = ch
	}

	return &EntityState{
		Height:         s.Height,
		Timestamp:      s.Timestamp,
		Messages:       messages,
		Proposals:      proposals,
		Nonces:         nonces,
		Channels:       channels,
		nextProposalID: s.nextProposalID,
	}
}

// sortedProposalIDs returns proposal ids ascending, the canonical order for
// state hashing.
func (s *EntityState) sortedProposalIDs() []uint64 {
	ids := make([]uint64, 0, len(s.Proposals))
	for id := range s.Proposals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// sortedNonceSigners returns nonce-map signers in canonical address order.
func (s *EntityState) sortedNonceSigners() []chancrypto.Address {
	addrs := make([]chancrypto.Address, 0, len(s.Nonces))
	for a := range s.Nonces {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}

// sortedChannelIDs returns channel ids ascending, the canonical order for
// state hashing.
func (s *EntityState) sortedChannelIDs() []uint64 {
	ids := make([]uint64, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StateHash computes the canonical deterministic hash of an EntityState:
// height, timestamp, messages in append order, proposals sorted by id (each
// with its votes sorted by voter address), nonces sorted by signer, and
// channels sorted by id (each contributing its own chanstate.StateHash
// rather than a full re-encoding, since a channel's canonical encoding is
// already fully specified there).
func StateHash(s *EntityState) chancrypto.Hash {
	var buf bytes.Buffer

	wire.PutUint64(&buf, s.Height)
	wire.PutUint64(&buf, uint64(s.Timestamp))

	wire.PutUint64(&buf, uint64(len(s.Messages)))
	for _, m := range s.Messages {
		wire.PutUint64(&buf, uint64(len(m)))
		buf.WriteString(m)
	}

	proposalIDs := s.sortedProposalIDs()
	wire.PutUint64(&buf, uint64(len(proposalIDs)))
	for _, id := range proposalIDs {
		p := s.Proposals[id]
		wire.PutUint64(&buf, p.ID)
		wire.PutAddress(&buf, p.Proposer)
		wire.PutUint64(&buf, uint64(len(p.Action)))
		buf.WriteString(p.Action)
		buf.WriteByte(byte(p.Status))

		voters := make([]chancrypto.Address, 0, len(p.Votes))
		for v := range p.Votes {
			voters = append(voters, v)
		}
		sort.Slice(voters, func(i, j int) bool { return voters[i].Less(voters[j]) })
		wire.PutUint64(&buf, uint64(len(voters)))
		for _, v := range voters {
			wire.PutAddress(&buf, v)
			buf.WriteByte(byte(p.Votes[v]))
		}
	}

	signers := s.sortedNonceSigners()
	wire.PutUint64(&buf, uint64(len(signers)))
	for _, a := range signers {
		wire.PutAddress(&buf, a)
		wire.PutUint64(&buf, s.Nonces[a])
	}

	channelIDs := s.sortedChannelIDs()
	wire.PutUint64(&buf, uint64(len(channelIDs)))
	for _, id := range channelIDs {
		wire.PutUint64(&buf, id)
		chHash := chanstate.StateHash(s.Channels[id])
		buf.Write(chHash[:])
	}

	return chancrypto.HashBytes(buf.Bytes())
}

// channelJSON is the storage-oriented reference JSON form spec §6 calls for
// ("A reference JSON form is specified for storage"), used to carry a
// channel's co-signed state inside a ChannelUpdate tx payload.
type channelJSON struct {
	Left, Right  string
	Subchannels  []subchannelJSON
	Nonce        uint64
	SigLeft      []byte
	SigRight     []byte
	PendingHTLCs []htlcJSON
	NextHTLCID   uint64
	Status       chanstate.Status
}

type subchannelJSON struct {
	TokenID          uint32
	Collateral       string
	OnDelta          string
	OffDelta         string
	LeftCreditLimit  string
	RightCreditLimit string
}

type htlcJSON struct {
	ID        uint64
	TokenID   uint32
	Amount    string
	Direction chanstate.HTLCDirection
	Hashlock  chancrypto.Hash
	Timelock  int64
	State     chanstate.HTLCState
}

// ReplayFrames re-applies an ordered sequence of already-committed frames on
// top of state, trusting each frame's declared new_state_hash rather than
// re-verifying precommit signatures or threshold share -- the fact that a
// frame reached entitydb's frame_commit log is itself proof it once reached
// threshold. Used by recovery paths with no local validator identity of
// their own (read-only tooling) as well as by Entity.ReplayFrame, which
// wraps this for a single frame under its own state mutex.
func ReplayFrames(state *EntityState, cfg Config, frames []*Frame) (*EntityState, error) {
	for _, f := range frames {
		if f.Height != state.Height+1 {
			return nil, fmt.Errorf("%w: replay frame height %d, expected %d",
				ErrStaleHeight, f.Height, state.Height+1)
		}

		next, err := apply(state, f.Txs, cfg, f.ProposedAt)
		if err != nil {
			return nil, err
		}
		if StateHash(next) != f.NewStateHash {
			return nil, fmt.Errorf("%w: replayed frame at height %d disagrees with its own new_state_hash",
				ErrStateHashMismatch, f.Height)
		}
		state = next
	}
	return state, nil
}

// apply is the deterministic effect function spec §4.5 calls `apply`: given
// a state and an ordered batch of txs, it produces the successor state.
// Identical inputs produce an identical output on every validator -- no
// step here reads a local clock or RNG; time-gated operations use
// proposedAt, which travels with the frame.
func apply(state *EntityState, txs []Tx, cfg Config, proposedAt int64) (*EntityState, error) {
	next := state.clone()
	next.Height++
	next.Timestamp = proposedAt

	clk := clock.NewTestClock(time.Unix(proposedAt, 0))

	for _, tx := range txs {
		if err := applyOne(next, tx, cfg, clk); err != nil {
			return nil, err
		}
	}

	return next, nil
}

func applyOne(state *EntityState, tx Tx, cfg Config, clk clock.Clock) error {
	if !VerifySignature(tx) {
		return fmt.Errorf("%w: tx from %v", ErrInvalidSignature, tx.Signer)
	}

	lastNonce, seen := state.Nonces[tx.Signer]
	if seen && tx.Nonce <= lastNonce {
		return fmt.Errorf("%w: signer %v nonce %d, last used %d",
			ErrNonceReplay, tx.Signer, tx.Nonce, lastNonce)
	}
	state.Nonces[tx.Signer] = tx.Nonce

	switch tx.Kind {
	case TxChat:
		chat, err := DecodeChat(tx.Payload)
		if err != nil {
			return err
		}
		state.Messages = append(state.Messages, chat.Message)
		return nil

	case TxPropose:
		propose, err := DecodePropose(tx.Payload)
		if err != nil {
			return err
		}
		id := state.nextProposalID
		state.nextProposalID++
		state.Proposals[id] = &Proposal{
			ID:       id,
			Proposer: tx.Signer,
			Action:   propose.Action,
			Status:   ProposalPending,
			Votes:    make(map[chancrypto.Address]VoteChoice),
		}
		return nil

	case TxVote:
		vote, err := DecodeVote(tx.Payload)
		if err != nil {
			return err
		}
		return applyVote(state, cfg, tx.Signer, vote)

	case TxHTLCLock:
		lock, err := DecodeHTLCLock(tx.Payload)
		if err != nil {
			return err
		}
		ch, ok := state.Channels[lock.ChannelID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownChannel, lock.ChannelID)
		}
		next, err := chanstate.OpenHTLC(ch, chanstate.HTLCSpec{
			TokenID:   lock.TokenID,
			Amount:    lock.Amount,
			Direction: lock.Direction,
			Hashlock:  lock.Hashlock,
			Timelock:  lock.Timelock,
		})
		if err != nil {
			return err
		}
		state.Channels[lock.ChannelID] = next
		return nil

	case TxHTLCSettle:
		settle, err := DecodeHTLCSettle(tx.Payload)
		if err != nil {
			return err
		}
		ch, ok := state.Channels[settle.ChannelID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownChannel, settle.ChannelID)
		}
		next, err := chanstate.SettleHTLC(ch, settle.HTLCID, settle.Preimage, clk)
		if err != nil {
			return err
		}
		state.Channels[settle.ChannelID] = next
		return nil

	case TxHTLCRefund:
		refund, err := DecodeHTLCRefund(tx.Payload)
		if err != nil {
			return err
		}
		ch, ok := state.Channels[refund.ChannelID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownChannel, refund.ChannelID)
		}
		next, err := chanstate.RefundHTLC(ch, refund.HTLCID, clk)
		if err != nil {
			return err
		}
		state.Channels[refund.ChannelID] = next
		return nil

	case TxChannelUpdate:
		update, err := DecodeChannelUpdate(tx.Payload)
		if err != nil {
			return err
		}
		ch, err := decodeChannelJSON(update.StateBytes)
		if err != nil {
			return err
		}
		if !chanstate.VerifySignatures(ch) {
			return fmt.Errorf("%w: channel_update %d not fully co-signed",
				ErrValidation, update.ChannelID)
		}
		state.Channels[update.ChannelID] = ch
		return nil

	default:
		return fmt.Errorf("%w: unknown tx kind %d", ErrMalformedTx, tx.Kind)
	}
}

// applyVote records a governance vote and resolves the proposal once enough
// share has committed one way or the other (spec §4.6).
func applyVote(state *EntityState, cfg Config, voter chancrypto.Address, vote Vote) error {
	proposal, ok := state.Proposals[vote.ProposalID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProposal, vote.ProposalID)
	}

	// Votes for already-resolved proposals are ignored, not errors (spec
	// §4.6: "Votes for executed or rejected proposals are ignored").
	if proposal.Status != ProposalPending {
		return nil
	}

	proposal.Votes[voter] = vote.Choice

	yesShare := big.NewInt(0)
	noShare := big.NewInt(0)
	for addr, choice := range proposal.Votes {
		share := cfg.Shares[addr]
		if share == nil {
			continue
		}
		if choice == VoteYes {
			yesShare.Add(yesShare, share)
		} else {
			noShare.Add(noShare, share)
		}
	}

	if yesShare.Cmp(cfg.Threshold) >= 0 {
		proposal.Status = ProposalExecuted
		state.Messages = append(state.Messages,
			fmt.Sprintf("collective_message: %s", proposal.Action))
		return nil
	}

	// Reject as soon as yes can no longer mathematically reach threshold,
	// even if every still-undecided validator later votes yes.
	remaining := new(big.Int).Sub(cfg.TotalShare(), noShare)
	if remaining.Cmp(cfg.Threshold) < 0 {
		proposal.Status = ProposalRejected
	}

	return nil
}

func encodeChannelJSON(ch *chanstate.Channel) ([]byte, error) {
	cj, err := channelToJSON(ch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cj)
}

func decodeChannelJSON(data []byte) (*chanstate.Channel, error) {
	var cj channelJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	return channelFromJSON(cj)
}

// EncodeChannelSnapshot renders ch's reference-JSON encoding for entitydb's
// per-channel snapshot files (spec §6 "channels/<channel_id>.json").
// Exported so callers outside this package never need their own channel
// wire encoding.
func EncodeChannelSnapshot(ch *chanstate.Channel) ([]byte, error) {
	return encodeChannelJSON(ch)
}

// DecodeChannelSnapshot parses a channel previously written by
// EncodeChannelSnapshot.
func DecodeChannelSnapshot(data []byte) (*chanstate.Channel, error) {
	return decodeChannelJSON(data)
}

// channelToJSON renders ch's struct-level reference JSON form, shared by
// encodeChannelJSON (channel_update tx payload) and EncodeStateSnapshot
// (checkpoint).
func channelToJSON(ch *chanstate.Channel) (channelJSON, error) {
	ids := make([]uint32, 0, len(ch.Subchannels))
	for id := range ch.Subchannels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	subs := make([]subchannelJSON, 0, len(ids))
	for _, id := range ids {
		s := ch.Subchannels[id]
		subs = append(subs, subchannelJSON{
			TokenID:          s.TokenID,
			Collateral:       s.Collateral.String(),
			OnDelta:          s.OnDelta.String(),
			OffDelta:         s.OffDelta.String(),
			LeftCreditLimit:  s.LeftCreditLimit.String(),
			RightCreditLimit: s.RightCreditLimit.String(),
		})
	}

	htlcIDs := make([]uint64, 0, len(ch.PendingHTLCs))
	for id := range ch.PendingHTLCs {
		htlcIDs = append(htlcIDs, id)
	}
	sort.Slice(htlcIDs, func(i, j int) bool { return htlcIDs[i] < htlcIDs[j] })

	htlcs := make([]htlcJSON, 0, len(htlcIDs))
	for _, id := range htlcIDs {
		h := ch.PendingHTLCs[id]
		htlcs = append(htlcs, htlcJSON{
			ID:        h.ID,
			TokenID:   h.TokenID,
			Amount:    h.Amount.String(),
			Direction: h.Direction,
			Hashlock:  h.Hashlock,
			Timelock:  h.Timelock,
			State:     h.State,
		})
	}

	return channelJSON{
		Left:         ch.Left.String(),
		Right:        ch.Right.String(),
		Subchannels:  subs,
		Nonce:        ch.Nonce,
		SigLeft:      ch.Signatures[0],
		SigRight:     ch.Signatures[1],
		PendingHTLCs: htlcs,
		NextHTLCID:   ch.LastHTLCID() + 1,
		Status:       ch.Status,
	}, nil
}

// channelFromJSON reconstructs a *chanstate.Channel from its struct-level
// reference JSON form.
func channelFromJSON(cj channelJSON) (*chanstate.Channel, error) {
	left, err := chancrypto.ParseAddress(cj.Left)
	if err != nil {
		return nil, err
	}
	right, err := chancrypto.ParseAddress(cj.Right)
	if err != nil {
		return nil, err
	}

	subs := make(map[uint32]*chanstate.Subchannel, len(cj.Subchannels))
	for _, s := range cj.Subchannels {
		collateral, ok := new(big.Int).SetString(s.Collateral, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad collateral decimal", ErrMalformedTx)
		}
		onDelta, ok := new(big.Int).SetString(s.OnDelta, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad ondelta decimal", ErrMalformedTx)
		}
		offDelta, ok := new(big.Int).SetString(s.OffDelta, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad offdelta decimal", ErrMalformedTx)
		}
		leftLimit, ok := new(big.Int).SetString(s.LeftCreditLimit, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad left_credit_limit decimal", ErrMalformedTx)
		}
		rightLimit, ok := new(big.Int).SetString(s.RightCreditLimit, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad right_credit_limit decimal", ErrMalformedTx)
		}

		subs[s.TokenID] = &chanstate.Subchannel{
			TokenID:          s.TokenID,
			Collateral:       collateral,
			OnDelta:          onDelta,
			OffDelta:         offDelta,
			LeftCreditLimit:  leftLimit,
			RightCreditLimit: rightLimit,
			LeftReserved:     big.NewInt(0),
			RightReserved:    big.NewInt(0),
		}
	}

	htlcs := make(map[uint64]*chanstate.HTLC, len(cj.PendingHTLCs))
	for _, h := range cj.PendingHTLCs {
		amount, ok := new(big.Int).SetString(h.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad htlc amount decimal", ErrMalformedTx)
		}
		htlcs[h.ID] = &chanstate.HTLC{
			ID:        h.ID,
			TokenID:   h.TokenID,
			Amount:    amount,
			Direction: h.Direction,
			Hashlock:  h.Hashlock,
			Timelock:  h.Timelock,
			State:     h.State,
		}

		// Reservations are a derived bookkeeping field, not part of the
		// wire form: recompute them from the pending HTLC set so they
		// can never drift from it (spec §3.4 invariant).
		if h.State != chanstate.HTLCPending {
			continue
		}
		sub, ok := subs[h.TokenID]
		if !ok {
			return nil, fmt.Errorf("%w: htlc %d references unknown token %d",
				ErrMalformedTx, h.ID, h.TokenID)
		}
		if h.Direction == chanstate.DirectionLeftToRight {
			sub.LeftReserved.Add(sub.LeftReserved, amount)
		} else {
			sub.RightReserved.Add(sub.RightReserved, amount)
		}
	}

	return chanstate.FromParts(left, right, subs, cj.Nonce,
		[2]chancrypto.Signature{cj.SigLeft, cj.SigRight}, htlcs, cj.NextHTLCID,
		cj.Status)
}
