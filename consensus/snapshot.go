package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/creditmesh/ledger/chancrypto"
)

// stateSnapshotJSON is the full-state checkpoint form spec §5/§6 calls for:
// "A checkpoint snapshots the full state." It reuses channelJSON per channel
// rather than inventing a second channel encoding.
type stateSnapshotJSON struct {
	Height    uint64
	Timestamp int64
	Messages  []string
	Proposals []proposalJSON
	Nonces    []nonceJSON
	Channels  map[uint64]channelJSON

	NextProposalID uint64
}

type proposalJSON struct {
	ID       uint64
	Proposer string
	Action   string
	Status   ProposalStatus
	Votes    []voteJSON
}

type voteJSON struct {
	Voter  string
	Choice VoteChoice
}

type nonceJSON struct {
	Signer string
	Nonce  uint64
}

// EncodeStateSnapshot renders a full checkpoint of s, suitable for
// entitydb's atomic-rename snapshot file (spec §6 "state.snapshot").
func EncodeStateSnapshot(s *EntityState) ([]byte, error) {
	proposals := make([]proposalJSON, 0, len(s.Proposals))
	for _, id := range s.sortedProposalIDs() {
		p := s.Proposals[id]

		votes := make([]voteJSON, 0, len(p.Votes))
		voters := make([]chancrypto.Address, 0, len(p.Votes))
		for v := range p.Votes {
			voters = append(voters, v)
		}
		for _, v := range sortAddresses(voters) {
			votes = append(votes, voteJSON{Voter: v.String(), Choice: p.Votes[v]})
		}

		proposals = append(proposals, proposalJSON{
			ID:       p.ID,
			Proposer: p.Proposer.String(),
			Action:   p.Action,
			Status:   p.Status,
			Votes:    votes,
		})
	}

	nonces := make([]nonceJSON, 0, len(s.Nonces))
	for _, a := range s.sortedNonceSigners() {
		nonces = append(nonces, nonceJSON{Signer: a.String(), Nonce: s.Nonces[a]})
	}

	channels := make(map[uint64]channelJSON, len(s.Channels))
	for _, id := range s.sortedChannelIDs() {
		cj, err := channelToJSON(s.Channels[id])
		if err != nil {
			return nil, err
		}
		channels[id] = cj
	}

	return json.Marshal(stateSnapshotJSON{
		Height:         s.Height,
		Timestamp:      s.Timestamp,
		Messages:       append([]string(nil), s.Messages...),
		Proposals:      proposals,
		Nonces:         nonces,
		Channels:       channels,
		NextProposalID: s.nextProposalID,
	})
}

// DecodeStateSnapshot parses a checkpoint previously produced by
// EncodeStateSnapshot.
func DecodeStateSnapshot(data []byte) (*EntityState, error) {
	var snap stateSnapshotJSON
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	state := NewEntityState()
	state.Height = snap.Height
	state.Timestamp = snap.Timestamp
	state.Messages = append([]string(nil), snap.Messages...)
	state.nextProposalID = snap.NextProposalID

	for _, p := range snap.Proposals {
		proposer, err := chancrypto.ParseAddress(p.Proposer)
		if err != nil {
			return nil, err
		}
		votes := make(map[chancrypto.Address]VoteChoice, len(p.Votes))
		for _, v := range p.Votes {
			voter, err := chancrypto.ParseAddress(v.Voter)
			if err != nil {
				return nil, err
			}
			votes[voter] = v.Choice
		}
		state.Proposals[p.ID] = &Proposal{
			ID:       p.ID,
			Proposer: proposer,
			Action:   p.Action,
			Status:   p.Status,
			Votes:    votes,
		}
	}

	for _, n := range snap.Nonces {
		signer, err := chancrypto.ParseAddress(n.Signer)
		if err != nil {
			return nil, err
		}
		state.Nonces[signer] = n.Nonce
	}

	for id, cj := range snap.Channels {
		ch, err := channelFromJSON(cj)
		if err != nil {
			return nil, err
		}
		state.Channels[id] = ch
	}

	return state, nil
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
