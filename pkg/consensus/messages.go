package consensus

import "github.com/bitcraps/bitcraps/pkg/types"

// MessageKind tags a consensus message's concrete type without
// requiring every consumer to type-switch (pkg/bridge routes on this
// plus Game() to find the registered engine).
type MessageKind uint8

const (
	KindProposal MessageKind = iota
	KindVote
	KindCommit
	KindViewChange
	KindHeartbeat
)

// Message is satisfied by Proposal, Vote, Commit, ViewChange and
// Heartbeat.
type Message interface {
	Kind() MessageKind
	Game() types.GameId
}

// VoteDecision is a participant's verdict on a Proposal.
type VoteDecision uint8

const (
	VoteFor VoteDecision = iota
	VoteAgainst
)

// Proposal wraps a submitted Operation with a fresh id for voting.
type Proposal struct {
	GameID     types.GameId
	ProposalID uint64
	Round      uint64
	Proposer   types.PeerId
	Op         Operation
}

func (p Proposal) Kind() MessageKind  { return KindProposal }
func (p Proposal) Game() types.GameId { return p.GameID }

// Vote is a participant's for/against verdict on a Proposal.
type Vote struct {
	GameID     types.GameId
	ProposalID uint64
	Round      uint64
	Voter      types.PeerId
	Decision   VoteDecision
	Reason     string
}

func (v Vote) Kind() MessageKind  { return KindVote }
func (v Vote) Game() types.GameId { return v.GameID }

// Commit is broadcast by a participant once it observes a for-vote
// quorum on a Proposal, carrying the state hash it computed by
// deterministically applying the operation.
type Commit struct {
	GameID     types.GameId
	ProposalID uint64
	Round      uint64
	Sequence   uint64
	StateHash  types.Hash256
	Committer  types.PeerId
}

func (c Commit) Kind() MessageKind  { return KindCommit }
func (c Commit) Game() types.GameId { return c.GameID }

// ViewChange is broadcast when a participant observes no commit
// progress within the round timeout.
type ViewChange struct {
	GameID types.GameId
	Round  uint64
	Voter  types.PeerId
}

func (vc ViewChange) Kind() MessageKind  { return KindViewChange }
func (vc ViewChange) Game() types.GameId { return vc.GameID }

// Heartbeat carries liveness and network-view information between
// participants. pkg/bridge's handler queues it at Low priority and
// delivers it to the game's engine like any other message; the engine
// accepts it and does not fold it into proposal/vote/commit
// bookkeeping.
type Heartbeat struct {
	GameID      types.GameId
	Sender      types.PeerId
	Alive       bool
	NetworkView []types.PeerId
}

func (h Heartbeat) Kind() MessageKind  { return KindHeartbeat }
func (h Heartbeat) Game() types.GameId { return h.GameID }
