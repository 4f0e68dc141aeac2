package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

func peerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func gameID(b byte) types.GameId {
	var g types.GameId
	g[0] = b
	return g
}

// appendApply is the simplest deterministic ApplyFunc: state grows by
// the operation's data bytes.
func appendApply(state State, op Operation) (State, error) {
	return append(append(State{}, state...), op.Data...), nil
}

func newTestEngine(t *testing.T, self types.PeerId, participants []types.PeerId, sink *[]Message) *Engine {
	t.Helper()
	cfg := Config{
		GameID:       gameID(1),
		Self:         self,
		Participants: participants,
		Apply:        appendApply,
	}
	if sink != nil {
		cfg.Broadcast = func(m Message) { *sink = append(*sink, m) }
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestQuorumBoundaries(t *testing.T) {
	assert.Equal(t, 1, Quorum(1))
	assert.Equal(t, 2, Quorum(2))
	assert.Equal(t, 3, Quorum(3))
	assert.Equal(t, 3, Quorum(4))
	assert.Equal(t, 7, Quorum(10))
}

func TestSingleParticipantCommitsImmediately(t *testing.T) {
	self := peerID(1)
	e := newTestEngine(t, self, []types.PeerId{self}, nil)

	_, err := e.SubmitOperation(Operation{Kind: "PlaceBet", GameID: gameID(1), Nonce: 1, Data: []byte("bet")})
	require.NoError(t, err)

	state, seq, hash := e.CurrentState()
	assert.EqualValues(t, 1, seq)
	assert.Equal(t, State("bet"), state)
	assert.Equal(t, StateHash(gameID(1), 1, state), hash)
}

func TestTwoParticipantsRequireBothVotes(t *testing.T) {
	self, other := peerID(1), peerID(2)
	var sent []Message
	e := newTestEngine(t, self, []types.PeerId{self, other}, &sent)

	id, err := e.SubmitOperation(Operation{Kind: "PlaceBet", GameID: gameID(1), Nonce: 1, Data: []byte("x")})
	require.NoError(t, err)
	_, seq, _ := e.CurrentState()
	assert.EqualValues(t, 0, seq, "own vote alone is not a quorum of 2")

	require.NoError(t, e.HandleMessage(Vote{GameID: gameID(1), ProposalID: id, Voter: other, Decision: VoteFor}))
	_, seq, _ = e.CurrentState()
	assert.EqualValues(t, 0, seq, "vote quorum broadcasts a commit, which itself needs a quorum")

	// mirror the commit the peer would send after seeing the same votes
	var ourCommit Commit
	for _, m := range sent {
		if c, ok := m.(Commit); ok {
			ourCommit = c
		}
	}
	require.NotZero(t, ourCommit.Sequence)
	theirCommit := ourCommit
	theirCommit.Committer = other
	require.NoError(t, e.HandleMessage(theirCommit))

	state, seq, hash := e.CurrentState()
	assert.EqualValues(t, 1, seq)
	assert.Equal(t, State("x"), state)
	assert.Equal(t, ourCommit.StateHash, hash)
}

func TestSequenceMonotonePerCommit(t *testing.T) {
	self := peerID(1)
	e := newTestEngine(t, self, []types.PeerId{self}, nil)
	for i := byte(1); i <= 3; i++ {
		_, err := e.SubmitOperation(Operation{Kind: "PlaceBet", GameID: gameID(1), Nonce: uint64(i), Data: []byte{i}})
		require.NoError(t, err)
		state, seq, hash := e.CurrentState()
		assert.EqualValues(t, i, seq)
		assert.Equal(t, StateHash(gameID(1), uint64(i), state), hash)
	}
}

func TestDuplicateVoteIgnoredAndReported(t *testing.T) {
	self, other, third := peerID(1), peerID(2), peerID(3)
	var doubled []types.PeerId
	cfg := Config{
		GameID:          gameID(1),
		Self:            self,
		Participants:    []types.PeerId{self, other, third},
		Apply:           appendApply,
		OnDuplicateVote: func(v types.PeerId) { doubled = append(doubled, v) },
	}
	e, err := New(cfg)
	require.NoError(t, err)

	id, err := e.SubmitOperation(Operation{Kind: "PlaceBet", GameID: gameID(1), Nonce: 1, Data: []byte("x")})
	require.NoError(t, err)

	vote := Vote{GameID: gameID(1), ProposalID: id, Voter: other, Decision: VoteFor}
	require.NoError(t, e.HandleMessage(vote))
	err = e.HandleMessage(vote)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bcerr.ErrDuplicateVote))
	assert.Equal(t, []types.PeerId{other}, doubled)
}

func TestProposalFromNonParticipantDropped(t *testing.T) {
	self := peerID(1)
	var sent []Message
	e := newTestEngine(t, self, []types.PeerId{self, peerID(2)}, &sent)

	outsider := peerID(9)
	err := e.HandleMessage(Proposal{GameID: gameID(1), ProposalID: 0, Proposer: outsider, Op: Operation{Kind: "PlaceBet", Data: []byte("x")}})
	require.NoError(t, err)
	assert.Empty(t, sent, "no vote may be cast on an outsider's proposal")
}

func TestDivergentCommitQuorumRejected(t *testing.T) {
	self := peerID(1)
	participants := []types.PeerId{self, peerID(2), peerID(3), peerID(4)}
	var sent []Message
	e := newTestEngine(t, self, participants, &sent)

	id, err := e.SubmitOperation(Operation{Kind: "PlaceBet", GameID: gameID(1), Nonce: 1, Data: []byte("x")})
	require.NoError(t, err)
	for _, p := range participants[1:3] {
		require.NoError(t, e.HandleMessage(Vote{GameID: gameID(1), ProposalID: id, Voter: p, Decision: VoteFor}))
	}

	// three peers agree on a fabricated hash; applying locally yields a
	// different one, so the quorum must be refused rather than trusted
	bogus := types.Hash256{0xDE, 0xAD}
	var lastErr error
	for _, p := range participants[1:] {
		lastErr = e.HandleMessage(Commit{GameID: gameID(1), ProposalID: id, Sequence: 1, StateHash: bogus, Committer: p})
	}
	require.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, bcerr.ErrDivergentCommit))
	_, seq, _ := e.CurrentState()
	assert.EqualValues(t, 0, seq)
}

func TestViewChangeAdvancesRoundOnQuorum(t *testing.T) {
	self, b, c := peerID(1), peerID(2), peerID(3)
	var sent []Message
	e := newTestEngine(t, self, []types.PeerId{self, b, c}, &sent)
	e.viewChangeTimeout = time.Second
	start := e.lastProgress

	assert.False(t, e.CheckProgress(start.Add(500*time.Millisecond)))
	assert.True(t, e.CheckProgress(start.Add(2*time.Second)))
	assert.EqualValues(t, 0, e.Round(), "own view-change vote alone is not a quorum")

	require.NoError(t, e.HandleMessage(ViewChange{GameID: gameID(1), Round: 0, Voter: b}))
	require.NoError(t, e.HandleMessage(ViewChange{GameID: gameID(1), Round: 0, Voter: c}))
	assert.EqualValues(t, 1, e.Round())
}

func TestInstallStateRejectsStaleSequence(t *testing.T) {
	self := peerID(1)
	e := newTestEngine(t, self, []types.PeerId{self}, nil)
	_, err := e.SubmitOperation(Operation{Kind: "PlaceBet", GameID: gameID(1), Nonce: 1, Data: []byte("x")})
	require.NoError(t, err)

	err = e.InstallState(State("older"), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bcerr.ErrStaleState))

	require.NoError(t, e.InstallState(State("synced"), 9))
	state, seq, hash := e.CurrentState()
	assert.EqualValues(t, 9, seq)
	assert.Equal(t, State("synced"), state)
	assert.Equal(t, StateHash(gameID(1), 9, state), hash)
}
