package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/types"
)

type submitCall struct {
	gameID  types.GameId
	action  string
	round   uint64
	bets    []session.BetGroup
	payouts []session.PayoutEntry
}

// stubSubmitter records SubmitGameAction calls and can be told to
// fail, standing in for the consensus-backed session.Manager.
type stubSubmitter struct {
	calls []submitCall
	fail  bool
}

func (s *stubSubmitter) SubmitGameAction(gameID types.GameId, action string, round uint64, bets []session.BetGroup, payouts []session.PayoutEntry, reason string) (uint64, error) {
	s.calls = append(s.calls, submitCall{gameID: gameID, action: action, round: round, bets: bets, payouts: payouts})
	if s.fail {
		return 0, assert.AnError
	}
	return uint64(len(s.calls)), nil
}

func testGame(b byte) types.GameId {
	var g types.GameId
	g[0] = b
	return g
}

func testPlayer(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func TestAcceptBetRejectsUnknownType(t *testing.T) {
	a := NewAggregator(&stubSubmitter{}, nil, nil)
	_, err := a.AcceptBet(testGame(1), testPlayer(1), "hardways", 10)
	assert.Error(t, err)
	_, err = a.AcceptBet(testGame(1), testPlayer(1), BetPass, 0)
	assert.Error(t, err)
}

func TestRoundProofVerifiesForEveryEntry(t *testing.T) {
	a := NewAggregator(&stubSubmitter{}, nil, nil)
	game := testGame(2)
	for i := byte(1); i <= 5; i++ {
		_, err := a.AcceptBet(game, testPlayer(i), BetPass, types.Tokens(i)*10)
		require.NoError(t, err)
	}

	a.mu.Lock()
	entries := append([]betEntry(nil), a.rounds[game].entries...)
	a.mu.Unlock()

	for i, e := range entries {
		branch, root, ok := roundMerkleProof(entries, i)
		require.True(t, ok)
		assert.True(t, VerifyRoundProof(roundEntryHash(e), i, len(entries), branch, root))
		// a proof for one entry must not verify another leaf
		other := entries[(i+1)%len(entries)]
		assert.False(t, VerifyRoundProof(roundEntryHash(other), i, len(entries), branch, root))
	}
}

func TestProofEndpointDataMatchesTree(t *testing.T) {
	a := NewAggregator(&stubSubmitter{}, nil, nil)
	game := testGame(3)
	_, err := a.AcceptBet(game, testPlayer(1), BetField, 25)
	require.NoError(t, err)

	resp, ok := a.Proof(game, nil, testPlayer(1), BetField, 25)
	require.True(t, ok)
	require.NotNil(t, resp.Proof)
	assert.EqualValues(t, 1, resp.Round)

	_, missing := a.Proof(game, nil, testPlayer(9), BetField, 25)
	assert.False(t, missing)
}

func TestFlushSubmitsOneProposalAndAdvancesRound(t *testing.T) {
	sub := &stubSubmitter{}
	a := NewAggregator(sub, nil, nil)
	game := testGame(4)
	for i := byte(1); i <= 5; i++ {
		_, err := a.AcceptBet(game, testPlayer(i), BetPass, 10)
		require.NoError(t, err)
	}

	a.flushAll()
	require.Len(t, sub.calls, 1)
	call := sub.calls[0]
	assert.Equal(t, "aggregate_bets", call.action)
	assert.EqualValues(t, 1, call.round)
	assert.Len(t, call.bets, 5)

	// the round cleared and the next bet lands in round 2
	seq, err := a.AcceptBet(game, testPlayer(6), BetCome, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)

	// an empty round submits nothing
	sub.calls = nil
	aEmpty := NewAggregator(sub, nil, nil)
	aEmpty.flushAll()
	assert.Empty(t, sub.calls)
}

func TestFlushFailureKeepsRoundForRetry(t *testing.T) {
	sub := &stubSubmitter{fail: true}
	a := NewAggregator(sub, nil, nil)
	game := testGame(5)
	_, err := a.AcceptBet(game, testPlayer(1), BetPass, 10)
	require.NoError(t, err)

	a.flushAll()
	require.Len(t, sub.calls, 1)

	sub.fail = false
	a.flushAll()
	require.Len(t, sub.calls, 2)
	assert.EqualValues(t, 1, sub.calls[1].round, "retried flush resubmits the same round")

	seq, err := a.AcceptBet(game, testPlayer(2), BetPass, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
}

func TestSubmitPayoutsForwardsImmediately(t *testing.T) {
	sub := &stubSubmitter{}
	a := NewAggregator(sub, nil, nil)
	game := testGame(6)
	payouts := []session.PayoutEntry{{Player: testPlayer(1), Amount: 40}}

	require.NoError(t, a.SubmitPayouts(game, payouts, "round settled", 3))
	require.Len(t, sub.calls, 1)
	assert.Equal(t, "payouts", sub.calls[0].action)
	assert.EqualValues(t, 3, sub.calls[0].round)
	assert.Len(t, sub.calls[0].payouts, 1)
}
