package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func testPeer(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func testGame(b byte) types.GameId {
	var g types.GameId
	g[0] = b
	return g
}

func TestStateEncodeDecodeRoundTrip(t *testing.T) {
	gid := testGame(1)
	participants := []types.PeerId{testPeer(3), testPeer(1), testPeer(2)}
	s := NewState(gid, participants, 500)
	s.OpenBets = append(s.OpenBets, Bet{ID: [16]byte{1}, Player: testPeer(1), GameID: gid, BetType: "pass", Amount: 50, Timestamp: 10})
	roll := DiceRoll{Die1: 3, Die2: 4}
	s.LastRoll = &roll
	s.Phase = PhasePoint
	s.PointValue = 7

	raw := s.Encode()
	got, err := Decode(raw)
	require.NoError(t, err)

	require.Equal(t, types.SortPeers(participants), got.Participants)
	require.Equal(t, types.Tokens(500), got.Balances[testPeer(1)])
	require.Len(t, got.OpenBets, 1)
	require.Equal(t, "pass", got.OpenBets[0].BetType)
	require.Equal(t, gid, got.OpenBets[0].GameID)
	require.Equal(t, PhasePoint, got.Phase)
	require.Equal(t, 7, got.PointValue)
	require.NotNil(t, got.LastRoll)
	require.Equal(t, roll, *got.LastRoll)
}

func TestStateEncodeIsOrderIndependent(t *testing.T) {
	gid := testGame(2)
	a := []types.PeerId{testPeer(1), testPeer(2), testPeer(3)}
	b := []types.PeerId{testPeer(3), testPeer(2), testPeer(1)}
	sa := NewState(gid, a, 100)
	sb := NewState(gid, b, 100)
	require.Equal(t, sa.Encode(), sb.Encode())
}

func TestDiceRollTotal(t *testing.T) {
	r := DiceRoll{Die1: 4, Die2: 6}
	require.Equal(t, 10, r.Total())
}
