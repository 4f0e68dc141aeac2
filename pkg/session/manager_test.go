package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func testParticipants() []types.PeerId {
	return []types.PeerId{testPeer(1), testPeer(2), testPeer(3), testPeer(4)}
}

func TestManagerCreateGameRequiresMinimumParticipants(t *testing.T) {
	m := NewManager(ManagerConfig{Self: testPeer(1)})
	_, err := m.CreateGame([]types.PeerId{testPeer(1), testPeer(2)})
	require.Error(t, err)
}

func TestManagerCreateGamePublishesEvent(t *testing.T) {
	m := NewManager(ManagerConfig{Self: testPeer(1)})
	gid, err := m.CreateGame(testParticipants())
	require.NoError(t, err)
	require.False(t, gid.IsZero())

	select {
	case ev := <-m.Events():
		require.Equal(t, EventGameCreated, ev.Kind)
		require.Equal(t, gid, ev.GameID)
	case <-time.After(time.Second):
		t.Fatal("expected GameCreated event")
	}
}

func TestManagerPlaceBetRejectsOverMax(t *testing.T) {
	m := NewManager(ManagerConfig{Self: testPeer(1), MaxBetAmount: 10})
	gid, err := m.CreateGame(testParticipants())
	require.NoError(t, err)
	<-m.Events() // drain GameCreated

	err = m.PlaceBet(gid, testPeer(1), "pass", 500, 1)
	require.Error(t, err)
}

func TestManagerPlaceBetUnknownGame(t *testing.T) {
	m := NewManager(ManagerConfig{Self: testPeer(1)})
	err := m.PlaceBet(testGame(9), testPeer(1), "pass", 10, 1)
	require.Error(t, err)
}

func TestManagerSnapshotReflectsInitialBalances(t *testing.T) {
	m := NewManager(ManagerConfig{Self: testPeer(1), StartingBalance: 777})
	gid, err := m.CreateGame(testParticipants())
	require.NoError(t, err)
	<-m.Events()

	snap, err := m.Snapshot(gid)
	require.NoError(t, err)
	require.Equal(t, types.Tokens(777), snap.Balances[testPeer(1)])
}
