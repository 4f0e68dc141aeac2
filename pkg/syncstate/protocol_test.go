package syncstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

func testSessionID(b byte) SessionID {
	var id SessionID
	id[0] = b
	return id
}

func TestSessionEqualRootsCompletesImmediately(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSession(testSessionID(1), true, types.Hash256{0xAA}, now)
	err := s.HandleSyncResponse(SyncResponse{SessionID: s.id, Accepted: false})
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, s.Phase())
}

func TestSessionFullProtocolWalkthrough(t *testing.T) {
	now := time.Unix(1000, 0)
	local := NewTree()
	local.Update(testGameID(1), identity.Hash([]byte("old-state")), 9)

	s := NewSession(testSessionID(2), true, local.RootHash(), now)
	require.Equal(t, PhaseBloomFilterExchange, s.Phase())

	err := s.HandleSyncResponse(SyncResponse{SessionID: s.id, Accepted: true, RemoteRoot: types.Hash256{0xBB}})
	require.NoError(t, err)
	require.Equal(t, PhaseMerkleTreeComparison, s.Phase())

	err = s.HandleMerkleResponse(MerkleResponse{SessionID: s.id, Nodes: []MerkleNodeReport{
		{Hash: types.Hash256{0xCC}},
	}}, local)
	require.NoError(t, err)
	require.Equal(t, PhaseStateRequest, s.Phase())
	require.Contains(t, s.PendingGameIDs(), testGameID(1))

	require.NoError(t, s.BeginStateTransfer())
	require.Equal(t, PhaseStateTransfer, s.Phase())

	newState := []byte("new-state-bytes")
	err = s.VerifyState(GameState{GameID: testGameID(1), Data: newState, StateHash: identity.Hash(newState)})
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, s.Phase())

	stats, ok := s.Complete()
	require.True(t, ok)
	require.Equal(t, 1, stats.GamesSynced)
	require.Equal(t, len(newState), stats.BytesApplied)
}

func TestSessionVerifyStateRejectsHashMismatch(t *testing.T) {
	now := time.Unix(1000, 0)
	local := NewTree()
	local.Update(testGameID(3), identity.Hash([]byte("base")), 4)
	s := NewSession(testSessionID(4), true, local.RootHash(), now)
	require.NoError(t, s.HandleSyncResponse(SyncResponse{SessionID: s.id, Accepted: true}))
	require.NoError(t, s.HandleMerkleResponse(MerkleResponse{SessionID: s.id, Nodes: []MerkleNodeReport{{Hash: types.Hash256{0x01}}}}, local))
	require.NoError(t, s.BeginStateTransfer())

	err := s.VerifyState(GameState{GameID: testGameID(3), Data: []byte("tampered"), StateHash: types.Hash256{0xFF}})
	require.Error(t, err)
	require.Equal(t, PhaseFailed, s.Phase())
	reason, failed := s.FailReason()
	require.True(t, failed)
	require.NotEmpty(t, reason)
}

func TestSessionVerifyDiffUpdateAppliesAndCompletes(t *testing.T) {
	now := time.Unix(1000, 0)
	local := NewTree()
	local.Update(testGameID(5), identity.Hash([]byte("base-state")), 10)
	s := NewSession(testSessionID(6), true, local.RootHash(), now)
	require.NoError(t, s.HandleSyncResponse(SyncResponse{SessionID: s.id, Accepted: true}))
	require.NoError(t, s.HandleMerkleResponse(MerkleResponse{SessionID: s.id, Nodes: []MerkleNodeReport{{Hash: types.Hash256{0x02}}}}, local))
	require.NoError(t, s.BeginStateTransfer())

	base := []byte("base-state")
	target := []byte("base-state-updated")
	diff := CreateDiff(base, target)

	err := s.VerifyDiffUpdate(DiffUpdateMsg{SessionID: s.id, GameID: testGameID(5), Diff: diff}, base)
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, s.Phase())
}

func TestSessionExpired(t *testing.T) {
	start := time.Unix(1000, 0)
	s := NewSession(testSessionID(7), true, types.Hash256{}, start)
	require.False(t, s.Expired(start.Add(10*time.Second)))
	require.True(t, s.Expired(start.Add(31*time.Second)))
}

func TestManagerSweepExpiredRemovesOldSessions(t *testing.T) {
	m := NewManager()
	start := time.Unix(1000, 0)
	fresh := NewSession(testSessionID(8), true, types.Hash256{}, start)
	stale := NewSession(testSessionID(9), true, types.Hash256{}, start.Add(-time.Minute))
	m.Start(fresh)
	m.Start(stale)

	expired := m.SweepExpired(start)
	require.ElementsMatch(t, []SessionID{stale.id}, expired)

	_, ok := m.Get(stale.id)
	require.False(t, ok)
	_, ok = m.Get(fresh.id)
	require.True(t, ok)
}
