package syncstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// fakeProvider is an in-memory StateProvider for two-peer exchanges.
type fakeProvider struct {
	states map[types.GameId][]byte
}

func (f *fakeProvider) GameIDs() []types.GameId {
	out := make([]types.GameId, 0, len(f.states))
	for id := range f.states {
		out = append(out, id)
	}
	return out
}

func (f *fakeProvider) GameBytes(id types.GameId) ([]byte, types.Hash256, bool) {
	data, ok := f.states[id]
	if !ok {
		return nil, types.Hash256{}, false
	}
	return data, identity.Hash(data), true
}

func (f *fakeProvider) ApplyRepair(id types.GameId, data []byte, hash types.Hash256) error {
	f.states[id] = data
	return nil
}

// pairSyncers wires two syncers so each delivers directly into the
// other's HandleMessage, standing in for the mesh.
func pairSyncers(t *testing.T, pa, pb *fakeProvider) (*Syncer, *Syncer) {
	t.Helper()
	var peerA, peerB types.PeerId
	peerA[0], peerB[0] = 0xA, 0xB

	var a, b *Syncer
	a = NewSyncer(peerA, pa, func(_ types.PeerId, data []byte) error {
		return b.HandleMessage(peerA, data)
	}, bclog.NewNop())
	b = NewSyncer(peerB, pb, func(_ types.PeerId, data []byte) error {
		return a.HandleMessage(peerB, data)
	}, bclog.NewNop())
	return a, b
}

func TestSyncerEqualRootsTransfersNothing(t *testing.T) {
	shared := []byte("same-state")
	pa := &fakeProvider{states: map[types.GameId][]byte{testGameID(1): shared}}
	pb := &fakeProvider{states: map[types.GameId][]byte{testGameID(1): shared}}
	a, b := pairSyncers(t, pa, pb)
	_ = b

	_, err := a.Initiate(types.PeerId{0xB})
	require.NoError(t, err)
	require.Equal(t, pa.states[testGameID(1)], shared)
}

func TestSyncerRepairsDivergentAndMissingGames(t *testing.T) {
	newState := []byte("sequence-9-state")
	extraState := []byte("game-two-state")
	pa := &fakeProvider{states: map[types.GameId][]byte{
		testGameID(1): []byte("sequence-3-state"),
	}}
	pb := &fakeProvider{states: map[types.GameId][]byte{
		testGameID(1): newState,
		testGameID(2): extraState,
	}}
	a, b := pairSyncers(t, pa, pb)
	_ = b

	_, err := a.Initiate(types.PeerId{0xB})
	require.NoError(t, err)

	require.Equal(t, newState, pa.states[testGameID(1)])
	require.Equal(t, extraState, pa.states[testGameID(2)])
	// both trees converge on the same root after repair
	b.Refresh()
	require.Equal(t, b.RootHash(), a.RootHash())
}
