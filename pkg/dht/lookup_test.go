package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// fakeNetwork wires a small set of in-memory Node instances together
// so iterativeLookup can be exercised without a real transport.
type fakeNetwork struct {
	nodes map[types.PeerId]*Node
}

func (f *fakeNetwork) FindNode(ctx context.Context, to NodeInfo, target types.PeerId) ([]NodeInfo, error) {
	remote, ok := f.nodes[to.ID]
	if !ok {
		return nil, assert.AnError
	}
	return remote.table.FindClosest(target, K), nil
}

func (f *fakeNetwork) FindValue(ctx context.Context, to NodeInfo, key types.Hash256) ([]byte, []NodeInfo, bool, error) {
	remote, ok := f.nodes[to.ID]
	if !ok {
		return nil, nil, false, assert.AnError
	}
	if v, ok := remote.store.Get(key); ok {
		return v, nil, true, nil
	}
	target := hashToPeerID(key)
	return nil, remote.table.FindClosest(target, K), false, nil
}

func buildFakeNetwork(t *testing.T, n int) (*fakeNetwork, []*Node) {
	t.Helper()
	net := &fakeNetwork{nodes: make(map[types.PeerId]*Node)}
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		id := idWithByte(byte(i + 1))
		nodes[i] = NewNode(id, net, bclog.NewNop())
		net.nodes[id] = nodes[i]
	}
	// fully connect the routing tables so lookups have somewhere to go
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.table.Add(NodeInfo{ID: b.self, LastSeen: time.Now()})
			}
		}
	}
	return net, nodes
}

func TestIterativeFindNodeConverges(t *testing.T) {
	_, nodes := buildFakeNetwork(t, 6)
	target := idWithByte(200)

	res, err := nodes[0].FindNode(context.Background(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, res)
	for i := 1; i < len(res); i++ {
		d0 := Distance(target, res[i-1].ID)
		d1 := Distance(target, res[i].ID)
		assert.False(t, lessDistance(d1, d0))
	}
}

func TestIterativeFindValueReturnsStoredValue(t *testing.T) {
	net, nodes := buildFakeNetwork(t, 6)
	var key types.Hash256
	key[0] = 0x55
	require.NoError(t, nodes[2].store.Put(key, []byte("payload"), true))
	_ = net

	value, _, found, err := nodes[0].FindValue(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("payload"), value)
}

func TestBootstrapPopulatesTableAndSelf(t *testing.T) {
	_, nodes := buildFakeNetwork(t, 4)
	fresh := NewNode(idWithByte(250), nodes[0].client, bclog.NewNop())
	seeds := []NodeInfo{{ID: nodes[0].self, LastSeen: time.Now()}}

	require.NoError(t, fresh.Bootstrap(context.Background(), seeds))
	assert.Greater(t, fresh.table.Len(), 0)
}
