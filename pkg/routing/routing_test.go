package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func node(b byte) types.PeerId {
	var id types.PeerId
	id[0] = b
	return id
}

func buildLinearGraph() (*Graph, types.PeerId, types.PeerId, types.PeerId) {
	g := NewGraph()
	a, b, c := node(1), node(2), node(3)
	g.UpsertEdge(a, b, EdgeInfo{LatencyMS: 10, Bandwidth: 100, Reliability: 0.9})
	g.UpsertEdge(b, c, EdgeInfo{LatencyMS: 10, Bandwidth: 100, Reliability: 0.9})
	g.UpsertEdge(a, c, EdgeInfo{LatencyMS: 100, Bandwidth: 1, Reliability: 0.5})
	return g, a, b, c
}

func TestDijkstraPrefersCheaperTwoHopPath(t *testing.T) {
	g, a, _, c := buildLinearGraph()
	routes := Dijkstra(g, a)
	route, ok := routes[c]
	require.True(t, ok)
	assert.Equal(t, 2, route.HopCount, "two cheap hops beat one expensive direct edge")
}

func TestRouterNextHopRequiresFreshness(t *testing.T) {
	g, a, b, _ := buildLinearGraph()
	r := NewRouter(a, g)
	_, fresh := r.NextHop(b)
	assert.False(t, fresh, "no computation yet: nothing is fresh")

	r.Recompute()
	hop, fresh := r.NextHop(b)
	require.True(t, fresh)
	assert.Equal(t, b, hop)
}

func TestRouterIsDirectlyConnected(t *testing.T) {
	g, a, b, c := buildLinearGraph()
	r := NewRouter(a, g)
	assert.True(t, r.IsDirectlyConnected(b))
	assert.True(t, r.IsDirectlyConnected(c)) // a-c edge exists directly too
	assert.False(t, r.IsDirectlyConnected(node(99)))
}

func TestMarkNodeFailedInvalidatesPassingRoutes(t *testing.T) {
	g, a, b, c := buildLinearGraph()
	r := NewRouter(a, g)
	r.Recompute()
	_, ok := r.NextHop(c)
	require.True(t, ok)

	r.MarkNodeFailed(b)
	r.mu.RLock()
	_, stillCached := r.routes[c]
	r.mu.RUnlock()
	assert.False(t, stillCached)
}

func TestGeographicRequiresCoordinates(t *testing.T) {
	g := NewGraph()
	a, b := node(1), node(2)
	g.UpsertEdge(a, b, EdgeInfo{LatencyMS: 1, Bandwidth: 1})
	_, ok := Geographic(g, a, b, 4)
	assert.False(t, ok, "no coordinates on either node: geographic must decline")

	g.UpsertNode(NodeInfo{ID: a, Latitude: 37.77, Longitude: -122.41, HasCoords: true})
	g.UpsertNode(NodeInfo{ID: b, Latitude: 37.78, Longitude: -122.42, HasCoords: true})
	route, ok := Geographic(g, a, b, 4)
	require.True(t, ok)
	assert.Equal(t, b, route.NextHop)
}

func TestGeographicBreaksDistanceTiesByBearing(t *testing.T) {
	g := NewGraph()
	src, north, south, dest := node(1), node(2), node(3), node(4)
	// north and south sit exactly three degrees of latitude from dest,
	// so their remaining distances tie; src lies north of dest's
	// latitude, making south the neighbor closest to the great-circle
	// bearing toward dest.
	g.UpsertNode(NodeInfo{ID: src, Latitude: 5, Longitude: 0, HasCoords: true})
	g.UpsertNode(NodeInfo{ID: north, Latitude: 3, Longitude: 10, HasCoords: true})
	g.UpsertNode(NodeInfo{ID: south, Latitude: -3, Longitude: 10, HasCoords: true})
	g.UpsertNode(NodeInfo{ID: dest, Latitude: 0, Longitude: 10, HasCoords: true})
	g.UpsertEdge(src, north, EdgeInfo{LatencyMS: 1, Bandwidth: 1})
	g.UpsertEdge(src, south, EdgeInfo{LatencyMS: 1, Bandwidth: 1})
	g.UpsertEdge(north, dest, EdgeInfo{LatencyMS: 1, Bandwidth: 1})
	g.UpsertEdge(south, dest, EdgeInfo{LatencyMS: 1, Bandwidth: 1})

	route, ok := Geographic(g, src, dest, 4)
	require.True(t, ok)
	assert.Equal(t, south, route.NextHop)
	assert.Equal(t, []types.PeerId{src, south, dest}, route.Path)
}

func TestACOPicksHighestPheromoneQuality(t *testing.T) {
	g := NewGraph()
	a, b, c := node(1), node(2), node(3)
	g.UpsertEdge(a, b, EdgeInfo{Pheromone: 0.1, Reliability: 0.9})
	g.UpsertEdge(a, c, EdgeInfo{Pheromone: 0.9, Reliability: 0.9})
	route, ok := ACO(g, a, c)
	require.True(t, ok)
	assert.Equal(t, c, route.NextHop)
}

func TestHybridScoresWeightedSum(t *testing.T) {
	g := NewGraph()
	a, b, c := node(1), node(2), node(3)
	g.UpsertEdge(a, b, EdgeInfo{LatencyMS: 100, Bandwidth: 1, Reliability: 0.1, Congestion: 0.9})
	g.UpsertEdge(a, c, EdgeInfo{LatencyMS: 1, Bandwidth: 100, Reliability: 0.99, Congestion: 0.01})
	route, ok := Hybrid(g, a, c, DefaultHybridWeights)
	require.True(t, ok)
	assert.Equal(t, c, route.NextHop)
}

func TestTieBreakBySmallerPeerID(t *testing.T) {
	a := pathCandidate{nextHop: node(5), reliability: 0.5, hopCount: 1}
	b := pathCandidate{nextHop: node(2), reliability: 0.5, hopCount: 1}
	assert.True(t, lessCandidate(b, a), "equal reliability and hop count: smaller PeerId wins")
}
