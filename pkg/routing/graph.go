// Package routing implements the BitCraps advanced routing subsystem:
// a topology graph of observed mesh links and five path-selection
// algorithms. The mesh service reaches it through Router's
// NextHopProvider methods, which answer from the cached Dijkstra
// routes and the local node's direct links.
package routing

import (
	"math"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// NodeInfo is one topology graph vertex.
type NodeInfo struct {
	ID        types.PeerId
	Latitude  float64
	Longitude float64
	HasCoords bool
}

// EdgeInfo is one observed link.
type EdgeInfo struct {
	LatencyMS   float64
	Bandwidth   float64
	PacketLoss  float64
	Congestion  float64
	Reliability float64
	Pheromone   float64
	UpdatedAt   time.Time
}

// Weight computes the Dijkstra edge weight:
// latency_ms · (1/(bandwidth+0.1)) · (1 + packet_loss·10).
func (e EdgeInfo) Weight() float64 {
	return e.LatencyMS * (1 / (e.Bandwidth + 0.1)) * (1 + e.PacketLoss*10)
}

type edgeKey struct {
	a, b types.PeerId
}

// Graph is the local node's view of mesh topology:
// {nodes, edges, adjacency}.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[types.PeerId]NodeInfo
	edges     map[edgeKey]EdgeInfo
	adjacency map[types.PeerId]map[types.PeerId]bool
}

// NewGraph builds an empty topology graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:     make(map[types.PeerId]NodeInfo),
		edges:     make(map[edgeKey]EdgeInfo),
		adjacency: make(map[types.PeerId]map[types.PeerId]bool),
	}
}

// UpsertNode records or updates a vertex.
func (g *Graph) UpsertNode(n NodeInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = n
}

// UpsertEdge records or updates an observed link, undirected (both
// directions share the same measured link quality since the mesh
// links are symmetric radio/IP hops).
func (g *Graph) UpsertEdge(a, b types.PeerId, info EdgeInfo) {
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[edgeKey{a, b}] = info
	g.edges[edgeKey{b, a}] = info
	if g.adjacency[a] == nil {
		g.adjacency[a] = make(map[types.PeerId]bool)
	}
	if g.adjacency[b] == nil {
		g.adjacency[b] = make(map[types.PeerId]bool)
	}
	g.adjacency[a][b] = true
	g.adjacency[b][a] = true
}

// Edge returns the link quality between a and b, if observed.
func (g *Graph) Edge(a, b types.PeerId) (EdgeInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[edgeKey{a, b}]
	return e, ok
}

// Neighbors returns a's directly observed links.
func (g *Graph) Neighbors(a types.PeerId) []types.PeerId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.PeerId, 0, len(g.adjacency[a]))
	for n := range g.adjacency[a] {
		out = append(out, n)
	}
	return out
}

// Node returns vertex metadata, if known.
func (g *Graph) Node(id types.PeerId) (NodeInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// haversineKM computes great-circle distance in kilometers.
func haversineKM(a, b NodeInfo) float64 {
	const earthRadiusKM = 6371.0
	lat1, lon1 := toRadians(a.Latitude), toRadians(a.Longitude)
	lat2, lon2 := toRadians(b.Latitude), toRadians(b.Longitude)
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

func bearingDegrees(a, b NodeInfo) float64 {
	lat1, lon1 := toRadians(a.Latitude), toRadians(a.Longitude)
	lat2, lon2 := toRadians(b.Latitude), toRadians(b.Longitude)
	dLon := lon2 - lon1
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
}

// bearingDeviation is the absolute angular difference between two
// bearings, folded into [0, 180].
func bearingDeviation(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// lessCandidate implements the shared tie-break rule: "higher
// reliability, lower hop_count, smaller PeerId".
func lessCandidate(a, b pathCandidate) bool {
	if a.reliability != b.reliability {
		return a.reliability > b.reliability
	}
	if a.hopCount != b.hopCount {
		return a.hopCount < b.hopCount
	}
	return a.nextHop.Less(b.nextHop)
}

type pathCandidate struct {
	nextHop     types.PeerId
	path        []types.PeerId
	cost        float64
	hopCount    int
	reliability float64
}
