package routing

import (
	"math"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// Algorithm names a path-selection strategy.
type Algorithm int

const (
	AlgorithmDijkstra Algorithm = iota
	AlgorithmLoadBalanced
	AlgorithmGeographic
	AlgorithmACO
	AlgorithmHybrid
)

// HybridWeights configures the weighted-sum scoring for
// AlgorithmHybrid over (1/latency, bandwidth, reliability,
// 1-congestion, 1/hop_count).
type HybridWeights struct {
	Latency     float64
	Bandwidth   float64
	Reliability float64
	Congestion  float64
	HopCount    float64
}

// DefaultHybridWeights weights every factor equally.
var DefaultHybridWeights = HybridWeights{Latency: 0.2, Bandwidth: 0.2, Reliability: 0.2, Congestion: 0.2, HopCount: 0.2}

// LoadBalanced picks, among a set of equal-destination path candidates
// within epsilon cost of the cheapest, the one whose next hop has the
// lowest congestion. Candidates typically come from a
// k-shortest-paths expansion over Dijkstra; with only a single
// candidate it degenerates to returning that candidate.
func LoadBalanced(g *Graph, source types.PeerId, candidates []Route, epsilon float64) (Route, bool) {
	if len(candidates) == 0 {
		return Route{}, false
	}
	cheapest := candidates[0].Cost
	for _, r := range candidates {
		if r.Cost < cheapest {
			cheapest = r.Cost
		}
	}

	best := candidates[0]
	bestCongestion := congestionOf(g, source, best.NextHop)
	for _, r := range candidates[1:] {
		if r.Cost > cheapest+epsilon {
			continue
		}
		c := congestionOf(g, source, r.NextHop)
		if c < bestCongestion {
			bestCongestion = c
			best = r
		}
	}
	return best, true
}

func congestionOf(g *Graph, a, b types.PeerId) float64 {
	e, ok := g.Edge(a, b)
	if !ok {
		return 1 // worst case: unknown congestion treated as fully congested
	}
	return e.Congestion
}

// geoDistanceTieKM is the remaining-distance band within which two
// neighbors count as tied and the bearing tie-break decides.
const geoDistanceTieKM = 1.0

// Geographic performs greedy forwarding toward dest by haversine
// distance and bearing: at each hop, pick the neighbor whose location
// is closest to dest; neighbors within geoDistanceTieKM of each other
// are split by whichever lies closest to the great-circle bearing
// toward dest. Returns false if any node on the resulting path lacks
// coordinates.
func Geographic(g *Graph, source, dest types.PeerId, maxHops int) (Route, bool) {
	destNode, ok := g.Node(dest)
	if !ok || !destNode.HasCoords {
		return Route{}, false
	}

	path := []types.PeerId{source}
	current := source
	visited := map[types.PeerId]bool{source: true}

	for hop := 0; hop < maxHops; hop++ {
		if current == dest {
			break
		}
		curNode, ok := g.Node(current)
		if !ok || !curNode.HasCoords {
			return Route{}, false
		}
		var bestNeighbor types.PeerId
		bestDist := -1.0
		bestDev := 0.0
		found := false
		wantBearing := bearingDegrees(curNode, destNode)
		for _, n := range g.Neighbors(current) {
			if visited[n] {
				continue
			}
			nNode, ok := g.Node(n)
			if !ok || !nNode.HasCoords {
				continue
			}
			d := haversineKM(nNode, destNode)
			dev := bearingDeviation(bearingDegrees(curNode, nNode), wantBearing)
			better := !found || d < bestDist-geoDistanceTieKM ||
				(math.Abs(d-bestDist) <= geoDistanceTieKM && dev < bestDev)
			if better {
				bestDist, bestDev = d, dev
				bestNeighbor = n
				found = true
			}
		}
		if !found {
			return Route{}, false
		}
		visited[bestNeighbor] = true
		path = append(path, bestNeighbor)
		current = bestNeighbor
	}

	if current != dest {
		return Route{}, false
	}
	return Route{NextHop: path[1], Path: path, HopCount: len(path) - 1}, true
}

// ACO scores each direct neighbor path toward dest by
// pheromone·quality and picks the best; quality is the link's
// reliability.
func ACO(g *Graph, source, dest types.PeerId) (Route, bool) {
	var best pathCandidate
	found := false
	for _, n := range g.Neighbors(source) {
		edge, ok := g.Edge(source, n)
		if !ok {
			continue
		}
		score := edge.Pheromone * edge.Reliability
		cand := pathCandidate{nextHop: n, path: []types.PeerId{source, n}, cost: -score, hopCount: 1, reliability: edge.Reliability}
		if !found || cand.cost < best.cost || (cand.cost == best.cost && lessCandidate(cand, best)) {
			best = cand
			found = true
		}
	}
	if !found {
		return Route{}, false
	}
	return Route{NextHop: best.nextHop, Path: best.path, HopCount: best.hopCount}, true
}

// Hybrid scores every direct neighbor with a configurable weighted sum
// over (1/latency, bandwidth, reliability, 1-congestion, 1/hop_count)
// and picks the maximum, tie-broken by the shared rule.
func Hybrid(g *Graph, source, dest types.PeerId, w HybridWeights) (Route, bool) {
	var best pathCandidate
	found := false
	for _, n := range g.Neighbors(source) {
		edge, ok := g.Edge(source, n)
		if !ok {
			continue
		}
		invLatency := 0.0
		if edge.LatencyMS > 0 {
			invLatency = 1 / edge.LatencyMS
		}
		score := w.Latency*invLatency +
			w.Bandwidth*edge.Bandwidth +
			w.Reliability*edge.Reliability +
			w.Congestion*(1-edge.Congestion) +
			w.HopCount*1 // direct neighbor: hop_count=1, 1/hop_count=1

		cand := pathCandidate{nextHop: n, path: []types.PeerId{source, n}, cost: -score, hopCount: 1, reliability: edge.Reliability}
		if !found || cand.cost < best.cost || (cand.cost == best.cost && lessCandidate(cand, best)) {
			best = cand
			found = true
		}
	}
	if !found {
		return Route{}, false
	}
	return Route{NextHop: best.nextHop, Path: best.path, HopCount: best.hopCount}, true
}
