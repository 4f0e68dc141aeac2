package routing

import (
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// CacheFreshness matches pkg/mesh's RouteFreshness: a cached route
// older than this is no longer trusted as "fresh".
const CacheFreshness = 5 * time.Minute

// Router caches Dijkstra routes, refreshed on topology change, and
// answers the mesh service's next-hop questions. It implements
// pkg/mesh.NextHopProvider without importing pkg/mesh, keeping the
// dependency direction mesh -> routing one-way.
type Router struct {
	mu        sync.RWMutex
	graph     *Graph
	self      types.PeerId
	routes    map[types.PeerId]Route
	computed  time.Time
	algorithm Algorithm
	weights   HybridWeights
}

// NewRouter builds a router over a topology graph for the local node.
func NewRouter(self types.PeerId, g *Graph) *Router {
	return &Router{
		graph:     g,
		self:      self,
		algorithm: AlgorithmDijkstra,
		weights:   DefaultHybridWeights,
	}
}

// SetAlgorithm changes which algorithm Route tries first
// (load-balanced, geographic, ACO, hybrid all fall back to the cached
// Dijkstra entry when they decline). Recompute always builds the cache
// with Dijkstra.
func (r *Router) SetAlgorithm(a Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algorithm = a
}

// Recompute refreshes the cached route table from the current
// topology graph.
func (r *Router) Recompute() {
	routes := Dijkstra(r.graph, r.self)
	r.mu.Lock()
	r.routes = routes
	r.computed = time.Now()
	r.mu.Unlock()
}

// NextHop implements pkg/mesh.NextHopProvider: returns a cached route's
// next hop if it is still fresh.
func (r *Router) NextHop(dest types.PeerId) (types.PeerId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if time.Since(r.computed) > CacheFreshness {
		return types.PeerId{}, false
	}
	route, ok := r.routes[dest]
	if !ok {
		return types.PeerId{}, false
	}
	return route.NextHop, true
}

// IsDirectlyConnected implements pkg/mesh.NextHopProvider.
func (r *Router) IsDirectlyConnected(peer types.PeerId) bool {
	for _, n := range r.graph.Neighbors(r.self) {
		if n == peer {
			return true
		}
	}
	return false
}

// Route resolves a full route using the router's configured
// algorithm, falling back through Dijkstra when an algorithm declines
// to answer (no coordinates for Geographic, no observed link from the
// local node for ACO and Hybrid).
func (r *Router) Route(dest types.PeerId) (Route, bool) {
	r.mu.RLock()
	algorithm := r.algorithm
	weights := r.weights
	r.mu.RUnlock()

	switch algorithm {
	case AlgorithmGeographic:
		if route, ok := Geographic(r.graph, r.self, dest, 16); ok {
			return route, true
		}
	case AlgorithmACO:
		if route, ok := ACO(r.graph, r.self, dest); ok {
			return route, true
		}
	case AlgorithmHybrid:
		if route, ok := Hybrid(r.graph, r.self, dest, weights); ok {
			return route, true
		}
	case AlgorithmLoadBalanced:
		r.mu.RLock()
		route, ok := r.routes[dest]
		r.mu.RUnlock()
		if ok {
			if lb, ok := LoadBalanced(r.graph, r.self, []Route{route}, 0.05*route.Cost); ok {
				return lb, true
			}
		}
	}

	r.mu.RLock()
	route, ok := r.routes[dest]
	r.mu.RUnlock()
	return route, ok
}

// MarkNodeFailed removes every route whose path passes through peer,
// invalidating the cache for those destinations until the next
// Recompute.
func (r *Router) MarkNodeFailed(peer types.PeerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dest, route := range r.routes {
		for _, hop := range route.Path {
			if hop == peer {
				delete(r.routes, dest)
				break
			}
		}
	}
}
