package routing

import (
	"container/heap"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// Route is a computed path to a destination:
// {next_hop, path, cost, hop_count}.
type Route struct {
	NextHop  types.PeerId
	Path     []types.PeerId
	Cost     float64
	HopCount int
}

type pqItem struct {
	id    types.PeerId
	cost  float64
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].id.Less(pq[j].id) // deterministic tie-break
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Dijkstra computes shortest-weight paths from source to every
// reachable vertex. Edge weight is EdgeInfo.Weight().
func Dijkstra(g *Graph, source types.PeerId) map[types.PeerId]Route {
	g.mu.RLock()
	nodes := make([]types.PeerId, 0, len(g.nodes))
	for id := range g.nodes {
		nodes = append(nodes, id)
	}
	g.mu.RUnlock()

	dist := map[types.PeerId]float64{source: 0}
	prev := map[types.PeerId]types.PeerId{}
	visited := map[types.PeerId]bool{}

	pq := &priorityQueue{{id: source, cost: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*pqItem)
		if visited[item.id] {
			continue
		}
		visited[item.id] = true

		for _, neighbor := range g.Neighbors(item.id) {
			edge, ok := g.Edge(item.id, neighbor)
			if !ok {
				continue
			}
			alt := dist[item.id] + edge.Weight()
			if cur, ok := dist[neighbor]; !ok || alt < cur {
				dist[neighbor] = alt
				prev[neighbor] = item.id
				heap.Push(pq, &pqItem{id: neighbor, cost: alt})
			}
		}
	}

	routes := make(map[types.PeerId]Route, len(dist))
	for dest, cost := range dist {
		if dest == source {
			continue
		}
		path := reconstructPath(prev, source, dest)
		if len(path) < 2 {
			continue
		}
		routes[dest] = Route{
			NextHop:  path[1],
			Path:     path,
			Cost:     cost,
			HopCount: len(path) - 1,
		}
	}
	return routes
}

func reconstructPath(prev map[types.PeerId]types.PeerId, source, dest types.PeerId) []types.PeerId {
	path := []types.PeerId{dest}
	cur := dest
	for cur != source {
		p, ok := prev[cur]
		if !ok {
			return nil
		}
		path = append([]types.PeerId{p}, path...)
		cur = p
	}
	return path
}
