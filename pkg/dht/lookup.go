package dht

import (
	"context"
	"time"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// LookupTimeout bounds a full iterative lookup.
const LookupTimeout = 10 * time.Second

// RPCClient is how the DHT reaches out to other nodes. A real node
// backs this with pkg/transport; tests back it with an in-memory fake.
type RPCClient interface {
	FindNode(ctx context.Context, to NodeInfo, target types.PeerId) ([]NodeInfo, error)
	FindValue(ctx context.Context, to NodeInfo, key types.Hash256) (value []byte, closer []NodeInfo, found bool, err error)
}

type lookupCandidate struct {
	node    NodeInfo
	queried bool
}

// iterativeLookup drives the alpha-parallel shortlist convergence
// shared by FIND_NODE and FIND_VALUE: maintain the k
// closest known nodes, query up to alpha unqueried ones per round,
// merge their results in, and stop when the shortlist's closest k are
// all queried, the to-query set is empty, a value is found, or
// LookupTimeout elapses.
func (n *Node) iterativeLookup(ctx context.Context, target types.PeerId, wantValue bool, key types.Hash256) (*lookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	seen := make(map[types.PeerId]*lookupCandidate)
	var order []types.PeerId

	addCandidate := func(ni NodeInfo) {
		if ni.ID == n.self {
			return
		}
		if _, ok := seen[ni.ID]; ok {
			return
		}
		seen[ni.ID] = &lookupCandidate{node: ni}
		order = append(order, ni.ID)
	}
	for _, ni := range n.table.FindClosest(target, K) {
		addCandidate(ni)
	}

	closestK := func() []*lookupCandidate {
		ids := make([]types.PeerId, len(order))
		copy(ids, order)
		sortByDistance(ids, target)
		if len(ids) > K {
			ids = ids[:K]
		}
		out := make([]*lookupCandidate, len(ids))
		for i, id := range ids {
			out[i] = seen[id]
		}
		return out
	}

	for {
		select {
		case <-ctx.Done():
			return &lookupResult{closest: candidatesToNodeInfo(closestK())}, nil
		default:
		}

		var toQuery []*lookupCandidate
		for _, c := range closestK() {
			if !c.queried {
				toQuery = append(toQuery, c)
			}
			if len(toQuery) == Alpha {
				break
			}
		}
		if len(toQuery) == 0 {
			return &lookupResult{closest: candidatesToNodeInfo(closestK())}, nil
		}

		type roundResult struct {
			from    NodeInfo
			nodes   []NodeInfo
			value   []byte
			found   bool
			err     error
		}
		results := make(chan roundResult, len(toQuery))
		for _, c := range toQuery {
			c.queried = true
			go func(to NodeInfo) {
				if wantValue {
					val, closer, found, err := n.client.FindValue(ctx, to, key)
					results <- roundResult{from: to, nodes: closer, value: val, found: found, err: err}
					return
				}
				nodes, err := n.client.FindNode(ctx, to, target)
				results <- roundResult{from: to, nodes: nodes, err: err}
			}(c.node)
		}

		for i := 0; i < len(toQuery); i++ {
			r := <-results
			if r.err != nil {
				n.table.MarkFailure(r.from.ID)
				continue
			}
			n.table.Add(r.from)
			if wantValue && r.found {
				return &lookupResult{value: r.value, found: true}, nil
			}
			for _, ni := range r.nodes {
				addCandidate(ni)
			}
		}
	}
}

type lookupResult struct {
	closest []NodeInfo
	value   []byte
	found   bool
}

func candidatesToNodeInfo(cs []*lookupCandidate) []NodeInfo {
	out := make([]NodeInfo, len(cs))
	for i, c := range cs {
		out[i] = c.node
	}
	return out
}

func sortByDistance(ids []types.PeerId, target types.PeerId) {
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 && lessDistance(Distance(target, ids[j]), Distance(target, ids[j-1])) {
			ids[j], ids[j-1] = ids[j-1], ids[j]
			j--
		}
	}
}
