package dht

import (
	"context"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// PingInterval is the liveness interval behind the routing table's
// dead-node test: an entry unseen for three intervals is evictable.
const PingInterval = 5 * time.Minute

// BucketRefreshInterval governs self-lookup-driven bucket refresh.
const BucketRefreshInterval = 15 * time.Minute

// Node is a local participant in the DHT: a routing table, a KV
// store, and an RPC client for reaching the rest of the network
//, following the same "single struct, explicit
// background goroutines" layout as pkg/transport.TCPTransport.
type Node struct {
	self   types.PeerId
	table  *RoutingTable
	store  *Store
	client RPCClient
	log    bclog.Logger

	stop chan struct{}
}

// NewNode builds a DHT participant. client is the caller's RPC
// transport binding (see RPCClient); it is nil-safe for tests that
// only exercise the routing table and store directly.
func NewNode(self types.PeerId, client RPCClient, log bclog.Logger) *Node {
	return &Node{
		self:   self,
		table:  NewRoutingTable(self, PingInterval),
		store:  NewStore(),
		client: client,
		log:    log,
		stop:   make(chan struct{}),
	}
}

// Table exposes the routing table for callers that need direct
// inspection (e.g. the mesh service's next-hop selection).
func (n *Node) Table() *RoutingTable { return n.table }

// Store exposes the local KV store.
func (n *Node) Store() *Store { return n.store }

// FindNode performs an iterative FIND_NODE lookup for target,
// returning the k closest nodes discovered.
func (n *Node) FindNode(ctx context.Context, target types.PeerId) ([]NodeInfo, error) {
	res, err := n.iterativeLookup(ctx, target, false, types.Hash256{})
	if err != nil {
		return nil, err
	}
	return res.closest, nil
}

// FindValue performs an iterative FIND_VALUE lookup: it returns the
// value if any queried node holds it, or the k closest nodes
// otherwise.
func (n *Node) FindValue(ctx context.Context, key types.Hash256) ([]byte, []NodeInfo, bool, error) {
	target := hashToPeerID(key)
	res, err := n.iterativeLookup(ctx, target, true, key)
	if err != nil {
		return nil, nil, false, err
	}
	return res.value, res.closest, res.found, nil
}

// StoreValue keeps a local copy of value flagged as owned for the
// republish sweep, then sends a FIND_VALUE query for key to each of
// the k known nodes closest to it. RPCClient has no STORE call, so the
// value itself is not transferred to those nodes.
func (n *Node) StoreValue(ctx context.Context, key types.Hash256, value []byte) error {
	if err := n.store.Put(key, value, true); err != nil {
		return err
	}
	target := hashToPeerID(key)
	closest := n.table.FindClosest(target, K)
	for _, ni := range closest {
		if ni.ID == n.self {
			continue
		}
		// Best effort: a single peer's failed query does not fail the
		// whole call, mirroring Broadcast's semantics in pkg/transport.
		_, _, _, err := n.client.FindValue(ctx, ni, key)
		if err != nil {
			n.log.Warnw("dht store replication failed", "peer", ni.ID.String(), "err", err)
		}
	}
	return nil
}

// Bootstrap seeds the routing table from known contacts, then
// performs a self-lookup to populate nearby buckets.
func (n *Node) Bootstrap(ctx context.Context, seeds []NodeInfo) error {
	for _, s := range seeds {
		n.table.Add(s)
	}
	_, err := n.FindNode(ctx, n.self)
	return err
}

// RefreshLoop runs bucket-refresh self-lookups and store maintenance
// (TTL expiry, owned-key republish) until Stop is called.
func (n *Node) RefreshLoop(ctx context.Context) {
	refresh := time.NewTicker(BucketRefreshInterval)
	expire := time.NewTicker(time.Hour)
	defer refresh.Stop()
	defer expire.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-refresh.C:
			if _, err := n.FindNode(ctx, n.self); err != nil {
				n.log.Warnw("bucket refresh lookup failed", "err", err)
			}
		case <-expire.C:
			removed := n.store.Expire()
			if removed > 0 {
				n.log.Infow("dht store expired entries", "count", removed)
			}
			for _, key := range n.store.OwnedKeys() {
				if v, ok := n.store.Get(key); ok {
					if err := n.StoreValue(ctx, key, v); err != nil {
						n.log.Warnw("republish failed", "key", key.String(), "err", err)
					}
				}
			}
		}
	}
}

// Stop ends RefreshLoop.
func (n *Node) Stop() { close(n.stop) }

func hashToPeerID(h types.Hash256) types.PeerId {
	var id types.PeerId
	copy(id[:], h[:])
	return id
}
