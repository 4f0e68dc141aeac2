// Package dht implements the BitCraps Kademlia DHT:
// XOR-distance k-buckets with a replacement cache, iterative lookups
// with alpha-parallelism, and a TTL'd key/value store.
//
// Classical Kademlia (k=20, alpha=3, 256-bit key space), structured
// as a single mutex-guarded struct with explicit methods rather than
// an actor/goroutine state machine hidden behind channels.
package dht

import (
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// K is the Kademlia bucket size.
const K = 20

// Alpha is the lookup parallelism factor.
const Alpha = 3

// KeyspaceBits is the id length in bits (256-bit key space).
const KeyspaceBits = 256

// DeadFailureThreshold is the number of contact failures before a node
// is considered dead and evictable.
const DeadFailureThreshold = 3

// NodeInfo describes one DHT routing table entry.
type NodeInfo struct {
	ID       types.PeerId
	Address  string
	LastSeen time.Time
	RTT      time.Duration
	Failures int
}

func (n NodeInfo) isDead(pingInterval time.Duration) bool {
	if n.Failures >= DeadFailureThreshold {
		return true
	}
	return time.Since(n.LastSeen) > 3*pingInterval
}

// Distance computes the XOR distance between two 256-bit ids as a
// 32-byte big-endian value (the glossary's "XOR distance").
func Distance(a, b types.PeerId) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance x is strictly smaller than y,
// comparing the 32-byte arrays as big-endian unsigned integers.
func lessDistance(x, y [32]byte) bool {
	for i := range x {
		if x[i] != y[i] {
			return x[i] < y[i]
		}
	}
	return false
}

// leadingZeroBits counts the number of leading zero bits in a 32-byte
// big-endian value, 0..256 (256 only for the all-zero distance, i.e.
// comparing an id to itself).
func leadingZeroBits(d [32]byte) int {
	count := 0
	for _, b := range d {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// bucketIndex returns which of the 256 k-buckets a peer at the given
// distance belongs in: "bucket i holds nodes whose XOR distance ...
// has bit (255-i) as highest set bit", which is
// equivalent to i == the distance's leading-zero-bit count.
func bucketIndex(distance [32]byte) int {
	lz := leadingZeroBits(distance)
	if lz >= KeyspaceBits {
		lz = KeyspaceBits - 1 // distance to self: clamp, never actually inserted
	}
	return lz
}

type kbucket struct {
	entries     []NodeInfo // ordered oldest (index 0) to most-recently-seen (last)
	replacement []NodeInfo // FIFO, bounded by K
}

// RoutingTable is the local node's view of the DHT keyspace: 256
// k-buckets indexed by bit-position of the XOR distance to the local
// id.
type RoutingTable struct {
	mu            sync.RWMutex
	local         types.PeerId
	buckets       [KeyspaceBits]*kbucket
	pingInterval  time.Duration
}

// NewRoutingTable builds an empty table for the local node id.
func NewRoutingTable(local types.PeerId, pingInterval time.Duration) *RoutingTable {
	rt := &RoutingTable{local: local, pingInterval: pingInterval}
	for i := range rt.buckets {
		rt.buckets[i] = &kbucket{}
	}
	return rt
}

// Add inserts or refreshes a node:
//   - if the node is already present, move it to the tail (most
//     recently seen);
//   - else if the bucket has room, append it;
//   - else if the bucket's oldest entry is dead, evict it and append
//     the new node;
//   - else enqueue the new node in the bounded FIFO replacement cache.
func (rt *RoutingTable) Add(n NodeInfo) {
	if n.ID == rt.local {
		return
	}
	idx := bucketIndex(Distance(rt.local, n.ID))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]

	for i, e := range b.entries {
		if e.ID == n.ID {
			n.Failures = 0 // a successful contact clears failure history
			b.entries = append(append(b.entries[:i], b.entries[i+1:]...), n)
			return
		}
	}

	if len(b.entries) < K {
		b.entries = append(b.entries, n)
		return
	}

	oldest := b.entries[0]
	if oldest.isDead(rt.pingInterval) {
		b.entries = append(b.entries[1:], n)
		return
	}

	// bucket full, oldest still alive: replacement cache, FIFO bounded by K
	b.replacement = append(b.replacement, n)
	if len(b.replacement) > K {
		b.replacement = b.replacement[len(b.replacement)-K:]
	}
}

// MarkFailure increments the failure count for a known node; three
// strikes make it evictable.
func (rt *RoutingTable) MarkFailure(id types.PeerId) {
	idx := bucketIndex(Distance(rt.local, id))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]
	for i := range b.entries {
		if b.entries[i].ID == id {
			b.entries[i].Failures++
			return
		}
	}
}

// Remove drops a node from its bucket, promoting the oldest
// replacement-cache entry (if any) into its place.
func (rt *RoutingTable) Remove(id types.PeerId) {
	idx := bucketIndex(Distance(rt.local, id))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			if len(b.replacement) > 0 {
				promoted := b.replacement[0]
				b.replacement = b.replacement[1:]
				b.entries = append(b.entries, promoted)
			}
			return
		}
	}
}

// FindClosest returns up to k nodes sorted by ascending XOR distance
// to target.
func (rt *RoutingTable) FindClosest(target types.PeerId, k int) []NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	type scored struct {
		n NodeInfo
		d [32]byte
	}
	var all []scored
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			all = append(all, scored{n: e, d: Distance(target, e.ID)})
		}
	}
	// simple insertion sort by distance; routing tables are small
	// (≤256*20 entries, typically far fewer), so an O(n log n) stdlib
	// sort is unnecessary ceremony here.
	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && lessDistance(all[j].d, all[j-1].d) {
			all[j], all[j-1] = all[j-1], all[j]
			j--
		}
	}
	if k > len(all) {
		k = len(all)
	}
	out := make([]NodeInfo, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].n
	}
	return out
}

// Len returns the total number of entries across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.entries)
	}
	return n
}

// BucketSize reports how many live entries occupy bucket i, for tests
// exercising the "bucket exactly at capacity" boundary.
func (rt *RoutingTable) BucketSize(i int) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[i].entries)
}

// ReplacementSize reports how many entries sit in bucket i's
// replacement cache.
func (rt *RoutingTable) ReplacementSize(i int) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[i].replacement)
}
