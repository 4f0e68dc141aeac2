package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func idWithByte(b byte) types.PeerId {
	var id types.PeerId
	id[0] = b
	return id
}

func TestBucketIndexNearAndFar(t *testing.T) {
	local := idWithByte(0x00)
	far := idWithByte(0x80) // differs in the top bit: closest to bucket 0
	var near types.PeerId
	near[31] = 0x01 // differs only in the last bit: bucket 255

	assert.Equal(t, 0, bucketIndex(Distance(local, far)))
	assert.Equal(t, 255, bucketIndex(Distance(local, near)))
}

func TestAddMoveToTailOnRepeat(t *testing.T) {
	local := idWithByte(0x00)
	rt := NewRoutingTable(local, time.Minute)
	n := idWithByte(0x01)
	rt.Add(NodeInfo{ID: n, LastSeen: time.Now()})
	rt.Add(NodeInfo{ID: n, LastSeen: time.Now(), Failures: 2})

	assert.Equal(t, 1, rt.BucketSize(7)) // first byte 0x01: seven leading zero bits
	closest := rt.FindClosest(local, 1)
	assert.Equal(t, 0, closest[0].Failures) // successful re-add clears failure history
}

func TestBucketFullGoesToReplacementCache(t *testing.T) {
	local := idWithByte(0x00)
	rt := NewRoutingTable(local, time.Hour)

	// fill one bucket to K using distinct ids that all land in it:
	// bucket 255 (distance with only the lowest bit set) holds just one
	// peer, so instead fill bucket 248 by setting the top bit of the
	// last byte, which maps many distinct ids to one leading zero count.
	for i := 0; i < K; i++ {
		var id types.PeerId
		id[31] = 0x80 | byte(i+1) // low bits vary; leading zero count identical (248)
		rt.Add(NodeInfo{ID: id, LastSeen: time.Now()})
	}
	idx := bucketIndex(Distance(local, func() types.PeerId { var id types.PeerId; id[31] = 0x81; return id }()))
	assert.Equal(t, K, rt.BucketSize(idx))

	var overflow types.PeerId
	overflow[31] = 0x80 | byte(K+1)
	rt.Add(NodeInfo{ID: overflow, LastSeen: time.Now()})
	assert.Equal(t, K, rt.BucketSize(idx), "bucket stays at capacity")
	assert.Equal(t, 1, rt.ReplacementSize(idx), "overflow goes to replacement cache")
}

func TestDeadOldestEvictedOnOverflow(t *testing.T) {
	local := idWithByte(0x00)
	rt := NewRoutingTable(local, time.Millisecond)

	var first types.PeerId
	first[31] = 0x81
	rt.Add(NodeInfo{ID: first, LastSeen: time.Now().Add(-time.Hour)}) // stale: 3x ping interval easily exceeded

	for i := 2; i <= K; i++ {
		var id types.PeerId
		id[31] = 0x80 | byte(i)
		rt.Add(NodeInfo{ID: id, LastSeen: time.Now()})
	}
	idx := bucketIndex(Distance(local, first))
	assert.Equal(t, K, rt.BucketSize(idx))

	var next types.PeerId
	next[31] = 0x80 | byte(K+1)
	rt.Add(NodeInfo{ID: next, LastSeen: time.Now()})

	assert.Equal(t, K, rt.BucketSize(idx))
	closest := rt.FindClosest(first, K)
	for _, n := range closest {
		assert.NotEqual(t, first, n.ID, "dead oldest entry should have been evicted")
	}
}

func TestFindClosestOrdering(t *testing.T) {
	local := idWithByte(0x00)
	rt := NewRoutingTable(local, time.Hour)
	for _, b := range []byte{0x01, 0x80, 0x40, 0x02} {
		rt.Add(NodeInfo{ID: idWithByte(b), LastSeen: time.Now()})
	}
	closest := rt.FindClosest(local, 4)
	assert.Len(t, closest, 4)

	// FindClosest must be monotonically non-decreasing in XOR distance
	// to target.
	for i := 1; i < len(closest); i++ {
		d0 := Distance(local, closest[i-1].ID)
		d1 := Distance(local, closest[i].ID)
		assert.False(t, lessDistance(d1, d0), "results must be sorted ascending by distance")
	}
}

func TestRemovePromotesReplacement(t *testing.T) {
	local := idWithByte(0x00)
	rt := NewRoutingTable(local, time.Hour)
	for i := 1; i <= K; i++ {
		var id types.PeerId
		id[31] = 0x80 | byte(i)
		rt.Add(NodeInfo{ID: id, LastSeen: time.Now()})
	}
	var overflow types.PeerId
	overflow[31] = 0x80 | byte(K+1)
	rt.Add(NodeInfo{ID: overflow, LastSeen: time.Now()})

	var victim types.PeerId
	victim[31] = 0x81
	idx := bucketIndex(Distance(local, victim))
	rt.Remove(victim)

	assert.Equal(t, K, rt.BucketSize(idx), "replacement cache entry promoted to fill the gap")
	assert.Equal(t, 0, rt.ReplacementSize(idx))
}
