package mesh

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultDedupCapacity is the combined fingerprint cache size across
// both TTL tiers.
const DefaultDedupCapacity = 10000

// HighPriorityDedupTTL covers Critical/High traffic: consensus votes
// and dice commit/reveal.
const HighPriorityDedupTTL = 5 * time.Minute

// LowPriorityDedupTTL covers Normal/Low traffic.
const LowPriorityDedupTTL = 10 * time.Minute

// PressureEvictionThreshold and PressureEvictionTarget bound memory
// pressure: at 80% full the cache is aggressively evicted down to 50%.
const (
	PressureEvictionThreshold = 0.80
	PressureEvictionTarget    = 0.50
)

// Dedup is the priority-aware packet fingerprint cache. High-priority
// traffic gets a shorter TTL tier and its own capacity half so a flood
// of low-priority gossip cannot evict consensus dedup entries early.
// Built on golang-lru/v2's expirable variant for bounded, time-boxed
// caches.
type Dedup struct {
	mu       sync.Mutex
	high     *lru.LRU[uint64, struct{}]
	low      *lru.LRU[uint64, struct{}]
	tierCap  int
}

// NewDedup builds a dedup cache with the given combined capacity,
// split evenly between the high and low priority tiers.
func NewDedup(capacity int) *Dedup {
	half := capacity / 2
	return &Dedup{
		high:    lru.NewLRU[uint64, struct{}](half, nil, HighPriorityDedupTTL),
		low:     lru.NewLRU[uint64, struct{}](half, nil, LowPriorityDedupTTL),
		tierCap: half,
	}
}

func (d *Dedup) tierFor(p Priority) *lru.LRU[uint64, struct{}] {
	if p == PriorityCritical || p == PriorityHigh {
		return d.high
	}
	return d.low
}

// SeenOrInsert returns true if fingerprint was already present (the
// packet is a duplicate, drop it); otherwise it inserts the
// fingerprint under the priority-appropriate TTL tier and returns
// false.
func (d *Dedup) SeenOrInsert(fingerprint uint64, p Priority) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	tier := d.tierFor(p)
	if _, ok := tier.Get(fingerprint); ok {
		return true
	}
	tier.Add(fingerprint, struct{}{})
	d.evictUnderPressure(tier)
	return false
}

// evictUnderPressure implements the "≥80% full → aggressive eviction
// to 50%" rule. expirable.LRU already evicts on Add once its own
// capacity is hit; this goes further, pre-emptively shedding the
// oldest entries once the tier crosses the configured threshold so a
// burst doesn't ride at capacity until the underlying LRU's own evict
// kicks in one-at-a-time.
func (d *Dedup) evictUnderPressure(tier *lru.LRU[uint64, struct{}]) {
	threshold := int(float64(d.tierCap) * PressureEvictionThreshold)
	if tier.Len() < threshold {
		return
	}
	target := int(float64(d.tierCap) * PressureEvictionTarget)
	for tier.Len() > target {
		if _, _, ok := tier.RemoveOldest(); !ok {
			return
		}
	}
}

// Len reports the combined live fingerprint count across both tiers,
// for tests and metrics.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.high.Len() + d.low.Len()
}
