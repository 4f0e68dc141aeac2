package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSeenOrInsert(t *testing.T) {
	d := NewDedup(100)
	assert.False(t, d.SeenOrInsert(1, PriorityCritical), "first sighting is not a duplicate")
	assert.True(t, d.SeenOrInsert(1, PriorityCritical), "second sighting is a duplicate")
}

func TestDedupTiersAreIndependent(t *testing.T) {
	d := NewDedup(100)
	assert.False(t, d.SeenOrInsert(42, PriorityHigh))
	assert.False(t, d.SeenOrInsert(42, PriorityLow), "same fingerprint in a different tier is tracked separately")
}

func TestDedupPressureEviction(t *testing.T) {
	d := NewDedup(20) // tierCap = 10
	for i := uint64(0); i < 30; i++ {
		d.SeenOrInsert(i, PriorityCritical)
	}
	// aggressive eviction keeps the tier well under its raw capacity
	// once the 80% threshold is crossed, rather than riding at the cap.
	assert.LessOrEqual(t, d.high.Len(), 10)
}
