package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBalancerStickyByClientIP(t *testing.T) {
	lb := NewLoadBalancer()
	lb.Upsert(Instance{ID: "a", Addr: "10.0.0.1:80", Region: "us"})
	lb.Upsert(Instance{ID: "b", Addr: "10.0.0.2:80", Region: "eu"})
	lb.Upsert(Instance{ID: "c", Addr: "10.0.0.3:80", Region: "us"})

	first, ok := lb.Pick("203.0.113.7", "")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := lb.Pick("203.0.113.7", "")
		require.True(t, ok)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestLoadBalancerPrefersRegion(t *testing.T) {
	lb := NewLoadBalancer()
	lb.Upsert(Instance{ID: "a", Addr: "10.0.0.1:80", Region: "us"})
	lb.Upsert(Instance{ID: "b", Addr: "10.0.0.2:80", Region: "eu"})

	inst, ok := lb.Pick("203.0.113.7", "eu")
	require.True(t, ok)
	assert.Equal(t, "b", inst.ID)

	// unknown region falls back to the full set
	_, ok = lb.Pick("203.0.113.7", "apac")
	assert.True(t, ok)

	empty := NewLoadBalancer()
	_, ok = empty.Pick("203.0.113.7", "")
	assert.False(t, ok)
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow(now))
		cb.RecordFailure(now)
	}
	assert.False(t, cb.Allow(now), "threshold reached, breaker open")
	assert.False(t, cb.Allow(now.Add(30*time.Second)))

	// after the open window, exactly one probe passes
	probe := now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(probe))
	assert.False(t, cb.Allow(probe), "only one half-open probe at a time")

	cb.RecordSuccess()
	assert.True(t, cb.Allow(probe), "success closes the breaker")
}
