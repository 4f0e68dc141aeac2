package gateway

import (
	"sync"
	"time"
)

// breakerState is one upstream's circuit state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// DefaultBreakerFailureThreshold and DefaultBreakerOpenDuration size an
// upstream's circuit breaker: five consecutive failures opens it, and
// it stays open for 30s before allowing a single half-open probe.
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerOpenDuration     = 30 * time.Second
)

// CircuitBreaker guards one upstream service instance: once
// FailureThreshold consecutive requests fail, it opens and rejects
// calls for OpenDuration before allowing a single probe through.
// Grounded on pkg/resilience.PhiDetector's small mutex-guarded struct
// shape; this package can't import pkg/resilience's peer-keyed
// detector directly since a breaker here tracks upstream service
// instances, not mesh peers.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	openDuration     time.Duration

	state       breakerState
	failures    int
	openedAt    time.Time
	halfOpenHit bool
}

// NewCircuitBreaker builds a closed breaker with the given thresholds
// (0 values fall back to the package defaults).
func NewCircuitBreaker(failureThreshold int, openDuration time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultBreakerFailureThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultBreakerOpenDuration
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, openDuration: openDuration}
}

// Allow reports whether a call may proceed, transitioning Open ->
// HalfOpen once openDuration has elapsed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(c.openedAt) < c.openDuration {
			return false
		}
		c.state = breakerHalfOpen
		c.halfOpenHit = true // this call is the probe
		return true
	case breakerHalfOpen:
		if c.halfOpenHit {
			return false
		}
		c.halfOpenHit = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = breakerClosed
	c.failures = 0
}

// RecordFailure increments the failure count, opening the breaker once
// the threshold is reached (or immediately, from HalfOpen).
func (c *CircuitBreaker) RecordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == breakerHalfOpen {
		c.state = breakerOpen
		c.openedAt = now
		return
	}
	c.failures++
	if c.failures >= c.failureThreshold {
		c.state = breakerOpen
		c.openedAt = now
	}
}

// State reports the breaker's current state, for /status reporting.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerRegistry tracks one CircuitBreaker per upstream instance key.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry builds an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key, creating one with default
// thresholds on first use.
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewCircuitBreaker(0, 0)
		r.breakers[key] = b
	}
	return b
}
