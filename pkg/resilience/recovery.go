package resilience

import "sync"

// RecoveryStrategy is a configured recovery policy:
// "{name, timeout, retry_interval, max_attempts, success_threshold}".
type RecoveryStrategy struct {
	Name             string
	TimeoutSeconds   int
	RetryIntervalSec int
	MaxAttempts      int
	SuccessThreshold float64
}

type strategyStats struct {
	attempts int
	successes int
}

// successRate is the observed fraction of recoveries attempted with
// this strategy that succeeded; zero-attempt strategies rank by their
// configured SuccessThreshold so an untried strategy isn't starved
// forever.
func (s strategyStats) successRate(configured float64) float64 {
	if s.attempts == 0 {
		return configured
	}
	return float64(s.successes) / float64(s.attempts)
}

// RecoverySelector picks among configured strategies by historical
// success rate, structured as a small registry the
// same way pkg/routing's Router wraps algorithm selection.
type RecoverySelector struct {
	mu         sync.Mutex
	strategies []RecoveryStrategy
	stats      map[string]*strategyStats
}

// NewRecoverySelector builds a selector over the given strategies.
func NewRecoverySelector(strategies []RecoveryStrategy) *RecoverySelector {
	stats := make(map[string]*strategyStats, len(strategies))
	for _, s := range strategies {
		stats[s.Name] = &strategyStats{}
	}
	return &RecoverySelector{strategies: strategies, stats: stats}
}

// Select returns the strategy with the highest observed success rate.
func (r *RecoverySelector) Select() (RecoveryStrategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.strategies) == 0 {
		return RecoveryStrategy{}, false
	}
	best := r.strategies[0]
	bestRate := r.stats[best.Name].successRate(best.SuccessThreshold)
	for _, s := range r.strategies[1:] {
		rate := r.stats[s.Name].successRate(s.SuccessThreshold)
		if rate > bestRate {
			bestRate = rate
			best = s
		}
	}
	return best, true
}

// RecordOutcome updates a strategy's historical success rate after an
// attempt.
func (r *RecoverySelector) RecordOutcome(name string, succeeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[name]
	if !ok {
		st = &strategyStats{}
		r.stats[name] = st
	}
	st.attempts++
	if succeeded {
		st.successes++
	}
}
