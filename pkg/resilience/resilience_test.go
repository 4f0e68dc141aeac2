package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/types"
)

func TestPhiDetectorStableHeartbeatsStayUnsuspected(t *testing.T) {
	d := NewPhiDetector(DefaultPhiThreshold)
	start := time.Now()
	for i := 0; i < 20; i++ {
		d.Heartbeat(start.Add(time.Duration(i) * time.Second))
	}
	suspected, phi := d.Check(start.Add(20 * time.Second))
	assert.False(t, suspected)
	assert.Less(t, phi, DefaultPhiThreshold)
}

func TestPhiDetectorSuspectsLongGap(t *testing.T) {
	d := NewPhiDetector(DefaultPhiThreshold)
	start := time.Now()
	for i := 0; i < 20; i++ {
		d.Heartbeat(start.Add(time.Duration(i) * time.Second))
	}
	became, phi := d.Check(start.Add(5 * time.Minute))
	assert.True(t, became)
	assert.Greater(t, phi, DefaultPhiThreshold)
}

func TestPhiDetectorRecoveryClearsSuspicion(t *testing.T) {
	d := NewPhiDetector(DefaultPhiThreshold)
	start := time.Now()
	for i := 0; i < 20; i++ {
		d.Heartbeat(start.Add(time.Duration(i) * time.Second))
	}
	d.Check(start.Add(5 * time.Minute))
	d.Heartbeat(start.Add(5 * time.Minute))
	assert.False(t, d.suspected)
}

func TestRecoverySelectorFavorsHigherSuccessRate(t *testing.T) {
	sel := NewRecoverySelector([]RecoveryStrategy{
		{Name: "fast-retry", SuccessThreshold: 0.5},
		{Name: "slow-backoff", SuccessThreshold: 0.5},
	})
	for i := 0; i < 10; i++ {
		sel.RecordOutcome("fast-retry", false)
	}
	for i := 0; i < 10; i++ {
		sel.RecordOutcome("slow-backoff", true)
	}
	best, ok := sel.Select()
	assert.True(t, ok)
	assert.Equal(t, "slow-backoff", best.Name)
}

func TestHealthMonitorDetectsDegradation(t *testing.T) {
	hm := NewHealthMonitor()
	changed, band, _ := hm.Update(HealthScores{Connectivity: 0.1, Latency: 0.1, Throughput: 0.1, Stability: 0.1})
	assert.True(t, changed)
	assert.Equal(t, HealthCritical, band)
}

func TestHealthMonitorNoChangeWithinSameBand(t *testing.T) {
	hm := NewHealthMonitor()
	hm.Update(HealthScores{Connectivity: 0.9, Latency: 0.9, Throughput: 0.9, Stability: 0.9})
	changed, _, _ := hm.Update(HealthScores{Connectivity: 0.95, Latency: 0.95, Throughput: 0.95, Stability: 0.95})
	assert.False(t, changed)
}

func TestReputationPenaltiesAndFloor(t *testing.T) {
	var p types.PeerId
	p[0] = 7
	r := NewReputationTracker()
	assert.Equal(t, DefaultReputation, r.Score(p))

	r.RecordDoubleVote(p)
	assert.InDelta(t, DefaultReputation-DoubleVotePenalty, r.Score(p), 1e-9)

	for i := 0; i < 10; i++ {
		r.Penalize(p, 1.0)
	}
	assert.Equal(t, ReputationFloor, r.Score(p))
}

func TestReputationRewardCapped(t *testing.T) {
	var p types.PeerId
	p[0] = 8
	r := NewReputationTracker()
	assert.Equal(t, DefaultReputation, r.Reward(p, 1.0))
}

type recordingSink struct {
	mu     sync.Mutex
	failed []types.PeerId
}

func (r *recordingSink) MarkNodeFailed(peer types.PeerId) {
	r.mu.Lock()
	r.failed = append(r.failed, peer)
	r.mu.Unlock()
}

func TestMonitorMarksSilentPeerFailedAndRecovers(t *testing.T) {
	var p types.PeerId
	p[0] = 3
	sink := &recordingSink{}
	m := NewMonitor(DefaultPhiThreshold, sink, bclog.NewNop())

	start := time.Now()
	for i := 0; i < 20; i++ {
		m.Heartbeat(p, start.Add(time.Duration(i)*time.Second))
	}
	m.Sweep(start.Add(10 * time.Minute))
	assert.Equal(t, []types.PeerId{p}, sink.failed)

	select {
	case ev := <-m.Events():
		assert.Equal(t, NodeFailureDetected, ev.Kind)
		assert.Equal(t, p, ev.Peer)
	default:
		t.Fatal("expected a failure event")
	}

	m.Heartbeat(p, start.Add(11*time.Minute))
	select {
	case ev := <-m.Events():
		assert.Equal(t, NodeRecovered, ev.Kind)
	default:
		t.Fatal("expected a recovery event")
	}

	// a fresh heartbeat resets suspicion; a prompt sweep stays quiet
	sink.failed = nil
	m.Heartbeat(p, start.Add(12*time.Minute))
	m.Sweep(start.Add(12*time.Minute+time.Second))
	assert.Empty(t, sink.failed)
}
