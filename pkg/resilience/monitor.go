package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// DefaultCheckInterval is the suspicion sweep cadence.
const DefaultCheckInterval = 5 * time.Second

// FailureSink receives the peers the monitor declares failed; the
// routing layer implements it by removing routes through them.
type FailureSink interface {
	MarkNodeFailed(peer types.PeerId)
}

// MonitorEventKind tags a Monitor notification.
type MonitorEventKind uint8

const (
	NodeFailureDetected MonitorEventKind = iota
	NodeRecovered
	HealthDegradation
)

// MonitorEvent is one failure/recovery/health notification.
type MonitorEvent struct {
	Kind MonitorEventKind
	Peer types.PeerId
	Phi  float64
	Band HealthBand
}

// Monitor runs per-peer phi-accrual detection over the whole peer
// set, feeding suspected peers to a FailureSink and emitting
// failure/recovery events on a bounded channel. Heartbeats come from
// any sign of life the mesh observes for a peer.
type Monitor struct {
	mu        sync.Mutex
	detectors map[types.PeerId]*PhiDetector
	suspected map[types.PeerId]bool

	threshold float64
	sink      FailureSink
	health    *HealthMonitor
	events    chan MonitorEvent
	log       bclog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMonitor builds a Monitor with the given suspicion threshold
// (zero means DefaultPhiThreshold). sink may be nil.
func NewMonitor(threshold float64, sink FailureSink, log bclog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultPhiThreshold
	}
	return &Monitor{
		detectors: make(map[types.PeerId]*PhiDetector),
		suspected: make(map[types.PeerId]bool),
		threshold: threshold,
		sink:      sink,
		health:    NewHealthMonitor(),
		events:    make(chan MonitorEvent, 64),
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Events returns the monitor's notification channel.
func (m *Monitor) Events() <-chan MonitorEvent { return m.events }

// Heartbeat records a sign of life from peer at now, clearing any
// standing suspicion and emitting NodeRecovered if there was one.
func (m *Monitor) Heartbeat(peer types.PeerId, now time.Time) {
	m.mu.Lock()
	d, ok := m.detectors[peer]
	if !ok {
		d = NewPhiDetector(m.threshold)
		m.detectors[peer] = d
	}
	wasSuspected := m.suspected[peer]
	m.suspected[peer] = false
	m.mu.Unlock()

	d.Heartbeat(now)
	if wasSuspected {
		m.emit(MonitorEvent{Kind: NodeRecovered, Peer: peer})
	}
}

// Forget drops a peer's detector state, for peers that left cleanly.
func (m *Monitor) Forget(peer types.PeerId) {
	m.mu.Lock()
	delete(m.detectors, peer)
	delete(m.suspected, peer)
	m.mu.Unlock()
}

// Sweep evaluates every tracked peer at now, marking fresh suspects
// failed. Exposed for tests; Run drives it on a ticker.
func (m *Monitor) Sweep(now time.Time) {
	m.mu.Lock()
	peers := make(map[types.PeerId]*PhiDetector, len(m.detectors))
	for p, d := range m.detectors {
		peers[p] = d
	}
	m.mu.Unlock()

	for p, d := range peers {
		became, phi := d.Check(now)
		if !became {
			continue
		}
		m.mu.Lock()
		m.suspected[p] = true
		m.mu.Unlock()
		if m.sink != nil {
			m.sink.MarkNodeFailed(p)
		}
		m.log.Warnw("peer suspected failed", "peer", p.String(), "phi", phi)
		m.emit(MonitorEvent{Kind: NodeFailureDetected, Peer: p, Phi: phi})
	}
}

// UpdateHealth folds fresh sub-scores into the health monitor,
// emitting HealthDegradation when the overall band worsens.
func (m *Monitor) UpdateHealth(scores HealthScores) {
	prev := m.health.Band()
	changed, band, overall := m.health.Update(scores)
	if changed && band > prev {
		m.log.Warnw("health degraded", "band", int(band), "overall", overall)
		m.emit(MonitorEvent{Kind: HealthDegradation, Band: band})
	}
}

// Run drives the suspicion sweep until ctx is cancelled or Stop is
// called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(DefaultCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Stop halts Run.
func (m *Monitor) Stop() { m.stopOnce.Do(func() { close(m.stop) }) }

func (m *Monitor) emit(ev MonitorEvent) {
	select {
	case m.events <- ev:
	default:
	}
}
