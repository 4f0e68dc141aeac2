package mesh

import (
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// PartitionCheckInterval is the background detection cadence.
const PartitionCheckInterval = 30 * time.Second

// PartitionThreshold is how long the connected set must stay below
// MinConnectivity before declaring a partition.
const PartitionThreshold = 60 * time.Second

// MinConnectivity is the minimum connected-peer count considered
// "not partitioned".
const MinConnectivity = 2

// partitionTracker is the partition detection and recovery state
// machine: a 30s observation sweep and a 60s low-connectivity
// threshold before declaring a partition.
type partitionTracker struct {
	mu sync.Mutex

	connected map[types.PeerId]time.Time // peer -> time first seen in current "our partition" set
	lostAt    map[types.PeerId]time.Time // peer -> time it dropped out, while suspected partitioned

	lastFullConnectivity time.Time
	belowSince           time.Time
	isPartitioned        bool
}

func newPartitionTracker() *partitionTracker {
	return &partitionTracker{
		connected: make(map[types.PeerId]time.Time),
		lostAt:    make(map[types.PeerId]time.Time),
	}
}

// partitionOutcome reports the events the caller must emit after a
// Check call.
type partitionOutcome struct {
	becamePartitioned bool
	isolated          []types.PeerId
	recovered         []types.PeerId
	recoveredDuration time.Duration
}

// Check runs one detection cycle against the current connected peer
// set.
func (p *partitionTracker) Check(now time.Time, currentlyConnected []types.PeerId) partitionOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	connectedSet := make(map[types.PeerId]bool, len(currentlyConnected))
	for _, id := range currentlyConnected {
		connectedSet[id] = true
	}

	var outcome partitionOutcome

	if len(currentlyConnected) >= MinConnectivity {
		p.lastFullConnectivity = now
		p.belowSince = time.Time{}

		if p.isPartitioned {
			for id, lostTime := range p.lostAt {
				if connectedSet[id] {
					outcome.recovered = append(outcome.recovered, id)
					outcome.recoveredDuration = now.Sub(lostTime)
					delete(p.lostAt, id)
				}
			}
			if len(p.lostAt) == 0 {
				p.isPartitioned = false
			}
		}
	} else {
		if p.belowSince.IsZero() {
			p.belowSince = now
		}
		since := p.lastFullConnectivity
		if since.IsZero() {
			since = p.belowSince
		}
		if !p.isPartitioned && now.Sub(since) >= PartitionThreshold {
			p.isPartitioned = true
			outcome.becamePartitioned = true
			for id := range p.connected {
				if !connectedSet[id] {
					p.lostAt[id] = now
					outcome.isolated = append(outcome.isolated, id)
				}
			}
		}
	}

	if len(currentlyConnected) >= MinConnectivity {
		p.connected = make(map[types.PeerId]time.Time, len(currentlyConnected))
		for _, id := range currentlyConnected {
			p.connected[id] = now
		}
	}

	return outcome
}

func (p *partitionTracker) IsPartitioned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPartitioned
}
