package mesh

import (
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// RelayRecord is one accounted proof-of-relay event:
// "(relay_peer=self, packet_hash_256, source, destination, hop_count=8-ttl)".
type RelayRecord struct {
	RelayPeer  types.PeerId
	PacketHash types.Hash256
	Source     types.PeerId
	Destination types.PeerId
	HopCount   uint8
	At         time.Time
}

// ProofOfRelay accumulates relay records for token accounting. It is
// failure-tolerant by construction: Record never returns an error, it
// only logs and continues, so accounting can never block forwarding.
type ProofOfRelay struct {
	mu      sync.Mutex
	log     bclog.Logger
	records []RelayRecord
	cap     int
}

// NewProofOfRelay builds an accumulator bounded to cap records: once
// more than cap are held, Record drops the oldest ones; Drain empties
// it for the caller (e.g. a mining-reward batch job).
func NewProofOfRelay(cap int, log bclog.Logger) *ProofOfRelay {
	return &ProofOfRelay{cap: cap, log: log}
}

// Record appends a relay event, defending against an unbounded memory
// growth if nothing ever drains Drain.
func (p *ProofOfRelay) Record(rec RelayRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	if len(p.records) > p.cap {
		overflow := len(p.records) - p.cap
		p.log.Warnw("proof-of-relay buffer full, dropping oldest", "dropped", overflow)
		p.records = p.records[overflow:]
	}
}

// Drain returns and clears all accumulated records, for the caller's
// periodic token-accounting sweep.
func (p *ProofOfRelay) Drain() []RelayRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.records
	p.records = nil
	return out
}

// Len reports the number of unresolved records.
func (p *ProofOfRelay) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}
