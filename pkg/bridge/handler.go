package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

// DefaultMaxMessagesPerSecond is the handler's token-bucket rate.
const DefaultMaxMessagesPerSecond = 100

// DefaultValidationTimeout is the future/past tolerance on a
// ConsensusMessage's timestamp.
const DefaultValidationTimeout = 60 * time.Second

// DefaultQueueCapacity bounds each of the four priority queues.
const DefaultQueueCapacity = 4096

// kindPriority maps a consensus payload kind to the mesh Priority that
// determines its queue. Commit carries the result of a
// completed vote and unblocks the next round, so it is Critical; Vote
// and ViewChange are High (they gate quorum and liveness); Proposal is
// Normal; Heartbeat is Low.
func kindPriority(k consensus.MessageKind) mesh.Priority {
	switch k {
	case consensus.KindCommit:
		return mesh.PriorityCritical
	case consensus.KindVote, consensus.KindViewChange:
		return mesh.PriorityHigh
	case consensus.KindProposal:
		return mesh.PriorityNormal
	default: // consensus.KindHeartbeat
		return mesh.PriorityLow
	}
}

// Stats reports the handler's running counters.
type Stats struct {
	Received           uint64
	Processed          uint64
	Dropped            uint64
	ByPriority         [4]uint64 // indexed by mesh.Priority
	ValidationFailures uint64
	RateLimited        uint64
}

// Handler is the process-wide consensus traffic multiplexer: it
// validates, rate-limits, and drains four strict-priority queues,
// routing each message to the Bridge registered for its game_id.
// A missing bridge is a benign drop.
type Handler struct {
	mu      sync.Mutex
	bridges map[types.GameId]*Bridge

	limiter           *rate.Limiter
	validationTimeout time.Duration
	queues            [4]chan *ConsensusMessage
	log               bclog.Logger
	stop              chan struct{}
	now               func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// NewHandler builds a Handler with the given rate limit and per-queue
// capacity; zero values fall back to the defaults above.
func NewHandler(maxMessagesPerSecond, queueCapacity int, log bclog.Logger) *Handler {
	if maxMessagesPerSecond <= 0 {
		maxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if log == nil {
		log = bclog.NewNop()
	}
	h := &Handler{
		bridges:           make(map[types.GameId]*Bridge),
		limiter:           rate.NewLimiter(rate.Limit(maxMessagesPerSecond), maxMessagesPerSecond),
		validationTimeout: DefaultValidationTimeout,
		log:               log,
		stop:              make(chan struct{}),
		now:               time.Now,
	}
	for i := range h.queues {
		h.queues[i] = make(chan *ConsensusMessage, queueCapacity)
	}
	return h
}

// RegisterBridge binds a bridge for its game id.
func (h *Handler) RegisterBridge(b *Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridges[b.GameID()] = b
}

// UnregisterBridge removes a game's bridge.
func (h *Handler) UnregisterBridge(gameID types.GameId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bridges, gameID)
}

// HandlePacket is the mesh.PacketHandler the mesh service invokes for
// every locally-addressed wire.TypeConsensusVote packet.
func (h *Handler) HandlePacket(pkt *wire.Packet) {
	h.statsMu.Lock()
	h.stats.Received++
	h.statsMu.Unlock()

	raw, ok := pkt.Payload()
	if !ok {
		h.dropValidation("missing payload")
		return
	}
	if len(raw) > MaxMessageSize {
		h.dropValidation("oversize payload")
		return
	}
	cm, err := DecodeConsensusMessage(raw)
	if err != nil {
		h.dropValidation(err.Error())
		return
	}
	if err := h.validate(cm); err != nil {
		h.dropValidation(err.Error())
		return
	}
	if !h.limiter.Allow() {
		h.statsMu.Lock()
		h.stats.RateLimited++
		h.statsMu.Unlock()
		return
	}

	priority := kindPriority(cm.Payload.Kind())
	select {
	case h.queues[priority] <- cm:
		h.statsMu.Lock()
		h.stats.ByPriority[priority]++
		h.statsMu.Unlock()
	default:
		h.statsMu.Lock()
		h.stats.Dropped++
		h.statsMu.Unlock()
		h.log.Warnw("bridge: priority queue full, dropping message", "priority", priority.String(), "game", cm.GameID.String())
	}
}

func (h *Handler) validate(cm *ConsensusMessage) error {
	if cm.Sender.IsZero() {
		return bcerr.New(bcerr.KindValidation, "bridge.Handler.validate", errors.New("zero sender"))
	}
	if isZeroSignature(cm.Signature) {
		return bcerr.New(bcerr.KindValidation, "bridge.Handler.validate", errors.New("zero signature"))
	}
	ts := time.Unix(0, int64(cm.Timestamp))
	now := h.now()
	if ts.After(now.Add(h.validationTimeout)) || ts.Before(now.Add(-h.validationTimeout)) {
		return bcerr.New(bcerr.KindValidation, "bridge.Handler.validate", errors.New("timestamp outside validation window"))
	}
	return nil
}

func isZeroSignature(sig [64]byte) bool {
	for _, b := range sig {
		if b != 0 {
			return false
		}
	}
	return true
}

func (h *Handler) dropValidation(reason string) {
	h.statsMu.Lock()
	h.stats.ValidationFailures++
	h.statsMu.Unlock()
	h.log.Warnw("bridge: validation failed", "reason", reason)
}

// dequeue drains whichever of the four queues holds a message, always
// checking Critical before High before Normal before Low.
func (h *Handler) dequeue() (*ConsensusMessage, bool) {
	for p := 3; p >= 0; p-- {
		select {
		case m := <-h.queues[p]:
			return m, true
		default:
		}
	}
	return nil, false
}

// Run drains the priority queues until ctx is cancelled or Stop is
// called, routing each message to its game's bridge.
func (h *Handler) Run(ctx context.Context) {
	for {
		if msg, ok := h.dequeue(); ok {
			h.route(msg)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case m := <-h.queues[3]:
			h.route(m)
		case m := <-h.queues[2]:
			h.route(m)
		case m := <-h.queues[1]:
			h.route(m)
		case m := <-h.queues[0]:
			h.route(m)
		}
	}
}

func (h *Handler) route(msg *ConsensusMessage) {
	h.mu.Lock()
	b, ok := h.bridges[msg.GameID]
	h.mu.Unlock()
	if !ok {
		return // missing bridge = benign drop
	}
	if err := b.Deliver(msg.Payload); err != nil {
		h.log.Warnw("bridge: delivery failed", "game", msg.GameID.String(), "err", err)
		return
	}
	h.statsMu.Lock()
	h.stats.Processed++
	h.statsMu.Unlock()
}

// Stop ends Run.
func (h *Handler) Stop() { close(h.stop) }

// Stats returns a snapshot of the handler's counters.
func (h *Handler) Stats() Stats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats
}
