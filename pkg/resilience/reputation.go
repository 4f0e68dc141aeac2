package resilience

import (
	"sync"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// DefaultReputation is the starting score for a never-seen peer.
const DefaultReputation = 1.0

// ReputationFloor is the minimum a score can decay to; it never goes
// negative so comparisons and decay multipliers stay well-behaved.
const ReputationFloor = 0.0

// Reputation decrements: fixed penalties applied on the two concrete
// misbehaviors consensus and sync can actually detect, double-votes
// and state-hash mismatches.
const (
	StateHashMismatchPenalty = 0.15
	DoubleVotePenalty        = 0.35
)

// ReputationTracker accumulates a per-peer trust score, decremented by
// misbehavior observed in pkg/consensus (duplicate votes from the same
// voter) and pkg/syncstate (a peer-supplied state that fails hash
// verification). A mutex-guarded map, one entry per scored peer, read
// through Score.
type ReputationTracker struct {
	mu     sync.Mutex
	scores map[types.PeerId]float64
}

// NewReputationTracker builds an empty tracker.
func NewReputationTracker() *ReputationTracker {
	return &ReputationTracker{scores: make(map[types.PeerId]float64)}
}

func (r *ReputationTracker) get(peer types.PeerId) float64 {
	if s, ok := r.scores[peer]; ok {
		return s
	}
	return DefaultReputation
}

// Score returns a peer's current reputation, defaulting to
// DefaultReputation for an unseen peer.
func (r *ReputationTracker) Score(peer types.PeerId) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(peer)
}

// Penalize decrements a peer's score by the given amount, floored at
// ReputationFloor.
func (r *ReputationTracker) Penalize(peer types.PeerId, amount float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.get(peer) - amount
	if next < ReputationFloor {
		next = ReputationFloor
	}
	r.scores[peer] = next
	return next
}

// RecordStateHashMismatch penalizes a peer whose synced state failed
// verification (pkg/syncstate's verification phase).
func (r *ReputationTracker) RecordStateHashMismatch(peer types.PeerId) float64 {
	return r.Penalize(peer, StateHashMismatchPenalty)
}

// RecordDoubleVote penalizes a peer caught voting twice for the same
// proposal (pkg/consensus's duplicate-vote detection).
func (r *ReputationTracker) RecordDoubleVote(peer types.PeerId) float64 {
	return r.Penalize(peer, DoubleVotePenalty)
}

// Reward nudges a peer's score back up, capped at DefaultReputation,
// for sustained good behavior (e.g. the proof-of-relay accumulator
// draining cleanly attributed relays).
func (r *ReputationTracker) Reward(peer types.PeerId, amount float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.get(peer) + amount
	if next > DefaultReputation {
		next = DefaultReputation
	}
	r.scores[peer] = next
	return next
}
