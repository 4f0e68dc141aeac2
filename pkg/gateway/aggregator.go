package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// FlushInterval is how often the aggregator flushes each game's
// pending round to consensus.
const FlushInterval = 500 * time.Millisecond

// ActionSubmitter is the subset of *session.Manager the aggregator
// needs; narrowed to an interface so tests can stub consensus
// submission without spinning up a real bridge/engine.
type ActionSubmitter interface {
	SubmitGameAction(gameID types.GameId, action string, round uint64, bets []session.BetGroup, payouts []session.PayoutEntry, reason string) (uint64, error)
}

// Events is the subset of Broker the aggregator publishes round
// lifecycle notifications to.
type Events interface {
	Publish(topic string, event any)
}

// Aggregator batches HTTP bet placements per (game_id, round_seq) and
// flushes them as GameAction proposals on a timer. The
// per-game mutex-guarded map mirrors pkg/session.Manager's own
// gameEntry registry shape.
type Aggregator struct {
	mu     sync.Mutex
	rounds map[types.GameId]*round

	submitter ActionSubmitter
	events    Events
	log       bclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAggregator builds an Aggregator. Call Start to launch its flush
// loop.
func NewAggregator(submitter ActionSubmitter, events Events, log bclog.Logger) *Aggregator {
	if log == nil {
		log = bclog.NewNop()
	}
	return &Aggregator{
		rounds:    make(map[types.GameId]*round),
		submitter: submitter,
		events:    events,
		log:       log,
	}
}

// Start launches the periodic flush loop.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel
	go a.runFlushLoop(ctx)
}

// Stop ends the flush loop.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Aggregator) currentRound(gameID types.GameId) *round {
	r, ok := a.rounds[gameID]
	if !ok {
		r = &round{seq: 1, createdAt: time.Now()}
		a.rounds[gameID] = r
	}
	return r
}

// AcceptBet validates and appends a bet to gameID's current round,
// returning the round_seq it landed in.
func (a *Aggregator) AcceptBet(gameID types.GameId, player types.PeerId, betType string, amount types.Tokens) (uint64, error) {
	if !validBetType(betType) {
		return 0, bcerr.New(bcerr.KindValidation, "gateway.AcceptBet", bcerr.ErrInvalidBet)
	}
	if amount == 0 {
		return 0, bcerr.New(bcerr.KindValidation, "gateway.AcceptBet", bcerr.ErrInvalidBet)
	}

	a.mu.Lock()
	r := a.currentRound(gameID)
	entry := betEntry{Player: player, BetType: betType, Amount: amount, seq: len(r.entries)}
	r.entries = append(r.entries, entry)
	seq := r.seq
	a.mu.Unlock()

	if a.events != nil {
		a.events.Publish(topicForGame(gameID), map[string]any{
			"type":     "bet_accepted",
			"player":   player.String(),
			"bet_type": betType,
			"amount":   amount,
			"round":    seq,
		})
	}
	return seq, nil
}

// Proof returns the inclusion proof for a given bet within gameID's
// round (the current round if round is nil), or ok=false when no
// matching entry exists.
func (a *Aggregator) Proof(gameID types.GameId, round *uint64, player types.PeerId, betType string, amount types.Tokens) (ProofResponse, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rounds[gameID]
	if !ok {
		return ProofResponse{}, false
	}
	if round != nil && *round != r.seq {
		return ProofResponse{Round: *round}, false
	}

	idx := -1
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.Player == player && e.BetType == betType && e.Amount == amount {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ProofResponse{Round: r.seq}, false
	}

	branch, root, ok := roundMerkleProof(r.entries, idx)
	if !ok {
		return ProofResponse{Round: r.seq}, false
	}
	hexBranch := make([]string, len(branch))
	for i, h := range branch {
		hexBranch[i] = h.String()
	}
	return ProofResponse{Round: r.seq, Proof: &ProofEntry{Branch: hexBranch, Root: root.String()}}, true
}

// SubmitPayouts forwards a payout batch as a GameAction proposal
// immediately, rather than waiting for the flush timer
// since payouts aren't accumulated client-side.
func (a *Aggregator) SubmitPayouts(gameID types.GameId, payouts []session.PayoutEntry, reason string, round uint64) error {
	_, err := a.submitter.SubmitGameAction(gameID, "payouts", round, nil, payouts, reason)
	if err != nil {
		return err
	}
	if a.events != nil {
		a.events.Publish(topicForGame(gameID), map[string]any{
			"type":    "payouts_submitted",
			"count":   len(payouts),
			"reason":  reason,
			"round":   round,
		})
	}
	return nil
}

func (a *Aggregator) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushAll()
		}
	}
}

func (a *Aggregator) flushAll() {
	a.mu.Lock()
	due := make(map[types.GameId]*round, len(a.rounds))
	for gameID, r := range a.rounds {
		if len(r.entries) > 0 {
			due[gameID] = r
		}
	}
	a.mu.Unlock()

	for gameID, r := range due {
		a.flushOne(gameID, r)
	}
}

// flushOne submits one game's pending round and, only on success,
// clears it and advances round_seq.
func (a *Aggregator) flushOne(gameID types.GameId, r *round) {
	a.mu.Lock()
	entries := append([]betEntry(nil), r.entries...)
	seq := r.seq
	a.mu.Unlock()

	bets := make([]session.BetGroup, len(entries))
	for i, e := range entries {
		bets[i] = session.BetGroup{Player: e.Player, BetType: e.BetType, Amount: e.Amount}
	}

	if payload, err := json.Marshal(bets); err == nil {
		a.log.Debugw("gateway: flushing round", "game", gameID.String(), "round", seq, "bets", len(bets), "payload_size", bytefmt.ByteSize(uint64(len(payload))))
	}

	_, err := a.submitter.SubmitGameAction(gameID, "aggregate_bets", seq, bets, nil, "")
	if err != nil {
		a.log.Warnw("gateway: round flush failed, will retry next tick", "game", gameID.String(), "round", seq, "err", err)
		return
	}

	a.mu.Lock()
	if cur, ok := a.rounds[gameID]; ok && cur.seq == seq {
		// Only drop what we actually flushed: AcceptBet may have
		// appended more entries to this same round between the
		// snapshot above and now.
		if len(cur.entries) >= len(entries) {
			cur.entries = append([]betEntry(nil), cur.entries[len(entries):]...)
		} else {
			cur.entries = nil
		}
		cur.seq++
		cur.createdAt = time.Now()
	}
	a.mu.Unlock()
}

func topicForGame(gameID types.GameId) string {
	return "game:" + gameID.String() + ":events"
}
