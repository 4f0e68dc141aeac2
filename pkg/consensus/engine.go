// Package consensus implements the per-game
// Byzantine-fault-tolerant proposal/vote/commit state machine. Config
// supplies externally-provided state-apply/validate callbacks; each
// game runs its own independent instance with its own quorum and
// round rather than sharing a single global agreement round.
package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// MinimumParticipants is the floor a game's participant set must clear
// to start a consensus engine. Full Byzantine fault tolerance wants
// N >= 3f+1 with at least one tolerated fault, but degenerate N=1 and
// N=2 games (quorum 1 and 2 respectively, with no fault tolerance at
// those sizes) are still valid games, so the floor allows them rather
// than rejecting them outright.
const MinimumParticipants = 1

// DefaultViewChangeTimeout is the round-progress timeout.
const DefaultViewChangeTimeout = 30 * time.Second

// Quorum is the two-thirds-plus-one commit threshold: 2N/3+1 with
// integer division, so a lone participant commits immediately, two
// need both, and four tolerate one fault.
func Quorum(n int) int {
	return 2*n/3 + 1
}

// Config configures a single game's consensus engine: externally
// supplied pure functions over an opaque state, validated up front
// rather than defaulted silently.
type Config struct {
	GameID       types.GameId
	Self         types.PeerId
	Participants []types.PeerId // canonical order; use types.SortPeers
	InitialState State

	// Apply applies an Operation to a State. Must be deterministic.
	Apply ApplyFunc

	// Broadcast sends a Message to every participant (pkg/bridge
	// wires this to the mesh). Nil is permitted for a single-node
	// engine used in tests.
	Broadcast func(Message)

	// OnDuplicateVote is called whenever a participant is observed
	// voting twice on the same proposal (feeds
	// pkg/resilience.ReputationTracker.RecordDoubleVote).
	OnDuplicateVote func(voter types.PeerId)

	ViewChangeTimeout time.Duration
	Log               bclog.Logger

	// now is overridden in tests; defaults to time.Now.
	now func() time.Time
}

// VerifyConfig validates a Config, returning a *bcerr.Error instead of
// a flat sentinel so callers can branch on Kind.
func VerifyConfig(cfg *Config) error {
	if cfg.GameID.IsZero() {
		return bcerr.New(bcerr.KindValidation, "consensus.VerifyConfig", errors.New("zero game id"))
	}
	if cfg.Self.IsZero() {
		return bcerr.New(bcerr.KindValidation, "consensus.VerifyConfig", errors.New("zero self peer id"))
	}
	if len(cfg.Participants) < MinimumParticipants {
		return bcerr.New(bcerr.KindValidation, "consensus.VerifyConfig", fmt.Errorf("need at least %d participants, got %d", MinimumParticipants, len(cfg.Participants)))
	}
	if cfg.Apply == nil {
		return bcerr.New(bcerr.KindValidation, "consensus.VerifyConfig", errors.New("nil Apply function"))
	}
	return nil
}

type proposalTally struct {
	proposal     Proposal
	votesFor     map[types.PeerId]bool
	votesAgainst map[types.PeerId]bool
	commits      map[types.PeerId]types.Hash256
	committed    bool
	applied      bool
}

// Engine runs one game's proposal/vote/commit state machine.
// Single-writer via mu; methods never hold it across a mesh send.
type Engine struct {
	mu sync.Mutex

	gameID       types.GameId
	self         types.PeerId
	participants []types.PeerId

	state     State
	sequence  uint64
	stateHash types.Hash256
	round     uint64

	apply           ApplyFunc
	broadcast       func(Message)
	onDuplicateVote func(types.PeerId)
	log             bclog.Logger
	now             func() time.Time

	nextProposalID uint64
	proposals      map[uint64]*proposalTally
	viewChanges    map[uint64]map[types.PeerId]bool

	viewChangeTimeout time.Duration
	lastProgress      time.Time
}

// New builds an Engine, returning an error if cfg fails VerifyConfig.
func New(cfg Config) (*Engine, error) {
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = bclog.NewNop()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.ViewChangeTimeout
	if timeout <= 0 {
		timeout = DefaultViewChangeTimeout
	}
	e := &Engine{
		gameID:            cfg.GameID,
		self:              cfg.Self,
		participants:      types.SortPeers(append([]types.PeerId(nil), cfg.Participants...)),
		state:             cfg.InitialState,
		apply:             cfg.Apply,
		broadcast:         cfg.Broadcast,
		onDuplicateVote:   cfg.OnDuplicateVote,
		log:               log,
		now:               now,
		proposals:         make(map[uint64]*proposalTally),
		viewChanges:       make(map[uint64]map[types.PeerId]bool),
		viewChangeTimeout: timeout,
	}
	e.stateHash = StateHash(e.gameID, 0, e.state)
	e.lastProgress = now()
	return e, nil
}

// InstallState replaces the engine's applied state with a
// sync-verified snapshot at a higher sequence, the repair path taken
// when rejoining partitions reconcile. Lower-or-equal sequences are
// rejected: local commits always win ties.
func (e *Engine) InstallState(state State, sequence uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sequence <= e.sequence {
		return bcerr.New(bcerr.KindConsensus, "consensus.InstallState", bcerr.ErrStaleState)
	}
	e.state = append(State(nil), state...)
	e.sequence = sequence
	e.stateHash = StateHash(e.gameID, sequence, e.state)
	e.proposals = make(map[uint64]*proposalTally)
	e.lastProgress = e.now()
	return nil
}

// CurrentState returns a snapshot of the engine's applied state.
func (e *Engine) CurrentState() (state State, sequence uint64, hash types.Hash256) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.sequence, e.stateHash
}

// Round returns the engine's current round number.
func (e *Engine) Round() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// ProposerForRound returns the leaderless-rotation proposer for round:
// participants[round % len(participants)] in canonical sorted order.
func (e *Engine) ProposerForRound(round uint64) types.PeerId {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.participants) == 0 {
		return types.PeerId{}
	}
	return e.participants[round%uint64(len(e.participants))]
}

// UpdateParticipants replaces the quorum-counted participant set,
// called by pkg/session after an AddParticipant/RemoveParticipant
// operation commits. The engine's state itself is opaque to it, so it
// has no other way to learn who counts toward quorum.
func (e *Engine) UpdateParticipants(peers []types.PeerId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.participants = types.SortPeers(append([]types.PeerId(nil), peers...))
}

// Participants returns the engine's current canonical participant set.
func (e *Engine) Participants() []types.PeerId {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.PeerId(nil), e.participants...)
}

func (e *Engine) isParticipant(id types.PeerId) bool {
	for _, p := range e.participants {
		if p == id {
			return true
		}
	}
	return false
}

// SubmitOperation wraps op in a fresh Proposal, broadcasts it, and
// processes this node's own vote on it.
func (e *Engine) SubmitOperation(op Operation) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextProposalID
	e.nextProposalID++
	p := Proposal{GameID: e.gameID, ProposalID: id, Round: e.round, Proposer: e.self, Op: op}
	if e.broadcast != nil {
		e.broadcast(p)
	}
	return id, e.handleProposalLocked(p)
}

// HandleMessage dispatches an inbound consensus Message to the right
// internal handler (pkg/bridge calls this once it has deserialized and
// validated an incoming packet).
func (e *Engine) HandleMessage(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch m := msg.(type) {
	case Proposal:
		return e.handleProposalLocked(m)
	case Vote:
		return e.handleVoteLocked(m)
	case Commit:
		return e.handleCommitLocked(m)
	case ViewChange:
		return e.handleViewChangeLocked(m)
	case Heartbeat:
		return nil // liveness-only; pkg/resilience tracks suspicion, not this engine
	default:
		return bcerr.New(bcerr.KindProtocol, "consensus.HandleMessage", fmt.Errorf("unknown message type %T", msg))
	}
}

func (e *Engine) handleProposalLocked(p Proposal) error {
	if !e.isParticipant(p.Proposer) {
		e.log.Warnw("dropping proposal from non-participant", "game", e.gameID, "proposer", p.Proposer)
		return nil
	}
	if _, exists := e.proposals[p.ProposalID]; exists {
		return nil // already seen, idempotent
	}
	decision := VoteFor
	reason := ""
	if _, err := e.apply(e.state, p.Op); err != nil {
		decision = VoteAgainst
		reason = err.Error()
	}
	e.proposals[p.ProposalID] = &proposalTally{
		proposal:     p,
		votesFor:     make(map[types.PeerId]bool),
		votesAgainst: make(map[types.PeerId]bool),
		commits:      make(map[types.PeerId]types.Hash256),
	}
	vote := Vote{GameID: e.gameID, ProposalID: p.ProposalID, Round: p.Round, Voter: e.self, Decision: decision, Reason: reason}
	if e.broadcast != nil {
		e.broadcast(vote)
	}
	return e.handleVoteLocked(vote)
}

func (e *Engine) handleVoteLocked(v Vote) error {
	tally, ok := e.proposals[v.ProposalID]
	if !ok {
		return nil // vote for a proposal we haven't seen yet
	}
	if tally.votesFor[v.Voter] || tally.votesAgainst[v.Voter] {
		if e.onDuplicateVote != nil {
			e.onDuplicateVote(v.Voter)
		}
		return bcerr.New(bcerr.KindConsensus, "consensus.HandleVote", bcerr.ErrDuplicateVote)
	}
	switch v.Decision {
	case VoteFor:
		tally.votesFor[v.Voter] = true
	case VoteAgainst:
		tally.votesAgainst[v.Voter] = true
	}

	quorum := Quorum(len(e.participants))
	if !tally.committed && len(tally.votesFor) >= quorum {
		tally.committed = true
		nextState, err := e.apply(e.state, tally.proposal.Op)
		if err != nil {
			e.log.Warnw("operation failed to apply at commit stage", "game", e.gameID, "proposal", v.ProposalID, "err", err)
			return nil
		}
		hash := StateHash(e.gameID, e.sequence+1, nextState)
		commit := Commit{
			GameID:     e.gameID,
			ProposalID: v.ProposalID,
			Round:      tally.proposal.Round,
			Sequence:   e.sequence + 1,
			StateHash:  hash,
			Committer:  e.self,
		}
		if e.broadcast != nil {
			e.broadcast(commit)
		}
		return e.handleCommitLocked(commit)
	}
	return nil
}

func (e *Engine) handleCommitLocked(c Commit) error {
	tally, ok := e.proposals[c.ProposalID]
	if !ok || tally.applied {
		return nil
	}
	if _, seen := tally.commits[c.Committer]; seen {
		return nil // redelivery, idempotent
	}
	tally.commits[c.Committer] = c.StateHash

	counts := make(map[types.Hash256]int, len(tally.commits))
	for _, h := range tally.commits {
		counts[h]++
	}
	quorum := Quorum(len(e.participants))
	for hash, n := range counts {
		if n < quorum {
			continue
		}
		nextState, err := e.apply(e.state, tally.proposal.Op)
		if err != nil {
			return bcerr.New(bcerr.KindConsensus, "consensus.Commit", err)
		}
		computed := StateHash(e.gameID, e.sequence+1, nextState)
		if computed != hash {
			// Divergence is resolved by state sync, not by guessing
			// which quorum is right.
			return bcerr.New(bcerr.KindConsensus, "consensus.Commit", bcerr.ErrDivergentCommit)
		}
		e.state = nextState
		e.sequence++
		e.stateHash = hash
		e.lastProgress = e.now()
		tally.applied = true
		delete(e.proposals, c.ProposalID)
		return nil
	}
	return nil
}

func (e *Engine) handleViewChangeLocked(vc ViewChange) error {
	if vc.Round < e.round {
		return nil // stale
	}
	set, ok := e.viewChanges[vc.Round]
	if !ok {
		set = make(map[types.PeerId]bool)
		e.viewChanges[vc.Round] = set
	}
	set[vc.Voter] = true

	quorum := Quorum(len(e.participants))
	if len(set) >= quorum && e.round <= vc.Round {
		e.round = vc.Round + 1
		e.lastProgress = e.now()
		delete(e.viewChanges, vc.Round)
		for id, t := range e.proposals {
			if t.proposal.Round < e.round {
				delete(e.proposals, id)
			}
		}
	}
	return nil
}

// CheckProgress is driven by a background ticker. It returns whether
// a view-change was triggered.
func (e *Engine) CheckProgress(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastProgress) < e.viewChangeTimeout {
		return false
	}
	vc := ViewChange{GameID: e.gameID, Round: e.round, Voter: e.self}
	if e.broadcast != nil {
		e.broadcast(vc)
	}
	e.handleViewChangeLocked(vc)
	e.lastProgress = now // don't re-fire every tick within the same stall
	return true
}
