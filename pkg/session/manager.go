package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/bridge"
	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/resilience"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// DefaultMaxConcurrentGames bounds how many games one node coordinates
// at once.
const DefaultMaxConcurrentGames = 1000

// DefaultStartingBalance seeds every participant's ledger on game
// creation.
const DefaultStartingBalance types.Tokens = 10_000

// DefaultOperationTimeout is how long a submitted operation may sit
// without committing before Manager reports ConsensusFailed.
const DefaultOperationTimeout = 30 * time.Second

// OperationSweepInterval is how often the Manager checks for stalled
// operations.
const OperationSweepInterval = 10 * time.Second

// InactivityExpiry is how long a game with no committed operation may
// sit idle before Manager expires it.
const InactivityExpiry = time.Hour

// MaintenanceSweepInterval is how often the Manager checks for expired
// games.
const MaintenanceSweepInterval = time.Minute

// ManagerConfig configures a Manager; zero-value fields fall back to
// the package defaults above.
type ManagerConfig struct {
	Self                types.PeerId
	Mesh                *mesh.Service
	Handler             *bridge.Handler
	Reputation          *resilience.ReputationTracker
	Signer              bridge.Signer
	Log                 bclog.Logger
	MaxConcurrentGames  int
	StartingBalance     types.Tokens
	MaxBetAmount        types.Tokens
	OperationTimeout    time.Duration
	InactivityExpiry    time.Duration
}

type pendingOp struct {
	submittedAt time.Time
	gameID      types.GameId
	opKey       uint64
}

type gameEntry struct {
	bridge       *bridge.Bridge
	roll         *RollCoordinator
	createdAt    time.Time
	lastActivity time.Time
}

// Manager is the process-wide game lifecycle coordinator: it owns
// one bridge.Bridge and one RollCoordinator per active game, routes
// PlaceBet/RollDice/participant-change operations through consensus,
// and sweeps for stalled operations and inactive games in the
// background.
type Manager struct {
	mu    sync.Mutex
	games map[types.GameId]*gameEntry

	pendingMu sync.Mutex
	pending   map[uint64]pendingOp
	nextOpKey uint64

	cfg ManagerConfig
	log bclog.Logger

	events chan GameEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a Manager. Call Start to launch its background
// sweeps.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrentGames <= 0 {
		cfg.MaxConcurrentGames = DefaultMaxConcurrentGames
	}
	if cfg.StartingBalance == 0 {
		cfg.StartingBalance = DefaultStartingBalance
	}
	if cfg.MaxBetAmount == 0 {
		cfg.MaxBetAmount = DefaultMaxBetAmount
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.InactivityExpiry <= 0 {
		cfg.InactivityExpiry = InactivityExpiry
	}
	if cfg.Log == nil {
		cfg.Log = bclog.NewNop()
	}
	return &Manager{
		games:   make(map[types.GameId]*gameEntry),
		pending: make(map[uint64]pendingOp),
		cfg:     cfg,
		log:     cfg.Log,
		events:  make(chan GameEvent, 1024),
	}
}

// Events returns the channel GameEvents are published on.
func (m *Manager) Events() <-chan GameEvent { return m.events }

func (m *Manager) publish(ev GameEvent) {
	select {
	case m.events <- ev:
	default:
		m.log.Warnw("session: event channel full, dropping event", "kind", ev.Kind, "game", ev.GameID.String())
	}
}

// Start launches the operation-timeout and maintenance sweeps.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.cancel = cancel
	go m.runOperationSweep(ctx)
	go m.runMaintenanceSweep(ctx)
}

// Stop ends the background sweeps and every game's bridge.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.games {
		g.bridge.Stop()
		if g.roll != nil {
			g.roll.Stop()
		}
		if m.cfg.Handler != nil {
			m.cfg.Handler.UnregisterBridge(g.bridge.GameID())
		}
	}
}

func randomGameID() (types.GameId, error) {
	var id types.GameId
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// CreateGame starts a new game among participants (who must number at
// least consensus.MinimumParticipants; games too small to tolerate a
// fault are accepted) and registers its bridge with the Manager's
// handler.
func (m *Manager) CreateGame(participants []types.PeerId) (types.GameId, error) {
	m.mu.Lock()
	if len(m.games) >= m.cfg.MaxConcurrentGames {
		m.mu.Unlock()
		return types.GameId{}, bcerr.New(bcerr.KindResource, "session.CreateGame", bcerr.ErrQueueFull)
	}
	m.mu.Unlock()

	if len(participants) < consensus.MinimumParticipants {
		return types.GameId{}, bcerr.New(bcerr.KindValidation, "session.CreateGame", bcerr.ErrInsufficientQuorum)
	}
	gameID, err := randomGameID()
	if err != nil {
		return types.GameId{}, bcerr.New(bcerr.KindResource, "session.CreateGame", err)
	}

	initialState := NewState(gameID, participants, m.cfg.StartingBalance)
	initial := initialState.Encode()
	apply := NewApply(m.cfg.MaxBetAmount, m.cfg.StartingBalance)

	var onDup func(types.PeerId)
	if m.cfg.Reputation != nil {
		onDup = func(peer types.PeerId) { m.cfg.Reputation.RecordDoubleVote(peer) }
	}

	b, err := bridge.New(gameID, m.cfg.Self, participants, initial, apply, onDup, m.cfg.Mesh, m.cfg.Signer, m.log)
	if err != nil {
		return types.GameId{}, err
	}
	if m.cfg.Handler != nil {
		m.cfg.Handler.RegisterBridge(b)
	}
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	b.Start(ctx)

	quorum := func() int { return consensus.Quorum(len(b.Engine().Participants())) }
	roll := NewRollCoordinator(gameID, m.cfg.Self, m.cfg.Mesh, quorum, m.log, func(roundID uint64, r DiceRoll, proof []byte, revealed []types.PeerId) {
		m.onRollFolded(gameID, roundID, r, proof)
	})

	now := time.Now()
	m.mu.Lock()
	m.games[gameID] = &gameEntry{bridge: b, roll: roll, createdAt: now, lastActivity: now}
	m.mu.Unlock()

	m.publish(GameEvent{Kind: EventGameCreated, GameID: gameID})
	return gameID, nil
}

func (m *Manager) entry(gameID types.GameId) (*gameEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return nil, bcerr.New(bcerr.KindGameLogic, "session.Manager", bcerr.ErrUnknownGame)
	}
	return g, nil
}

func (m *Manager) touch(gameID types.GameId) {
	m.mu.Lock()
	if g, ok := m.games[gameID]; ok {
		g.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) trackPending(gameID types.GameId, opKey uint64) {
	m.pendingMu.Lock()
	m.pending[opKey] = pendingOp{submittedAt: time.Now(), gameID: gameID, opKey: opKey}
	m.pendingMu.Unlock()
}

// JoinGame submits an AddParticipant operation for an already-created
// game.
func (m *Manager) JoinGame(gameID types.GameId, peer types.PeerId) error {
	g, err := m.entry(gameID)
	if err != nil {
		return err
	}
	opKey, err := g.bridge.AddParticipant(peer)
	if err != nil {
		return err
	}
	m.trackPending(gameID, opKey)
	m.touch(gameID)
	m.publish(GameEvent{Kind: EventParticipantJoined, GameID: gameID, Participant: peer})
	return nil
}

// PlaceBet submits a PlaceBet operation.
func (m *Manager) PlaceBet(gameID types.GameId, player types.PeerId, betType string, amount types.Tokens, nonce uint64) error {
	if amount > m.cfg.MaxBetAmount {
		return bcerr.New(bcerr.KindGameLogic, "session.PlaceBet", bcerr.ErrBetTooLarge)
	}
	g, err := m.entry(gameID)
	if err != nil {
		return err
	}
	op := NewPlaceBetOp(gameID, nonce, player, betType, amount)
	opKey, err := g.bridge.SubmitOperation(op)
	if err != nil {
		return err
	}
	m.trackPending(gameID, opKey)
	m.touch(gameID)
	m.publish(GameEvent{Kind: EventBetPlaced, GameID: gameID, Bet: Bet{Player: player, GameID: gameID, BetType: betType, Amount: amount, Timestamp: nonce}})
	return nil
}

// RollDice starts a commit/reveal round for the local node's own die
// roll, privately sourcing roll and nonce from crypto/rand so no other
// participant can predict this node's contribution before it commits.
func (m *Manager) RollDice(gameID types.GameId, roundID uint64) error {
	g, err := m.entry(gameID)
	if err != nil {
		return err
	}
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return bcerr.New(bcerr.KindResource, "session.RollDice", err)
	}
	var dieBytes [2]byte
	if _, err := rand.Read(dieBytes[:]); err != nil {
		return bcerr.New(bcerr.KindResource, "session.RollDice", err)
	}
	roll := DiceRoll{Die1: dieBytes[0]%6 + 1, Die2: dieBytes[1]%6 + 1}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.touch(gameID)
	return g.roll.StartRound(ctx, roundID, roll, nonce)
}

func (m *Manager) onRollFolded(gameID types.GameId, roundID uint64, roll DiceRoll, proof []byte) {
	g, err := m.entry(gameID)
	if err != nil {
		return
	}
	op := NewProcessRollOp(gameID, roundID, roll, proof)
	opKey, err := g.bridge.SubmitOperation(op)
	if err != nil {
		m.log.Warnw("session: failed to submit folded roll", "game", gameID.String(), "round", roundID, "err", err)
		return
	}
	m.trackPending(gameID, opKey)
	m.touch(gameID)
	m.publish(GameEvent{Kind: EventDiceRolled, GameID: gameID, Roll: roll})
}

// ResolveRound submits a ResolveRound operation settling open bets
// against outcome.
func (m *Manager) ResolveRound(gameID types.GameId, roundID uint64, outcome string) error {
	g, err := m.entry(gameID)
	if err != nil {
		return err
	}
	op := NewResolveRoundOp(gameID, roundID, outcome)
	opKey, err := g.bridge.SubmitOperation(op)
	if err != nil {
		return err
	}
	m.trackPending(gameID, opKey)
	m.touch(gameID)
	m.publish(GameEvent{Kind: EventRoundResolved, GameID: gameID, Outcome: outcome})
	return nil
}

// SubmitGameAction submits a batched gateway proposal (aggregate_bets
// or payouts) against gameID. nonce must be unique per
// submission (the gateway uses its round sequence number) so retried
// flushes of the same round don't double-apply.
func (m *Manager) SubmitGameAction(gameID types.GameId, action string, round uint64, bets []BetGroup, payouts []PayoutEntry, reason string) (uint64, error) {
	g, err := m.entry(gameID)
	if err != nil {
		return 0, err
	}
	op := NewGameActionOp(gameID, round, action, round, bets, payouts, reason)
	opKey, err := g.bridge.SubmitOperation(op)
	if err != nil {
		return 0, err
	}
	m.trackPending(gameID, opKey)
	m.touch(gameID)
	return opKey, nil
}

// Snapshot returns the current applied state for a game.
func (m *Manager) Snapshot(gameID types.GameId) (Snapshot, error) {
	g, err := m.entry(gameID)
	if err != nil {
		return Snapshot{}, err
	}
	raw, seq, hash := g.bridge.GetCurrentState()
	state, err := Decode(raw)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{GameConsensusState: state, Sequence: seq, StateHash: hash}, nil
}

// ActiveGameIDs returns the ids of every game the Manager currently
// tracks, for operational status reporting (cmd/bitcrapsd status).
func (m *Manager) ActiveGameIDs() []types.GameId {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]types.GameId, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	return ids
}

// GameStateBytes returns the canonical transfer encoding of a game's
// applied state (8-byte big-endian sequence || state bytes) and its
// plain hash, the leaf form state sync exchanges between peers.
func (m *Manager) GameStateBytes(gameID types.GameId) ([]byte, types.Hash256, bool) {
	g, err := m.entry(gameID)
	if err != nil {
		return nil, types.Hash256{}, false
	}
	raw, seq, _ := g.bridge.GetCurrentState()
	enc := make([]byte, 8+len(raw))
	binary.BigEndian.PutUint64(enc, seq)
	copy(enc[8:], raw)
	return enc, identity.Hash(enc), true
}

// RepairGameState installs a sync-verified remote state, taken only
// when the remote sequence is ahead of ours. data must be in the
// GameStateBytes transfer encoding and match hash.
func (m *Manager) RepairGameState(gameID types.GameId, data []byte, hash types.Hash256) error {
	if identity.Hash(data) != hash {
		return bcerr.New(bcerr.KindSync, "session.RepairGameState", bcerr.ErrChecksumMismatch)
	}
	if len(data) < 8 {
		return bcerr.New(bcerr.KindSync, "session.RepairGameState", bcerr.ErrChecksumMismatch)
	}
	g, err := m.entry(gameID)
	if err != nil {
		return err
	}
	seq := binary.BigEndian.Uint64(data[:8])
	if err := g.bridge.Engine().InstallState(consensus.State(data[8:]), seq); err != nil {
		return err
	}
	m.touch(gameID)
	return nil
}

func (m *Manager) runOperationSweep(ctx context.Context) {
	ticker := time.NewTicker(OperationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepPending()
		}
	}
}

func (m *Manager) sweepPending() {
	now := time.Now()
	var stalled []pendingOp
	m.pendingMu.Lock()
	for key, op := range m.pending {
		if now.Sub(op.submittedAt) > m.cfg.OperationTimeout {
			stalled = append(stalled, op)
			delete(m.pending, key)
		}
	}
	m.pendingMu.Unlock()

	for _, op := range stalled {
		m.publish(GameEvent{Kind: EventConsensusFailed, GameID: op.gameID, OpKey: op.opKey, Reason: "operation did not commit within timeout"})
	}
}

func (m *Manager) runMaintenanceSweep(ctx context.Context) {
	ticker := time.NewTicker(MaintenanceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepInactive()
		}
	}
}

func (m *Manager) sweepInactive() {
	now := time.Now()
	var expired []types.GameId
	m.mu.Lock()
	for id, g := range m.games {
		if now.Sub(g.lastActivity) > m.cfg.InactivityExpiry {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		g := m.games[id]
		g.bridge.Stop()
		if g.roll != nil {
			g.roll.Stop()
		}
		if m.cfg.Handler != nil {
			m.cfg.Handler.UnregisterBridge(id)
		}
		delete(m.games, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.publish(GameEvent{Kind: EventGameExpired, GameID: id})
	}
}
