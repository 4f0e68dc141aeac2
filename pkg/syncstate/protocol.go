package syncstate

import (
	"sort"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// SyncTimeout is the default session lifetime.
const SyncTimeout = 30 * time.Second

// Phase is a sync session's current step in the six-phase protocol.
type Phase int

const (
	PhaseBloomFilterExchange Phase = iota
	PhaseMerkleTreeComparison
	PhaseStateRequest
	PhaseStateTransfer
	PhaseVerification
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseBloomFilterExchange:
		return "BloomFilterExchange"
	case PhaseMerkleTreeComparison:
		return "MerkleTreeComparison"
	case PhaseStateRequest:
		return "StateRequest"
	case PhaseStateTransfer:
		return "StateTransfer"
	case PhaseVerification:
		return "Verification"
	case PhaseComplete:
		return "Complete"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MessageKind tags a sync protocol message.
type MessageKind string

const (
	MsgSyncRequest    MessageKind = "SyncRequest"
	MsgSyncResponse   MessageKind = "SyncResponse"
	MsgMerkleRequest  MessageKind = "MerkleRequest"
	MsgMerkleResponse MessageKind = "MerkleResponse"
	MsgStateRequest   MessageKind = "StateRequest"
	MsgStateResponse  MessageKind = "StateResponse"
	MsgDiffUpdate     MessageKind = "DiffUpdate"
	MsgSyncComplete   MessageKind = "SyncComplete"
	MsgSyncError      MessageKind = "SyncError"
)

// SessionID identifies one sync exchange end to end.
type SessionID [16]byte

// SyncRequest is step 1's opening message.
type SyncRequest struct {
	SessionID     SessionID
	LocalRootHash types.Hash256
	BloomData     []byte
}

// SyncResponse answers a SyncRequest when the roots differ.
type SyncResponse struct {
	SessionID  SessionID
	Accepted   bool
	RemoteRoot types.Hash256
	BloomData  []byte
}

// MerkleRequest carries the divergent paths step 2 wants expanded.
type MerkleRequest struct {
	SessionID SessionID
	Paths     []MerklePath
}

// MerkleNodeReport is one (path, node-summary) pair in a MerkleResponse.
// GameIDs, when present, names the games the reported subtree covers,
// letting the initiator request games it has never seen.
type MerkleNodeReport struct {
	Path    MerklePath
	Meta    NodeMeta
	Hash    types.Hash256
	GameIDs []types.GameId
}

// MerkleResponse answers a MerkleRequest.
type MerkleResponse struct {
	SessionID SessionID
	Nodes     []MerkleNodeReport
}

// StateRequest asks for the current state bytes of the listed games
// (step 3).
type StateRequest struct {
	SessionID SessionID
	GameIDs   []types.GameId
}

// GameState is one game's transferred bytes plus the hash it must
// verify against.
type GameState struct {
	GameID    types.GameId
	Data      []byte
	StateHash types.Hash256
}

// StateResponse carries each requested game's current state bytes,
// uncompressed and without earlier history (step 4).
type StateResponse struct {
	SessionID SessionID
	States    []GameState
}

// DiffUpdateMsg is the compact alternative to a StateResponse entry
// when the responder knows the initiator's base state for a game.
type DiffUpdateMsg struct {
	SessionID SessionID
	GameID    types.GameId
	Diff      BinaryDiff
	BaseHash  types.Hash256
}

// SyncCompleteMsg ends a session successfully (step 6).
type SyncCompleteMsg struct {
	SessionID    SessionID
	GamesSynced  int
	BytesApplied int
}

// SyncErrorMsg aborts a session after a local failure: a step 5
// verification failure or a message arriving out of phase. An expired
// session sends none; SweepExpired only drops it locally.
type SyncErrorMsg struct {
	SessionID SessionID
	Reason    string
}

// Session tracks one in-flight sync exchange's phase and accumulated
// work. The state machine follows the same single-writer-behind-a-mutex shape
// pkg/consensus.Engine uses for its own per-game state, since both are
// "one goroutine drives this session's transitions, others only read
// a snapshot" structures.
type Session struct {
	mu sync.Mutex

	id        SessionID
	initiator bool
	phase     Phase
	startedAt time.Time

	localRoot  types.Hash256
	remoteRoot types.Hash256

	divergentGames map[types.GameId]struct{}
	synced         int
	bytesApplied   int
	failReason     string
}

// NewSession starts a session in PhaseBloomFilterExchange.
func NewSession(id SessionID, initiator bool, localRoot types.Hash256, startedAt time.Time) *Session {
	return &Session{
		id:             id,
		initiator:      initiator,
		phase:          PhaseBloomFilterExchange,
		startedAt:      startedAt,
		localRoot:      localRoot,
		divergentGames: make(map[types.GameId]struct{}),
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Expired reports whether the session has outlived SyncTimeout as of now.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.startedAt) > SyncTimeout
}

// HandleSyncResponse advances BloomFilterExchange -> MerkleTreeComparison,
// or straight to Complete if the responder reports equal roots.
func (s *Session) HandleSyncResponse(resp SyncResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseBloomFilterExchange {
		return s.failLocked("SyncResponse received outside BloomFilterExchange")
	}
	if !resp.Accepted {
		s.phase = PhaseComplete
		return nil
	}
	s.remoteRoot = resp.RemoteRoot
	s.phase = PhaseMerkleTreeComparison
	return nil
}

// HandleMerkleResponse records which games diverge and advances to
// StateRequest once the comparison is done.
func (s *Session) HandleMerkleResponse(resp MerkleResponse, localTree *Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseMerkleTreeComparison {
		return s.failLocked("MerkleResponse received outside MerkleTreeComparison")
	}
	local := localTree.leavesSnapshot()
	for _, report := range resp.Nodes {
		if len(report.GameIDs) > 0 {
			// Per-game reports: divergent when the local leaf is
			// missing or disagrees.
			for _, gameID := range report.GameIDs {
				if hash, ok := local[gameID]; !ok || hash != report.Hash {
					s.divergentGames[gameID] = struct{}{}
				}
			}
			continue
		}
		// Summary-only report: anything the reported hash doesn't
		// cover is suspect.
		for gameID, hash := range local {
			if hash != report.Hash {
				s.divergentGames[gameID] = struct{}{}
			}
		}
	}
	s.phase = PhaseStateRequest
	return nil
}

// PendingGameIDs returns the divergent game ids to request, in
// canonical order, for building a StateRequest.
func (s *Session) PendingGameIDs() []types.GameId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.GameId, 0, len(s.divergentGames))
	for id := range s.divergentGames {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return lessGameID(out[i], out[j]) })
	return out
}

// BeginStateTransfer advances StateRequest -> StateTransfer once the
// request has been sent.
func (s *Session) BeginStateTransfer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStateRequest {
		return s.failLocked("BeginStateTransfer called outside StateRequest")
	}
	s.phase = PhaseStateTransfer
	return nil
}

// VerifyState is step 5: checks a transferred game's bytes against its
// expected hash, accumulating stats on success or failing the session
// on mismatch.
func (s *Session) VerifyState(gs GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStateTransfer {
		return s.failLocked("VerifyState called outside StateTransfer")
	}
	if identity.Hash(gs.Data) != gs.StateHash {
		return s.failLocked("state hash mismatch for game " + gs.GameID.String())
	}
	s.synced++
	s.bytesApplied += len(gs.Data)
	delete(s.divergentGames, gs.GameID)
	if len(s.divergentGames) == 0 {
		s.phase = PhaseComplete
	}
	return nil
}

// VerifyDiffUpdate applies a DiffUpdate against a locally-held base and
// verifies the reconstructed bytes, the compact alternative path
// through step 5 for games the responder diffed instead of shipping in
// full.
func (s *Session) VerifyDiffUpdate(msg DiffUpdateMsg, base []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStateTransfer {
		return s.failLocked("VerifyDiffUpdate called outside StateTransfer")
	}
	result, err := ApplyDiff(base, msg.Diff)
	if err != nil {
		return s.failLocked(err.Error())
	}
	s.synced++
	s.bytesApplied += len(result)
	delete(s.divergentGames, msg.GameID)
	if len(s.divergentGames) == 0 {
		s.phase = PhaseComplete
	}
	return nil
}

// Complete returns the session's final stats for a SyncCompleteMsg.
// ok reports whether the session reached PhaseComplete (as opposed to
// PhaseFailed).
func (s *Session) Complete() (SyncCompleteMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncCompleteMsg{SessionID: s.id, GamesSynced: s.synced, BytesApplied: s.bytesApplied}, s.phase == PhaseComplete
}

// FailReason returns the reason the session failed, if it has.
func (s *Session) FailReason() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason, s.phase == PhaseFailed
}

func (s *Session) failLocked(reason string) error {
	s.phase = PhaseFailed
	s.failReason = reason
	return bcerr.New(bcerr.KindSync, "syncstate.Session", errSync(reason))
}

type errSync string

func (e errSync) Error() string { return string(e) }

// leavesSnapshot gives protocol.go a read-locked copy of a tree's
// leaves without exporting the field itself.
func (t *Tree) leavesSnapshot() map[types.GameId]types.Hash256 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.GameId]types.Hash256, len(t.leaves))
	for k, v := range t.leaves {
		out[k] = v
	}
	return out
}

// Manager tracks every in-flight sync session keyed by SessionID and
// sweeps out ones older than SyncTimeout.
type Manager struct {
	mu       sync.Mutex
	sessions map[SessionID]*Session
}

// NewManager builds an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[SessionID]*Session)}
}

// Start registers a new session.
func (m *Manager) Start(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

// Get looks up an in-flight session by id.
func (m *Manager) Get(id SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops a session (step 6: "both sides remove the session").
func (m *Manager) Remove(id SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// SweepExpired removes every session older than SyncTimeout as of now,
// returning the ids it removed so a caller can log or emit SyncError
// for each.
func (m *Manager) SweepExpired(now time.Time) []SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []SessionID
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	return expired
}
