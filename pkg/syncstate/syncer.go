package syncstate

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// SendFunc delivers an encoded sync envelope to a peer. The mesh
// layer provides this so the syncer stays transport-agnostic.
type SendFunc func(peer types.PeerId, data []byte) error

// StateProvider is the syncer's view of local game state: the games
// we hold, their canonical bytes, and the repair hook applied when a
// verified remote state supersedes ours.
type StateProvider interface {
	GameIDs() []types.GameId
	GameBytes(id types.GameId) (data []byte, hash types.Hash256, ok bool)
	ApplyRepair(id types.GameId, data []byte, hash types.Hash256) error
}

// envelope is the JSON wire form of one sync message: a kind tag plus
// exactly one populated payload field.
type envelope struct {
	Kind           MessageKind      `json:"kind"`
	SyncRequest    *SyncRequest     `json:"sync_request,omitempty"`
	SyncResponse   *SyncResponse    `json:"sync_response,omitempty"`
	MerkleRequest  *MerkleRequest   `json:"merkle_request,omitempty"`
	MerkleResponse *MerkleResponse  `json:"merkle_response,omitempty"`
	StateRequest   *StateRequest    `json:"state_request,omitempty"`
	StateResponse  *StateResponse   `json:"state_response,omitempty"`
	DiffUpdate     *DiffUpdateMsg   `json:"diff_update,omitempty"`
	SyncComplete   *SyncCompleteMsg `json:"sync_complete,omitempty"`
	SyncError      *SyncErrorMsg    `json:"sync_error,omitempty"`
}

// Syncer drives the sync protocol over a SendFunc: it initiates
// sessions against chosen peers, answers the responder side from the
// local tree and provider, and walks initiator sessions through to
// verification and repair.
type Syncer struct {
	self     types.PeerId
	tree     *Tree
	provider StateProvider
	sessions *Manager
	send     SendFunc
	log      bclog.Logger

	// onIntegrityFault, when set, is told which peer shipped state
	// failing hash verification (feeds reputation tracking).
	onIntegrityFault func(types.PeerId)

	mu    sync.Mutex
	peers map[SessionID]types.PeerId
}

// SetIntegrityFaultHook installs the callback invoked when a peer's
// transferred state fails verification. Call before the syncer starts
// handling messages.
func (y *Syncer) SetIntegrityFaultHook(f func(types.PeerId)) { y.onIntegrityFault = f }

// NewSyncer builds a Syncer over the given provider and send hook.
func NewSyncer(self types.PeerId, provider StateProvider, send SendFunc, log bclog.Logger) *Syncer {
	return &Syncer{
		self:     self,
		tree:     NewTree(),
		provider: provider,
		sessions: NewManager(),
		send:     send,
		log:      log,
		peers:    make(map[SessionID]types.PeerId),
	}
}

// Refresh rebuilds the merkle tree from the provider's current games.
// Call before initiating and on a maintenance cadence so the tree
// tracks committed state.
func (y *Syncer) Refresh() {
	known := make(map[types.GameId]struct{})
	for _, id := range y.provider.GameIDs() {
		known[id] = struct{}{}
		if data, hash, ok := y.provider.GameBytes(id); ok {
			y.tree.Update(id, hash, len(data))
		}
	}
	for _, id := range y.tree.GameIDs() {
		if _, ok := known[id]; !ok {
			y.tree.Remove(id)
		}
	}
}

// RootHash exposes the syncer's current tree root, for status
// reporting.
func (y *Syncer) RootHash() types.Hash256 { return y.tree.RootHash() }

// Initiate opens a sync session against peer, sending the opening
// bloom/root exchange. Returns the new session's id.
func (y *Syncer) Initiate(peer types.PeerId) (SessionID, error) {
	y.Refresh()
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, bcerr.New(bcerr.KindSync, "syncstate.Initiate", err)
	}
	s := NewSession(id, true, y.tree.RootHash(), time.Now())
	y.sessions.Start(s)
	y.mu.Lock()
	y.peers[id] = peer
	y.mu.Unlock()

	bloom := BuildBloom(y.tree.GameIDs())
	return id, y.sendEnvelope(peer, envelope{Kind: MsgSyncRequest, SyncRequest: &SyncRequest{
		SessionID:     id,
		LocalRootHash: y.tree.RootHash(),
		BloomData:     bloom.Bytes(),
	}})
}

// HandleMessage consumes one inbound sync envelope from peer. Errors
// are terminal for the session they belong to, already reflected in
// session state; callers only log them.
func (y *Syncer) HandleMessage(peer types.PeerId, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bcerr.New(bcerr.KindSync, "syncstate.HandleMessage", err)
	}
	switch env.Kind {
	case MsgSyncRequest:
		if env.SyncRequest == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleSyncRequest(peer, *env.SyncRequest)
	case MsgSyncResponse:
		if env.SyncResponse == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleSyncResponse(peer, *env.SyncResponse)
	case MsgMerkleRequest:
		if env.MerkleRequest == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleMerkleRequest(peer, *env.MerkleRequest)
	case MsgMerkleResponse:
		if env.MerkleResponse == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleMerkleResponse(peer, *env.MerkleResponse)
	case MsgStateRequest:
		if env.StateRequest == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleStateRequest(peer, *env.StateRequest)
	case MsgStateResponse:
		if env.StateResponse == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleStateResponse(peer, *env.StateResponse)
	case MsgDiffUpdate:
		if env.DiffUpdate == nil {
			return errEnvelope(env.Kind)
		}
		return y.handleDiffUpdate(peer, *env.DiffUpdate)
	case MsgSyncComplete:
		if env.SyncComplete == nil {
			return errEnvelope(env.Kind)
		}
		y.drop(env.SyncComplete.SessionID)
		return nil
	case MsgSyncError:
		if env.SyncError == nil {
			return errEnvelope(env.Kind)
		}
		y.log.Warnw("sync session failed remotely",
			"session", env.SyncError.SessionID, "reason", env.SyncError.Reason)
		y.drop(env.SyncError.SessionID)
		return nil
	default:
		return errEnvelope(env.Kind)
	}
}

func (y *Syncer) handleSyncRequest(peer types.PeerId, req SyncRequest) error {
	y.Refresh()
	if req.LocalRootHash == y.tree.RootHash() {
		return y.sendEnvelope(peer, envelope{Kind: MsgSyncComplete, SyncComplete: &SyncCompleteMsg{SessionID: req.SessionID}})
	}
	bloom := BuildBloom(y.tree.GameIDs())
	return y.sendEnvelope(peer, envelope{Kind: MsgSyncResponse, SyncResponse: &SyncResponse{
		SessionID:  req.SessionID,
		Accepted:   true,
		RemoteRoot: y.tree.RootHash(),
		BloomData:  bloom.Bytes(),
	}})
}

func (y *Syncer) handleSyncResponse(peer types.PeerId, resp SyncResponse) error {
	s, ok := y.sessions.Get(resp.SessionID)
	if !ok {
		return nil // expired or never ours, benign
	}
	if err := s.HandleSyncResponse(resp); err != nil {
		return y.fail(peer, s)
	}
	if s.Phase() == PhaseComplete {
		y.drop(resp.SessionID)
		return nil
	}
	// Request per-game reports for everything either side might hold;
	// the responder answers from its own leaves.
	var paths []MerklePath
	for _, id := range y.tree.GameIDs() {
		if p, ok := y.tree.PathTo(id); ok {
			paths = append(paths, p)
		}
	}
	return y.sendEnvelope(peer, envelope{Kind: MsgMerkleRequest, MerkleRequest: &MerkleRequest{
		SessionID: resp.SessionID,
		Paths:     paths,
	}})
}

func (y *Syncer) handleMerkleRequest(peer types.PeerId, req MerkleRequest) error {
	y.Refresh()
	resp := MerkleResponse{SessionID: req.SessionID}
	for _, id := range y.tree.GameIDs() {
		hash, ok := y.tree.LeafHash(id)
		if !ok {
			continue
		}
		path, _ := y.tree.PathTo(id)
		resp.Nodes = append(resp.Nodes, MerkleNodeReport{
			Path:    path,
			Hash:    hash,
			GameIDs: []types.GameId{id},
		})
	}
	return y.sendEnvelope(peer, envelope{Kind: MsgMerkleResponse, MerkleResponse: &resp})
}

func (y *Syncer) handleMerkleResponse(peer types.PeerId, resp MerkleResponse) error {
	s, ok := y.sessions.Get(resp.SessionID)
	if !ok {
		return nil
	}
	if err := s.HandleMerkleResponse(resp, y.tree); err != nil {
		return y.fail(peer, s)
	}
	pending := s.PendingGameIDs()
	if len(pending) == 0 {
		y.drop(resp.SessionID)
		return y.sendEnvelope(peer, envelope{Kind: MsgSyncComplete, SyncComplete: &SyncCompleteMsg{SessionID: resp.SessionID}})
	}
	// Advance before sending: the response may arrive before a send
	// over a loopback transport even returns.
	if err := s.BeginStateTransfer(); err != nil {
		return y.fail(peer, s)
	}
	return y.sendEnvelope(peer, envelope{Kind: MsgStateRequest, StateRequest: &StateRequest{
		SessionID: resp.SessionID,
		GameIDs:   pending,
	}})
}

func (y *Syncer) handleStateRequest(peer types.PeerId, req StateRequest) error {
	resp := StateResponse{SessionID: req.SessionID}
	for _, id := range req.GameIDs {
		data, hash, ok := y.provider.GameBytes(id)
		if !ok {
			continue
		}
		resp.States = append(resp.States, GameState{GameID: id, Data: data, StateHash: hash})
	}
	return y.sendEnvelope(peer, envelope{Kind: MsgStateResponse, StateResponse: &resp})
}

func (y *Syncer) handleStateResponse(peer types.PeerId, resp StateResponse) error {
	s, ok := y.sessions.Get(resp.SessionID)
	if !ok {
		return nil
	}
	for _, gs := range resp.States {
		if err := s.VerifyState(gs); err != nil {
			if y.onIntegrityFault != nil {
				y.onIntegrityFault(peer)
			}
			return y.fail(peer, s)
		}
		if err := y.provider.ApplyRepair(gs.GameID, gs.Data, gs.StateHash); err != nil {
			y.log.Warnw("sync repair failed", "game", gs.GameID.String(), "err", err)
		} else {
			y.tree.Update(gs.GameID, gs.StateHash, len(gs.Data))
		}
	}
	if stats, done := s.Complete(); done {
		y.drop(resp.SessionID)
		return y.sendEnvelope(peer, envelope{Kind: MsgSyncComplete, SyncComplete: &stats})
	}
	return nil
}

func (y *Syncer) handleDiffUpdate(peer types.PeerId, msg DiffUpdateMsg) error {
	s, ok := y.sessions.Get(msg.SessionID)
	if !ok {
		return nil
	}
	base, _, ok := y.provider.GameBytes(msg.GameID)
	if !ok {
		return y.fail(peer, s)
	}
	if err := s.VerifyDiffUpdate(msg, base); err != nil {
		if y.onIntegrityFault != nil {
			y.onIntegrityFault(peer)
		}
		return y.fail(peer, s)
	}
	if stats, done := s.Complete(); done {
		y.drop(msg.SessionID)
		return y.sendEnvelope(peer, envelope{Kind: MsgSyncComplete, SyncComplete: &stats})
	}
	return nil
}

// SweepExpired drops sessions past SyncTimeout. Driven by the owner's
// maintenance ticker.
func (y *Syncer) SweepExpired(now time.Time) {
	for _, id := range y.sessions.SweepExpired(now) {
		y.mu.Lock()
		delete(y.peers, id)
		y.mu.Unlock()
		y.log.Debugw("sync session expired", "session", id)
	}
}

// fail reports a failed session to the peer and removes it locally.
func (y *Syncer) fail(peer types.PeerId, s *Session) error {
	reason, _ := s.FailReason()
	stats, _ := s.Complete()
	y.drop(stats.SessionID)
	sendErr := y.sendEnvelope(peer, envelope{Kind: MsgSyncError, SyncError: &SyncErrorMsg{
		SessionID: stats.SessionID,
		Reason:    reason,
	}})
	if sendErr != nil {
		y.log.Warnw("sync error notification failed", "err", sendErr)
	}
	return bcerr.New(bcerr.KindSync, "syncstate.Syncer", errSync(reason))
}

func (y *Syncer) drop(id SessionID) {
	y.sessions.Remove(id)
	y.mu.Lock()
	delete(y.peers, id)
	y.mu.Unlock()
}

func (y *Syncer) sendEnvelope(peer types.PeerId, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return bcerr.New(bcerr.KindSync, "syncstate.send", err)
	}
	if err := y.send(peer, data); err != nil {
		return bcerr.New(bcerr.KindSync, "syncstate.send", err)
	}
	return nil
}

func errEnvelope(kind MessageKind) error {
	return bcerr.New(bcerr.KindSync, "syncstate.HandleMessage", errSync("malformed "+string(kind)+" envelope"))
}
