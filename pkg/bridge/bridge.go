package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

// Signer is the subset of *identity.Identity a Bridge needs to sign
// outbound consensus messages.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// ViewChangeCheckInterval is how often a running Bridge checks its
// engine for round-progress stalls.
const ViewChangeCheckInterval = time.Second

// Bridge couples one game's consensus.Engine to the mesh: submit and
// participant-change operations go out as proposals, and
// handle_network_message feeds inbound traffic back in,
// start/stop, translating engine-internal Messages to and from signed
// ConsensusMessage envelopes on the wire.
type Bridge struct {
	mu sync.Mutex

	gameID types.GameId
	self   types.PeerId
	engine *consensus.Engine
	mesh   *mesh.Service
	signer Signer
	log    bclog.Logger

	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Bridge around a freshly constructed consensus.Engine
// for gameID. svc may be nil for a single-node engine used in tests;
// signer may be nil to skip signing (also test-only).
func New(gameID types.GameId, self types.PeerId, participants []types.PeerId, initial consensus.State, apply consensus.ApplyFunc, onDuplicateVote func(types.PeerId), svc *mesh.Service, signer Signer, log bclog.Logger) (*Bridge, error) {
	if log == nil {
		log = bclog.NewNop()
	}
	b := &Bridge{gameID: gameID, self: self, mesh: svc, signer: signer, log: log}
	engine, err := consensus.New(consensus.Config{
		GameID:          gameID,
		Self:            self,
		Participants:    participants,
		InitialState:    initial,
		Apply:           apply,
		Broadcast:       b.broadcast,
		OnDuplicateVote: onDuplicateVote,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}
	b.engine = engine
	return b, nil
}

// GameID returns the game this bridge serves.
func (b *Bridge) GameID() types.GameId { return b.gameID }

// Engine exposes the underlying consensus engine for callers (e.g.
// pkg/session) that need to update its participant set after a
// committed AddParticipant/RemoveParticipant operation, or read its
// round for diagnostics.
func (b *Bridge) Engine() *consensus.Engine { return b.engine }

func (b *Bridge) broadcast(msg consensus.Message) {
	cm := &ConsensusMessage{
		Sender:    b.self,
		GameID:    b.gameID,
		Round:     roundOf(msg),
		Timestamp: uint64(time.Now().UnixNano()),
		Payload:   msg,
	}
	body, err := cm.encodeBody()
	if err != nil {
		b.log.Warnw("bridge: failed to encode outbound message", "game", b.gameID.String(), "err", err)
		return
	}
	cm.MessageID = identity.Hash(body)
	if b.signer != nil {
		if sig, err := b.signer.Sign(body); err == nil {
			copy(cm.Signature[:], sig)
		} else {
			b.log.Warnw("bridge: failed to sign outbound message", "err", err)
		}
	}
	raw, err := cm.Encode()
	if err != nil {
		b.log.Warnw("bridge: failed to serialize outbound message", "err", err)
		return
	}

	b.mu.Lock()
	b.seq++
	seq := b.seq
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	pkt := wire.New(wire.TypeConsensusVote, wire.MaxTTL, seq)
	pkt.SetSender(b.self)
	pkt.SetTimestamp(cm.Timestamp)
	pkt.SetPayload(raw)

	if b.mesh != nil {
		b.mesh.Originate(ctx, pkt)
	}
}

// SubmitOperation wraps op in a fresh Proposal and broadcasts it.
func (b *Bridge) SubmitOperation(op consensus.Operation) (uint64, error) {
	return b.engine.SubmitOperation(op)
}

// Operation kinds the bridge itself originates for participant
// management; pkg/session supplies the matching Apply-side semantics.
const (
	OpAddParticipant    = "AddParticipant"
	OpRemoveParticipant = "RemoveParticipant"
)

// AddParticipant submits an AddParticipant operation. Idempotency
// w.r.t. an already-present player is the Apply function's
// responsibility (set semantics), not the bridge's.
func (b *Bridge) AddParticipant(peer types.PeerId) (uint64, error) {
	op := consensus.Operation{Kind: OpAddParticipant, GameID: b.gameID, Nonce: uint64(time.Now().UnixNano()), Data: append([]byte{}, peer[:]...)}
	return b.SubmitOperation(op)
}

// RemoveParticipant submits a RemoveParticipant operation, encoding
// peer||reason as the operation payload.
func (b *Bridge) RemoveParticipant(peer types.PeerId, reason string) (uint64, error) {
	data := make([]byte, 0, types.PeerSize+len(reason))
	data = append(data, peer[:]...)
	data = append(data, []byte(reason)...)
	op := consensus.Operation{Kind: OpRemoveParticipant, GameID: b.gameID, Nonce: uint64(time.Now().UnixNano()), Data: data}
	return b.SubmitOperation(op)
}

// GetCurrentState returns the engine's applied state snapshot.
func (b *Bridge) GetCurrentState() (consensus.State, uint64, types.Hash256) {
	return b.engine.CurrentState()
}

// HandleNetworkMessage decodes a packet carrying a ConsensusMessage
// and feeds its payload to the engine. Packets destined
// for a different game are silently ignored; routing to the right
// bridge by game_id is the Handler's job (pkg/bridge.Handler), this
// method exists so a Bridge can also be driven directly in tests
// without the handler in the loop.
func (b *Bridge) HandleNetworkMessage(pkt *wire.Packet) error {
	raw, ok := pkt.Payload()
	if !ok {
		return bcerr.New(bcerr.KindProtocol, "bridge.HandleNetworkMessage", errBridge("packet has no payload"))
	}
	cm, err := DecodeConsensusMessage(raw)
	if err != nil {
		return err
	}
	if cm.GameID != b.gameID {
		return nil
	}
	return b.Deliver(cm.Payload)
}

// Deliver feeds an already-decoded consensus.Message to the engine.
func (b *Bridge) Deliver(msg consensus.Message) error {
	return b.engine.HandleMessage(msg)
}

// Start launches the bridge's background view-change-progress check
//. Safe to call once per bridge lifetime.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	b.ctx = ctx
	b.cancel = cancel
	b.mu.Unlock()
	go b.runViewChangeLoop(ctx)
}

func (b *Bridge) runViewChangeLoop(ctx context.Context) {
	ticker := time.NewTicker(ViewChangeCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.engine.CheckProgress(now)
		}
	}
}

// Stop ends the background view-change loop.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

type errBridge string

func (e errBridge) Error() string { return string(e) }
