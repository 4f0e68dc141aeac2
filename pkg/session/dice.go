package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

// RevealWindow bounds how long a round waits for every commitment to
// be revealed before folding whatever arrived: peers that fail to
// reveal in time are excluded entirely.
const RevealWindow = 5 * time.Second

// DiceCommit is the commit half of the fairness protocol: a
// participant publishes H(dice_roll||nonce) before anyone reveals
// anything, so no participant can choose its roll after seeing
// others'.
type DiceCommit struct {
	GameID     types.GameId
	RoundID    uint64
	Sender     types.PeerId
	Commitment types.Hash256
}

// DiceReveal opens a prior commitment. Roll is the pair this
// participant privately rolled; Nonce is the 32-byte blinding value
// mixed into the commitment hash.
type DiceReveal struct {
	GameID  types.GameId
	RoundID uint64
	Sender  types.PeerId
	Roll    DiceRoll
	Nonce   [32]byte
}

func commitHash(roll DiceRoll, nonce [32]byte) types.Hash256 {
	return identity.Hash(append([]byte{roll.Die1, roll.Die2}, nonce[:]...))
}

func encodeDiceCommit(c DiceCommit) []byte {
	var buf bytes.Buffer
	buf.Write(c.GameID[:])
	binary.Write(&buf, binary.BigEndian, c.RoundID)
	buf.Write(c.Sender[:])
	buf.Write(c.Commitment[:])
	return buf.Bytes()
}

func decodeDiceCommit(raw []byte) (DiceCommit, error) {
	var c DiceCommit
	r := bytes.NewReader(raw)
	if err := readFull(r, c.GameID[:]); err != nil {
		return c, protoErr(err)
	}
	if err := binary.Read(r, binary.BigEndian, &c.RoundID); err != nil {
		return c, protoErr(err)
	}
	if err := readFull(r, c.Sender[:]); err != nil {
		return c, protoErr(err)
	}
	if err := readFull(r, c.Commitment[:]); err != nil {
		return c, protoErr(err)
	}
	return c, nil
}

func encodeDiceReveal(r DiceReveal) []byte {
	var buf bytes.Buffer
	buf.Write(r.GameID[:])
	binary.Write(&buf, binary.BigEndian, r.RoundID)
	buf.Write(r.Sender[:])
	buf.WriteByte(r.Roll.Die1)
	buf.WriteByte(r.Roll.Die2)
	buf.Write(r.Nonce[:])
	return buf.Bytes()
}

func decodeDiceReveal(raw []byte) (DiceReveal, error) {
	var rv DiceReveal
	r := bytes.NewReader(raw)
	if err := readFull(r, rv.GameID[:]); err != nil {
		return rv, protoErr(err)
	}
	if err := binary.Read(r, binary.BigEndian, &rv.RoundID); err != nil {
		return rv, protoErr(err)
	}
	if err := readFull(r, rv.Sender[:]); err != nil {
		return rv, protoErr(err)
	}
	var err error
	if rv.Roll.Die1, err = r.ReadByte(); err != nil {
		return rv, protoErr(err)
	}
	if rv.Roll.Die2, err = r.ReadByte(); err != nil {
		return rv, protoErr(err)
	}
	if err := readFull(r, rv.Nonce[:]); err != nil {
		return rv, protoErr(err)
	}
	return rv, nil
}

// roundState tracks one round's in-flight commitments and reveals.
// pending holds this node's own reveal until a quorum of commitments
// exists; before that the private roll never leaves the process.
type roundState struct {
	startedAt time.Time
	commits   map[types.PeerId]types.Hash256
	reveals   map[types.PeerId]DiceReveal
	pending   *DiceReveal
	timer     *time.Timer
}

// RollCoordinator runs the commit/reveal protocol for one game's dice
// rounds over the mesh, folding the agreed roll once the reveal window
// closes and handing the result to onFolded.
type RollCoordinator struct {
	mu     sync.Mutex
	gameID types.GameId
	self   types.PeerId
	mesh   *mesh.Service
	log    bclog.Logger
	now    func() time.Time

	rounds map[uint64]*roundState

	// quorum reports how many commitments must exist before any
	// participant's reveal goes out; the session manager derives it
	// from the game's current participant count.
	quorum func() int

	onFolded func(roundID uint64, roll DiceRoll, entropyProof []byte, participants []types.PeerId)

	unregister []func()
}

// NewRollCoordinator builds a coordinator for gameID, registering its
// packet handlers on svc for TypeDiceCommit/TypeDiceReveal. A nil
// quorum falls back to 1, the solo-game case.
func NewRollCoordinator(gameID types.GameId, self types.PeerId, svc *mesh.Service, quorum func() int, log bclog.Logger, onFolded func(roundID uint64, roll DiceRoll, entropyProof []byte, participants []types.PeerId)) *RollCoordinator {
	if log == nil {
		log = bclog.NewNop()
	}
	if quorum == nil {
		quorum = func() int { return 1 }
	}
	rc := &RollCoordinator{
		gameID:   gameID,
		self:     self,
		mesh:     svc,
		log:      log,
		now:      time.Now,
		rounds:   make(map[uint64]*roundState),
		quorum:   quorum,
		onFolded: onFolded,
	}
	if svc != nil {
		rc.unregister = append(rc.unregister,
			svc.RegisterHandler(wire.TypeDiceCommit, rc.handleCommitPacket),
			svc.RegisterHandler(wire.TypeDiceReveal, rc.handleRevealPacket))
	}
	return rc
}

// Stop unregisters the coordinator's packet handlers and cancels any
// armed reveal timers; called when its game is torn down.
func (rc *RollCoordinator) Stop() {
	for _, u := range rc.unregister {
		u()
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, rs := range rc.rounds {
		if rs.timer != nil {
			rs.timer.Stop()
		}
	}
}

// StartRound begins round roundID: the caller privately rolls roll,
// this broadcasts its commitment and arms the reveal window. The
// reveal itself is held back until a quorum of commitments has
// arrived (maybeReveal), so no participant can pick its contribution
// after observing others' values.
func (rc *RollCoordinator) StartRound(ctx context.Context, roundID uint64, roll DiceRoll, nonce [32]byte) error {
	commitment := commitHash(roll, nonce)
	rc.mu.Lock()
	rs := rc.roundLocked(roundID)
	rs.commits[rc.self] = commitment
	rs.pending = &DiceReveal{GameID: rc.gameID, RoundID: roundID, Sender: rc.self, Roll: roll, Nonce: nonce}
	rc.mu.Unlock()

	rc.broadcastCommit(ctx, DiceCommit{GameID: rc.gameID, RoundID: roundID, Sender: rc.self, Commitment: commitment})
	rc.maybeReveal(ctx, roundID)
	return nil
}

// roundLocked returns roundID's state, creating it (and arming its
// reveal-window timer) on first touch. Caller holds rc.mu.
func (rc *RollCoordinator) roundLocked(roundID uint64) *roundState {
	rs, ok := rc.rounds[roundID]
	if !ok {
		rs = &roundState{startedAt: rc.now(), commits: make(map[types.PeerId]types.Hash256), reveals: make(map[types.PeerId]DiceReveal)}
		rs.timer = time.AfterFunc(RevealWindow, func() { rc.fold(context.Background(), roundID) })
		rc.rounds[roundID] = rs
	}
	return rs
}

// maybeReveal broadcasts this node's held-back reveal once roundID has
// a quorum of commitments, recording it locally so the fold includes
// our own nonce. Called after our own commit and after every inbound
// one; before quorum it does nothing.
func (rc *RollCoordinator) maybeReveal(ctx context.Context, roundID uint64) {
	rc.mu.Lock()
	rs, ok := rc.rounds[roundID]
	if !ok || rs.pending == nil || len(rs.commits) < rc.quorum() {
		rc.mu.Unlock()
		return
	}
	r := *rs.pending
	rs.pending = nil
	rs.reveals[rc.self] = r
	allRevealed := len(rs.reveals) >= len(rs.commits)
	rc.mu.Unlock()

	rc.broadcastReveal(ctx, r)
	if allRevealed {
		rc.fold(ctx, roundID)
	}
}

func (rc *RollCoordinator) broadcastCommit(ctx context.Context, c DiceCommit) {
	pkt := wire.New(wire.TypeDiceCommit, wire.MaxTTL, 0)
	pkt.SetSender(c.Sender)
	pkt.SetTimestamp(uint64(rc.now().UnixNano()))
	pkt.SetPayload(encodeDiceCommit(c))
	if rc.mesh != nil {
		rc.mesh.Originate(ctx, pkt)
	}
}

func (rc *RollCoordinator) broadcastReveal(ctx context.Context, r DiceReveal) {
	pkt := wire.New(wire.TypeDiceReveal, wire.MaxTTL, 0)
	pkt.SetSender(r.Sender)
	pkt.SetTimestamp(uint64(rc.now().UnixNano()))
	pkt.SetPayload(encodeDiceReveal(r))
	if rc.mesh != nil {
		rc.mesh.Originate(ctx, pkt)
	}
}

func (rc *RollCoordinator) handleCommitPacket(pkt *wire.Packet) {
	raw, ok := pkt.Payload()
	if !ok {
		return
	}
	c, err := decodeDiceCommit(raw)
	if err != nil || c.GameID != rc.gameID {
		return
	}
	rc.mu.Lock()
	rs := rc.roundLocked(c.RoundID)
	rs.commits[c.Sender] = c.Commitment
	rc.mu.Unlock()
	rc.maybeReveal(context.Background(), c.RoundID)
}

func (rc *RollCoordinator) handleRevealPacket(pkt *wire.Packet) {
	raw, ok := pkt.Payload()
	if !ok {
		return
	}
	r, err := decodeDiceReveal(raw)
	if err != nil || r.GameID != rc.gameID {
		return
	}
	rc.mu.Lock()
	rs, ok := rc.rounds[r.RoundID]
	if !ok {
		rc.mu.Unlock()
		return // reveal without a known commitment round; drop
	}
	if len(rs.commits) < rc.quorum() {
		rc.mu.Unlock()
		rc.log.Warnw("session: dice reveal before commit quorum, discarding", "game", rc.gameID.String(), "round", r.RoundID, "sender", r.Sender.String())
		return
	}
	commitment, seen := rs.commits[r.Sender]
	if !seen || commitment != commitHash(r.Roll, r.Nonce) {
		rc.mu.Unlock()
		rc.log.Warnw("session: dice reveal does not match commitment, discarding", "game", rc.gameID.String(), "round", r.RoundID, "sender", r.Sender.String())
		return
	}
	rs.reveals[r.Sender] = r
	allRevealed := len(rs.reveals) >= len(rs.commits)
	rc.mu.Unlock()
	if allRevealed {
		rc.fold(context.Background(), r.RoundID)
	}
}

// fold computes the agreed roll once, exactly, for roundID: any call
// after the first is a no-op (the round is deleted on first fold).
func (rc *RollCoordinator) fold(ctx context.Context, roundID uint64) {
	rc.mu.Lock()
	rs, ok := rc.rounds[roundID]
	if !ok {
		rc.mu.Unlock()
		return
	}
	if rs.timer != nil {
		rs.timer.Stop()
	}
	delete(rc.rounds, roundID)

	type revealed struct {
		peer  types.PeerId
		nonce [32]byte
	}
	var entries []revealed
	for peer, rv := range rs.reveals {
		entries = append(entries, revealed{peer: peer, nonce: rv.Nonce})
	}
	rc.mu.Unlock()

	if len(entries) == 0 {
		rc.log.Warnw("session: dice round folded with zero reveals", "game", rc.gameID.String(), "round", roundID)
		return
	}

	// FoldReveals: sort revealers by PeerId for determinism, XOR every
	// revealed nonce together, hash the result with SHA-256, and
	// reduce the digest's first two bytes mod 6 + 1 into the two dice.
	// Peers that never reveal are excluded entirely, not zero-filled.
	sort.Slice(entries, func(i, j int) bool { return entries[i].peer.Less(entries[j].peer) })

	var xored [32]byte
	var proof bytes.Buffer
	var participants []types.PeerId
	for _, e := range entries {
		for i := range xored {
			xored[i] ^= e.nonce[i]
		}
		proof.Write(e.nonce[:])
		participants = append(participants, e.peer)
	}
	digest := sha256.Sum256(xored[:])
	roll := DiceRoll{
		Die1: digest[0]%6 + 1,
		Die2: digest[1]%6 + 1,
	}

	if rc.onFolded != nil {
		rc.onFolded(roundID, roll, proof.Bytes(), participants)
	}
}

// VerifyFold recomputes FoldReveals from an entropy proof (the
// concatenated, already-peer-sorted 32-byte nonces a ProcessRoll
// operation carries) and reports whether it matches roll; any
// participant can audit a committed roll this way without having
// observed the live commit/reveal exchange.
func VerifyFold(entropyProof []byte, roll DiceRoll) bool {
	if len(entropyProof)%32 != 0 || len(entropyProof) == 0 {
		return false
	}
	var xored [32]byte
	for off := 0; off < len(entropyProof); off += 32 {
		for i := 0; i < 32; i++ {
			xored[i] ^= entropyProof[off+i]
		}
	}
	digest := sha256.Sum256(xored[:])
	return roll.Die1 == digest[0]%6+1 && roll.Die2 == digest[1]%6+1
}
