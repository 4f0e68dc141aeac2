// Package session implements game lifecycle management:
// participants, bets, and the commit/reveal dice fairness protocol,
// layered on top of pkg/bridge's per-game consensus bridges. The
// commit/reveal shape is the classic commitment-then-reveal pattern
// for eliminating bias in a multi-party random draw, applied here to
// a pair of dice instead of a shuffled deck.
package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// Phase is a game's lifecycle/round phase.
type Phase uint8

const (
	PhaseComeOut Phase = iota
	PhasePoint
	PhaseCompleted
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseComeOut:
		return "come_out"
	case PhasePoint:
		return "point"
	case PhaseCompleted:
		return "completed"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// DiceRoll is a settled pair of dice values, 1..6 each.
type DiceRoll struct {
	Die1 uint8
	Die2 uint8
}

// Total returns the sum of both dice, the value craps bet resolution
// rules operate on.
func (d DiceRoll) Total() int { return int(d.Die1) + int(d.Die2) }

// Bet is a single wager open against a game round.
type Bet struct {
	ID        [16]byte
	Player    types.PeerId
	GameID    types.GameId
	BetType   string
	Amount    types.Tokens
	Timestamp uint64
}

// GameConsensusState is the per-game versioned snapshot that consensus
// agrees on: phase, participants, balances, open bets and the last
// roll, keyed by game id and sequence. StateHash is derived, not
// stored in the canonical encoding (it hashes everything else), but is
// populated on Snapshot for callers.
type GameConsensusState struct {
	GameID       types.GameId
	Participants []types.PeerId
	Balances     map[types.PeerId]types.Tokens
	OpenBets     []Bet
	Phase        Phase
	LastRoll     *DiceRoll
	PointValue   int // 0 when no point is established
}

// NewState builds an empty state for a freshly created game, seeding
// every initial participant with StartingBalance tokens.
func NewState(gameID types.GameId, participants []types.PeerId, startingBalance types.Tokens) GameConsensusState {
	s := GameConsensusState{
		GameID:       gameID,
		Participants: types.SortPeers(participants),
		Balances:     make(map[types.PeerId]types.Tokens, len(participants)),
		Phase:        PhaseComeOut,
	}
	for _, p := range s.Participants {
		s.Balances[p] = startingBalance
	}
	return s
}

// Snapshot is the read-only view returned to callers, carrying the
// derived state_hash and sequence the engine tracks separately.
type Snapshot struct {
	GameConsensusState
	Sequence  uint64
	StateHash types.Hash256
}

func (s *GameConsensusState) hasParticipant(id types.PeerId) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func (s *GameConsensusState) clone() GameConsensusState {
	out := GameConsensusState{
		GameID:     s.GameID,
		Phase:      s.Phase,
		PointValue: s.PointValue,
	}
	out.Participants = append([]types.PeerId(nil), s.Participants...)
	out.Balances = make(map[types.PeerId]types.Tokens, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	out.OpenBets = append([]Bet(nil), s.OpenBets...)
	if s.LastRoll != nil {
		r := *s.LastRoll
		out.LastRoll = &r
	}
	return out
}

// Encode produces the canonical byte form of s used as consensus.State.
// The encoding is frozen for cross-peer agreement: big-endian
// fixed-width integers, fields in declaration order except that
// PointValue is written before LastRoll, participant/balance keys
// sorted ascending by raw bytes.
func (s *GameConsensusState) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(s.GameID[:])

	participants := types.SortPeers(s.Participants)
	binary.Write(&buf, binary.BigEndian, uint16(len(participants)))
	for _, p := range participants {
		buf.Write(p[:])
	}

	binary.Write(&buf, binary.BigEndian, uint16(len(s.Balances)))
	for _, p := range participants {
		buf.Write(p[:])
		binary.Write(&buf, binary.BigEndian, uint64(s.Balances[p]))
	}
	// Any balance entries for peers no longer in Participants (e.g.
	// a removed participant whose ledger we still retain briefly)
	// are written after, sorted, so Encode stays a pure function of
	// the map's contents regardless of map iteration order.
	var extra []types.PeerId
	for p := range s.Balances {
		if !s.hasParticipant(p) {
			extra = append(extra, p)
		}
	}
	extra = types.SortPeers(extra)
	for _, p := range extra {
		buf.Write(p[:])
		binary.Write(&buf, binary.BigEndian, uint64(s.Balances[p]))
	}

	bets := make([]Bet, len(s.OpenBets))
	copy(bets, s.OpenBets)
	sort.Slice(bets, func(i, j int) bool { return bytes.Compare(bets[i].ID[:], bets[j].ID[:]) < 0 })
	binary.Write(&buf, binary.BigEndian, uint16(len(bets)))
	for _, b := range bets {
		buf.Write(b.ID[:])
		buf.Write(b.Player[:])
		writeString(&buf, b.BetType)
		binary.Write(&buf, binary.BigEndian, uint64(b.Amount))
		binary.Write(&buf, binary.BigEndian, b.Timestamp)
	}

	buf.WriteByte(byte(s.Phase))
	binary.Write(&buf, binary.BigEndian, int32(s.PointValue))
	if s.LastRoll != nil {
		buf.WriteByte(1)
		buf.WriteByte(s.LastRoll.Die1)
		buf.WriteByte(s.LastRoll.Die2)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Decode is Encode's inverse.
func Decode(raw []byte) (GameConsensusState, error) {
	var s GameConsensusState
	r := bytes.NewReader(raw)
	if err := readFull(r, s.GameID[:]); err != nil {
		return s, protoErr(err)
	}
	var nParticipants uint16
	if err := binary.Read(r, binary.BigEndian, &nParticipants); err != nil {
		return s, protoErr(err)
	}
	s.Participants = make([]types.PeerId, nParticipants)
	for i := range s.Participants {
		if err := readFull(r, s.Participants[i][:]); err != nil {
			return s, protoErr(err)
		}
	}
	var nBalances uint16
	if err := binary.Read(r, binary.BigEndian, &nBalances); err != nil {
		return s, protoErr(err)
	}
	s.Balances = make(map[types.PeerId]types.Tokens, nBalances)
	for i := uint16(0); i < nBalances; i++ {
		var p types.PeerId
		if err := readFull(r, p[:]); err != nil {
			return s, protoErr(err)
		}
		var amt uint64
		if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
			return s, protoErr(err)
		}
		s.Balances[p] = types.Tokens(amt)
	}
	var nBets uint16
	if err := binary.Read(r, binary.BigEndian, &nBets); err != nil {
		return s, protoErr(err)
	}
	s.OpenBets = make([]Bet, nBets)
	for i := range s.OpenBets {
		b := &s.OpenBets[i]
		if err := readFull(r, b.ID[:]); err != nil {
			return s, protoErr(err)
		}
		if err := readFull(r, b.Player[:]); err != nil {
			return s, protoErr(err)
		}
		betType, err := readString(r)
		if err != nil {
			return s, protoErr(err)
		}
		b.BetType = betType
		b.GameID = s.GameID
		var amt uint64
		if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
			return s, protoErr(err)
		}
		b.Amount = types.Tokens(amt)
		if err := binary.Read(r, binary.BigEndian, &b.Timestamp); err != nil {
			return s, protoErr(err)
		}
	}
	phase, err := r.ReadByte()
	if err != nil {
		return s, protoErr(err)
	}
	s.Phase = Phase(phase)
	var point int32
	if err := binary.Read(r, binary.BigEndian, &point); err != nil {
		return s, protoErr(err)
	}
	s.PointValue = int(point)
	hasRoll, err := r.ReadByte()
	if err != nil {
		return s, protoErr(err)
	}
	if hasRoll == 1 {
		var roll DiceRoll
		if roll.Die1, err = r.ReadByte(); err != nil {
			return s, protoErr(err)
		}
		if roll.Die2, err = r.ReadByte(); err != nil {
			return s, protoErr(err)
		}
		s.LastRoll = &roll
	}
	return s, nil
}

func writeString(out *bytes.Buffer, str string) {
	binary.Write(out, binary.BigEndian, uint16(len(str)))
	out.WriteString(str)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFull(r *bytes.Reader, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := r.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errors.New("short read")
	}
	return nil
}

func protoErr(err error) error {
	return bcerr.New(bcerr.KindProtocol, "session.Decode", err)
}

// EmptyState is the nil consensus.State. NewApply treats an empty
// state as a fresh game with no participants; Manager.CreateGame does
// not use it and starts each engine (consensus.New) from the encoded
// NewState instead.
var EmptyState consensus.State = nil
