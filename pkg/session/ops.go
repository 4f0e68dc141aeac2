package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/bridge"
	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// GameOperation kinds: PlaceBet, ProcessRoll,
// AddParticipant, RemoveParticipant, ResolveRound. AddParticipant and
// RemoveParticipant share their string tags with pkg/bridge's
// convenience submitters so a single ApplyOperation switch handles
// both bridge-originated and session-originated operations.
const (
	OpPlaceBet         = "PlaceBet"
	OpProcessRoll      = "ProcessRoll"
	OpAddParticipant   = bridge.OpAddParticipant
	OpRemoveParticipant = bridge.OpRemoveParticipant
	OpResolveRound     = "ResolveRound"
	// OpGameAction is the gateway's batched proposal kind.
	// Unlike the other kinds it is submitted by pkg/gateway, not by a
	// player directly, and carries a whole batch rather than one bet.
	OpGameAction = "GameAction"
)

// DefaultMaxBetAmount bounds a single bet when the Manager doesn't
// configure its own cap.
const DefaultMaxBetAmount types.Tokens = 1_000_000

// placeBetPayload is Operation.Data for OpPlaceBet.
type placeBetPayload struct {
	Player  types.PeerId
	BetType string
	Amount  types.Tokens
}

func encodePlaceBet(p placeBetPayload) []byte {
	var buf bytes.Buffer
	buf.Write(p.Player[:])
	writeString(&buf, p.BetType)
	binary.Write(&buf, binary.BigEndian, uint64(p.Amount))
	return buf.Bytes()
}

func decodePlaceBet(data []byte) (placeBetPayload, error) {
	var p placeBetPayload
	r := bytes.NewReader(data)
	if err := readFull(r, p.Player[:]); err != nil {
		return p, protoErr(err)
	}
	betType, err := readString(r)
	if err != nil {
		return p, protoErr(err)
	}
	p.BetType = betType
	var amt uint64
	if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
		return p, protoErr(err)
	}
	p.Amount = types.Tokens(amt)
	return p, nil
}

// processRollPayload is Operation.Data for OpProcessRoll: the final,
// already-folded dice value plus the entropy proof (the sorted,
// concatenated revealed nonces the fold was computed from, so any
// peer can recompute and verify it independently).
type processRollPayload struct {
	RoundID      uint64
	Roll         DiceRoll
	EntropyProof []byte
}

func encodeProcessRoll(p processRollPayload) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, p.RoundID)
	buf.WriteByte(p.Roll.Die1)
	buf.WriteByte(p.Roll.Die2)
	binary.Write(&buf, binary.BigEndian, uint32(len(p.EntropyProof)))
	buf.Write(p.EntropyProof)
	return buf.Bytes()
}

func decodeProcessRoll(data []byte) (processRollPayload, error) {
	var p processRollPayload
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &p.RoundID); err != nil {
		return p, protoErr(err)
	}
	var err error
	if p.Roll.Die1, err = r.ReadByte(); err != nil {
		return p, protoErr(err)
	}
	if p.Roll.Die2, err = r.ReadByte(); err != nil {
		return p, protoErr(err)
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return p, protoErr(err)
	}
	p.EntropyProof = make([]byte, n)
	if err := readFull(r, p.EntropyProof); err != nil {
		return p, protoErr(err)
	}
	return p, nil
}

// resolveRoundPayload is Operation.Data for OpResolveRound.
type resolveRoundPayload struct {
	RoundID uint64
	Outcome string
}

func encodeResolveRound(p resolveRoundPayload) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, p.RoundID)
	writeString(&buf, p.Outcome)
	return buf.Bytes()
}

func decodeResolveRound(data []byte) (resolveRoundPayload, error) {
	var p resolveRoundPayload
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &p.RoundID); err != nil {
		return p, protoErr(err)
	}
	outcome, err := readString(r)
	if err != nil {
		return p, protoErr(err)
	}
	p.Outcome = outcome
	return p, nil
}

// BetGroup is one aggregated wager inside a gateway round.
type BetGroup struct {
	Player  types.PeerId
	BetType string
	Amount  types.Tokens
}

// PayoutEntry is one credit inside a gateway-forwarded payouts batch.
type PayoutEntry struct {
	Player types.PeerId
	Amount types.Tokens
}

// gameActionPayload is Operation.Data for OpGameAction: either a batch
// of aggregated bets (Bets) or a batch of payouts (Payouts), never
// both, tagged by Action.
type gameActionPayload struct {
	Action  string
	Round   uint64
	Reason  string
	Bets    []BetGroup
	Payouts []PayoutEntry
}

func encodeGameAction(p gameActionPayload) []byte {
	var buf bytes.Buffer
	writeString(&buf, p.Action)
	binary.Write(&buf, binary.BigEndian, p.Round)
	writeString(&buf, p.Reason)
	binary.Write(&buf, binary.BigEndian, uint16(len(p.Bets)))
	for _, b := range p.Bets {
		buf.Write(b.Player[:])
		writeString(&buf, b.BetType)
		binary.Write(&buf, binary.BigEndian, uint64(b.Amount))
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(p.Payouts)))
	for _, po := range p.Payouts {
		buf.Write(po.Player[:])
		binary.Write(&buf, binary.BigEndian, uint64(po.Amount))
	}
	return buf.Bytes()
}

func decodeGameAction(data []byte) (gameActionPayload, error) {
	var p gameActionPayload
	r := bytes.NewReader(data)
	action, err := readString(r)
	if err != nil {
		return p, protoErr(err)
	}
	p.Action = action
	if err := binary.Read(r, binary.BigEndian, &p.Round); err != nil {
		return p, protoErr(err)
	}
	reason, err := readString(r)
	if err != nil {
		return p, protoErr(err)
	}
	p.Reason = reason
	var nBets uint16
	if err := binary.Read(r, binary.BigEndian, &nBets); err != nil {
		return p, protoErr(err)
	}
	p.Bets = make([]BetGroup, nBets)
	for i := range p.Bets {
		if err := readFull(r, p.Bets[i].Player[:]); err != nil {
			return p, protoErr(err)
		}
		bt, err := readString(r)
		if err != nil {
			return p, protoErr(err)
		}
		p.Bets[i].BetType = bt
		var amt uint64
		if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
			return p, protoErr(err)
		}
		p.Bets[i].Amount = types.Tokens(amt)
	}
	var nPayouts uint16
	if err := binary.Read(r, binary.BigEndian, &nPayouts); err != nil {
		return p, protoErr(err)
	}
	p.Payouts = make([]PayoutEntry, nPayouts)
	for i := range p.Payouts {
		if err := readFull(r, p.Payouts[i].Player[:]); err != nil {
			return p, protoErr(err)
		}
		var amt uint64
		if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
			return p, protoErr(err)
		}
		p.Payouts[i].Amount = types.Tokens(amt)
	}
	return p, nil
}

// NewGameActionOp builds the batched consensus.Operation the gateway's
// aggregator submits every flush interval.
func NewGameActionOp(gameID types.GameId, nonce uint64, action string, round uint64, bets []BetGroup, payouts []PayoutEntry, reason string) consensus.Operation {
	return consensus.Operation{
		Kind:   OpGameAction,
		GameID: gameID,
		Nonce:  nonce,
		Data:   encodeGameAction(gameActionPayload{Action: action, Round: round, Reason: reason, Bets: bets, Payouts: payouts}),
	}
}

// NewPlaceBetOp builds the consensus.Operation for a PlaceBet, nonce
// supplied by the caller so identical semantic bets (same nonce) are
// idempotent at commit time.
func NewPlaceBetOp(gameID types.GameId, nonce uint64, player types.PeerId, betType string, amount types.Tokens) consensus.Operation {
	return consensus.Operation{Kind: OpPlaceBet, GameID: gameID, Nonce: nonce, Data: encodePlaceBet(placeBetPayload{Player: player, BetType: betType, Amount: amount})}
}

// NewProcessRollOp builds the consensus.Operation carrying a
// fold-agreed dice roll for commitment into game state.
func NewProcessRollOp(gameID types.GameId, roundID uint64, roll DiceRoll, entropyProof []byte) consensus.Operation {
	return consensus.Operation{Kind: OpProcessRoll, GameID: gameID, Nonce: roundID, Data: encodeProcessRoll(processRollPayload{RoundID: roundID, Roll: roll, EntropyProof: entropyProof})}
}

// NewResolveRoundOp builds the consensus.Operation settling open bets
// for a round.
func NewResolveRoundOp(gameID types.GameId, roundID uint64, outcome string) consensus.Operation {
	return consensus.Operation{Kind: OpResolveRound, GameID: gameID, Nonce: roundID, Data: encodeResolveRound(resolveRoundPayload{RoundID: roundID, Outcome: outcome})}
}

// betID derives a stable 16-byte identifier for a bet so repeated
// submissions of the same (player, game, nonce) tuple dedupe instead
// of opening a second wager.
func betID(gameID types.GameId, player types.PeerId, nonce uint64) [16]byte {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	h := identity.Hash(append(append(append([]byte{}, gameID[:]...), player[:]...), nb[:]...))
	var id [16]byte
	copy(id[:], h[:16])
	return id
}

// NewApply builds the consensus.ApplyFunc a Manager installs on every
// game's Bridge. maxBetAmount of 0 falls back to DefaultMaxBetAmount.
func NewApply(maxBetAmount types.Tokens, startingBalance types.Tokens) consensus.ApplyFunc {
	if maxBetAmount == 0 {
		maxBetAmount = DefaultMaxBetAmount
	}
	return func(raw consensus.State, op consensus.Operation) (consensus.State, error) {
		var s GameConsensusState
		var err error
		if len(raw) == 0 {
			s = GameConsensusState{GameID: op.GameID, Balances: make(map[types.PeerId]types.Tokens), Phase: PhaseComeOut}
		} else {
			s, err = Decode(raw)
			if err != nil {
				return nil, err
			}
		}
		next := s.clone()

		switch op.Kind {
		case OpAddParticipant:
			var peer types.PeerId
			if len(op.Data) != types.PeerSize {
				return nil, bcerr.New(bcerr.KindValidation, "session.Apply", errors.New("AddParticipant: bad payload size"))
			}
			copy(peer[:], op.Data)
			if !next.hasParticipant(peer) {
				next.Participants = append(next.Participants, peer)
				next.Participants = types.SortPeers(next.Participants)
				if _, ok := next.Balances[peer]; !ok {
					next.Balances[peer] = startingBalance
				}
			}
		case OpRemoveParticipant:
			if len(op.Data) < types.PeerSize {
				return nil, bcerr.New(bcerr.KindValidation, "session.Apply", errors.New("RemoveParticipant: bad payload size"))
			}
			var peer types.PeerId
			copy(peer[:], op.Data[:types.PeerSize])
			out := next.Participants[:0]
			for _, p := range next.Participants {
				if p != peer {
					out = append(out, p)
				}
			}
			next.Participants = out
		case OpPlaceBet:
			payload, err := decodePlaceBet(op.Data)
			if err != nil {
				return nil, err
			}
			if payload.Amount > maxBetAmount {
				return nil, bcerr.New(bcerr.KindGameLogic, "session.Apply", bcerr.ErrBetTooLarge)
			}
			if !next.hasParticipant(payload.Player) {
				return nil, bcerr.New(bcerr.KindGameLogic, "session.Apply", errors.New("bettor is not a participant"))
			}
			id := betID(op.GameID, payload.Player, op.Nonce)
			for _, b := range next.OpenBets {
				if b.ID == id {
					return next.Encode(), nil // identical (player,nonce) bet already applied
				}
			}
			if next.Balances[payload.Player] < payload.Amount {
				return nil, bcerr.New(bcerr.KindGameLogic, "session.Apply", errors.New("insufficient balance"))
			}
			next.Balances[payload.Player] -= payload.Amount
			next.OpenBets = append(next.OpenBets, Bet{ID: id, Player: payload.Player, GameID: op.GameID, BetType: payload.BetType, Amount: payload.Amount, Timestamp: op.Nonce})
		case OpProcessRoll:
			if next.Phase != PhaseComeOut && next.Phase != PhasePoint {
				return nil, bcerr.New(bcerr.KindGameLogic, "session.Apply", bcerr.ErrIllegalPhase)
			}
			payload, err := decodeProcessRoll(op.Data)
			if err != nil {
				return nil, err
			}
			roll := payload.Roll
			next.LastRoll = &roll
			total := roll.Total()
			switch next.Phase {
			case PhaseComeOut:
				switch total {
				case 7, 11:
					next.Phase = PhaseComeOut // pass-line natural win, stays comeout; outcome resolved via OpResolveRound
				case 2, 3, 12:
					next.Phase = PhaseComeOut // craps; stays comeout
				default:
					next.Phase = PhasePoint
					next.PointValue = total
				}
			case PhasePoint:
				if total == next.PointValue || total == 7 {
					next.Phase = PhaseComeOut
					next.PointValue = 0
				}
			}
		case OpResolveRound:
			payload, err := decodeResolveRound(op.Data)
			if err != nil {
				return nil, err
			}
			next.OpenBets = resolveBets(next.OpenBets, next.Balances, payload.Outcome)
		case OpGameAction:
			payload, err := decodeGameAction(op.Data)
			if err != nil {
				return nil, err
			}
			switch payload.Action {
			case "aggregate_bets":
				for i, bg := range payload.Bets {
					if bg.Amount > maxBetAmount || !next.hasParticipant(bg.Player) || next.Balances[bg.Player] < bg.Amount {
						continue // one bad entry in a batch doesn't fail the whole round
					}
					id := betID(op.GameID, bg.Player, op.Nonce+uint64(i))
					dup := false
					for _, b := range next.OpenBets {
						if b.ID == id {
							dup = true
							break
						}
					}
					if dup {
						continue
					}
					next.Balances[bg.Player] -= bg.Amount
					next.OpenBets = append(next.OpenBets, Bet{ID: id, Player: bg.Player, GameID: op.GameID, BetType: bg.BetType, Amount: bg.Amount, Timestamp: payload.Round})
				}
			case "payouts":
				for _, po := range payload.Payouts {
					if !next.hasParticipant(po.Player) {
						continue
					}
					next.Balances[po.Player] += po.Amount
				}
			default:
				return nil, bcerr.New(bcerr.KindGameLogic, "session.Apply", fmt.Errorf("unknown game action %q", payload.Action))
			}
		default:
			return nil, bcerr.New(bcerr.KindProtocol, "session.Apply", fmt.Errorf("unknown operation kind %q", op.Kind))
		}
		return next.Encode(), nil
	}
}

// resolveBets settles every open bet against outcome ("pass_win",
// "pass_lose", "field_win", ...), crediting winners' balances and
// returning the remaining (still-open) bets. A minimal payout table
// covers pass/dontpass/come/dontcome/field; anything unrecognized
// simply stays open for a later round.
func resolveBets(bets []Bet, balances map[types.PeerId]types.Tokens, outcome string) []Bet {
	var remaining []Bet
	for _, b := range bets {
		won, settled := payoutDecision(b.BetType, outcome)
		if !settled {
			remaining = append(remaining, b)
			continue
		}
		if won {
			balances[b.Player] += b.Amount * 2
		}
	}
	return remaining
}

// payoutDecision reports whether bet type t is settled (not carried to
// the next round) by outcome, and if so whether it won. Pass/don't-pass
// resolve on every "pass_win"/"pass_lose" outcome; come/don't-come and
// field bets resolve only on their own matching outcome tags.
func payoutDecision(betType, outcome string) (won bool, settled bool) {
	switch betType {
	case "pass":
		switch outcome {
		case "pass_win":
			return true, true
		case "pass_lose":
			return false, true
		}
	case "dontpass":
		switch outcome {
		case "pass_win":
			return false, true
		case "pass_lose":
			return true, true
		}
	case "field":
		switch outcome {
		case "field_win":
			return true, true
		case "field_lose":
			return false, true
		}
	case "come":
		switch outcome {
		case "come_win":
			return true, true
		case "come_lose":
			return false, true
		}
	case "dontcome":
		switch outcome {
		case "come_win":
			return false, true
		case "come_lose":
			return true, true
		}
	}
	return false, false
}
