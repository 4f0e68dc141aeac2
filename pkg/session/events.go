package session

import "github.com/bitcraps/bitcraps/pkg/types"

// EventKind enumerates Manager-level notifications.
type EventKind int

const (
	EventGameCreated EventKind = iota
	EventParticipantJoined
	EventBetPlaced
	EventDiceRolled
	EventRoundResolved
	EventGameExpired
	EventConsensusFailed
)

// GameEvent is delivered on Manager.Events() for every lifecycle
// transition a caller (e.g. pkg/gateway) might want to react to or
// relay to clients.
type GameEvent struct {
	Kind   EventKind
	GameID types.GameId

	Participant types.PeerId
	Bet         Bet
	Roll        DiceRoll
	Outcome     string
	Reason      string // populated on EventConsensusFailed
	OpKey       uint64 // the failed operation's sequence/nonce, for correlation
}
