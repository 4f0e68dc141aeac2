package consensus

import (
	"encoding/binary"

	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// State is an opaque, already-canonical serialization of a game's
// state, owned and produced by the caller (pkg/session). The engine
// never interprets its contents; it only hashes and hands it to
// ApplyFunc.
type State []byte

// Operation is an opaque, game-defined state transition (PlaceBet,
// ProcessRoll, AddParticipant, ...); pkg/session supplies both the
// encoding and the ApplyFunc that interprets it. The engine treats an
// Operation as a black box it carries inside a Proposal and feeds back
// to ApplyFunc at vote- and commit-time.
type Operation struct {
	Kind   string
	GameID types.GameId
	Nonce  uint64
	Data   []byte
}

// ApplyFunc applies op to state, returning the resulting state. It
// must be a pure function of (state, op);
// the same (state, op) pair must produce byte-identical output on
// every participant for commit hashes to converge.
type ApplyFunc func(state State, op Operation) (State, error)

// canonicalize fixes the one true byte layout hashed at every commit
// site: big-endian fixed-width integers, fields in declaration order.
// GameID and Sequence are fixed-width already; State is whatever
// canonical form pkg/session already produced, so this only needs to
// concatenate them in a fixed order.
func canonicalize(gameID types.GameId, sequence uint64, state State) []byte {
	buf := make([]byte, 0, len(gameID)+8+len(state))
	buf = append(buf, gameID[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, state...)
	return buf
}

// StateHash is the single hash function Engine uses for its state and
// commit hashes, so that identical bytes hash identically at each of
// those sites by construction. pkg/syncstate's merkle leaves do not
// use it: they hash session.Manager.GameStateBytes' sequence-prefixed
// encoding with identity.Hash.
func StateHash(gameID types.GameId, sequence uint64, state State) types.Hash256 {
	return identity.Hash(canonicalize(gameID, sequence, state))
}
