// Package types defines the fixed-size identifiers shared across every
// BitCraps component: PeerId, GameId and Hash256.
//
// Each type implements the gogo/protobuf Marshaler shape
// (Marshal/MarshalTo/Unmarshal/Size) by hand; there is no generated
// .pb.go file backing these, just fixed arrays that satisfy the
// interface so they drop into any gogo-proto-based envelope without a
// wrapper type.
package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"

	gogoproto "github.com/gogo/protobuf/proto"
)

// ErrSize is returned when Unmarshal is given the wrong number of bytes.
var ErrSize = errors.New("types: incorrect byte length")

// PeerSize is the byte length of a PeerId.
const PeerSize = 32

// GameIDSize is the byte length of a GameId.
const GameIDSize = 16

// HashSize is the byte length of a Hash256.
const HashSize = 32

// PeerId is a 32-byte peer identity.
type PeerId [PeerSize]byte

// GameId is a 16-byte opaque game identifier.
type GameId [GameIDSize]byte

// Hash256 is a 32-byte content hash.
type Hash256 [HashSize]byte

// Tokens is the game's internal unit of account. Plain uint64; no
// on-chain settlement or wallet semantics attach to it.
type Tokens uint64

func (p PeerId) String() string  { return hex.EncodeToString(p[:]) }
func (g GameId) String() string  { return hex.EncodeToString(g[:]) }
func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

func (p PeerId) IsZero() bool  { return p == PeerId{} }
func (g GameId) IsZero() bool  { return g == GameId{} }
func (h Hash256) IsZero() bool { return h == Hash256{} }

// Less provides a canonical ordering over PeerId, used everywhere a
// deterministic iteration/sort over participants is required (quorum
// tallying, canonical serialization, leaderless view-change rotation).
func (p PeerId) Less(o PeerId) bool { return bytes.Compare(p[:], o[:]) < 0 }

// SortPeers returns a new, ascending-sorted copy of peers.
func SortPeers(peers []PeerId) []PeerId {
	out := make([]PeerId, len(peers))
	copy(out, peers)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// --- PeerId gogo-proto Marshaler shape ---

func (p PeerId) Marshal() ([]byte, error) { return p[:], nil }

func (p *PeerId) MarshalTo(data []byte) (int, error) {
	copy(data, p[:])
	return PeerSize, nil
}

func (p *PeerId) Unmarshal(data []byte) error {
	if len(data) != PeerSize {
		return ErrSize
	}
	copy(p[:], data)
	return nil
}

func (p *PeerId) Size() int { return PeerSize }

// Reset and ProtoMessage complete the gogo/protobuf Message interface
// so PeerId can be passed directly to gogoproto.Marshal/Unmarshal,
// which dispatch to the Marshaler/Unmarshaler methods above without
// any generated code.
func (p *PeerId) Reset()        { *p = PeerId{} }
func (p *PeerId) ProtoMessage() {}

func (p PeerId) MarshalJSON() ([]byte, error)  { return json.Marshal(p.String()) }
func (p *PeerId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return p.Unmarshal(raw)
}

// --- GameId gogo-proto Marshaler shape ---

func (g GameId) Marshal() ([]byte, error) { return g[:], nil }

func (g *GameId) MarshalTo(data []byte) (int, error) {
	copy(data, g[:])
	return GameIDSize, nil
}

func (g *GameId) Unmarshal(data []byte) error {
	if len(data) != GameIDSize {
		return ErrSize
	}
	copy(g[:], data)
	return nil
}

func (g *GameId) Size() int { return GameIDSize }

func (g *GameId) Reset()        { *g = GameId{} }
func (g *GameId) ProtoMessage() {}

func (g GameId) MarshalJSON() ([]byte, error) { return json.Marshal(g.String()) }
func (g *GameId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return g.Unmarshal(raw)
}

// --- Hash256 gogo-proto Marshaler shape ---

func (h Hash256) Marshal() ([]byte, error) { return h[:], nil }

func (h *Hash256) MarshalTo(data []byte) (int, error) {
	copy(data, h[:])
	return HashSize, nil
}

func (h *Hash256) Unmarshal(data []byte) error {
	if len(data) != HashSize {
		return ErrSize
	}
	copy(h[:], data)
	return nil
}

func (h *Hash256) Size() int { return HashSize }

func (h *Hash256) Reset()        { *h = Hash256{} }
func (h *Hash256) ProtoMessage() {}

// MarshalProto and UnmarshalProto round-trip any of PeerId/GameId/
// Hash256 through gogo/protobuf's generic dispatch instead of slicing
// the array directly, exercised by pkg/wire's sender/receiver TLV
// accessors so the dependency is load-bearing, not decorative.
func MarshalProto(m gogoproto.Message) ([]byte, error) {
	return gogoproto.Marshal(m)
}

func UnmarshalProto(data []byte, m gogoproto.Message) error {
	return gogoproto.Unmarshal(data, m)
}

func (h Hash256) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }
func (h *Hash256) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return h.Unmarshal(raw)
}

// PeerIDFromHex parses a hex-encoded 32-byte peer id, as used by the
// gateway's player_id_hex request fields.
func PeerIDFromHex(s string) (PeerId, error) {
	var p PeerId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	err = p.Unmarshal(raw)
	return p, err
}

// GameIDFromHex parses a hex-encoded 16-byte game id, as used by the
// gateway's path parameters and the node admin surface's game lookups.
func GameIDFromHex(s string) (GameId, error) {
	var g GameId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return g, err
	}
	err = g.Unmarshal(raw)
	return g, err
}
