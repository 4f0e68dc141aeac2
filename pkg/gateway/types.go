// Package gateway implements the BitCraps aggregation gateway: a
// stateless-per-request HTTP/WS aggregator and reverse proxy in
// front of the consensus mesh.
// It accepts bet placements, batches them into rounds, flushes batches
// as GameAction proposals through pkg/session, serves merkle inclusion
// proofs over round entries, fans consensus and round events out over
// WebSocket, and proxies everything else through a sticky-hash load
// balancer behind per-route rate limits and a circuit breaker.
package gateway

import (
	"time"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// BetType enumerates the wagers the HTTP surface accepts.
const (
	BetPass     = "pass"
	BetDontPass = "dontpass"
	BetCome     = "come"
	BetDontCome = "dontcome"
	BetField    = "field"
)

func validBetType(bt string) bool {
	switch bt {
	case BetPass, BetDontPass, BetCome, BetDontCome, BetField:
		return true
	default:
		return false
	}
}

// PlaceBetRequest is the body of POST /api/v1/games/:id/bets.
type PlaceBetRequest struct {
	PlayerIDHex string       `json:"player_id_hex"`
	BetType     string       `json:"bet_type"`
	Amount      types.Tokens `json:"amount"`
}

// PlaceBetResponse answers a successful bet placement.
type PlaceBetResponse struct {
	Accepted bool   `json:"accepted"`
	Round    uint64 `json:"round"`
}

// ProofResponse answers GET /api/v1/games/:id/proofs.
type ProofResponse struct {
	Round uint64      `json:"round"`
	Proof *ProofEntry `json:"proof"`
}

// ProofEntry is the inclusion proof payload, branch hashes hex-encoded
// for JSON transport.
type ProofEntry struct {
	Branch []string `json:"branch"`
	Root   string   `json:"root"`
}

// PayoutRequestEntry is one payout line in a PayoutsRequest.
type PayoutRequestEntry struct {
	PlayerIDHex string       `json:"player_id_hex"`
	Amount      types.Tokens `json:"amount"`
}

// PayoutsRequest is the body of POST /api/v1/games/:id/payouts.
type PayoutsRequest struct {
	Payouts []PayoutRequestEntry `json:"payouts"`
	Reason  string                `json:"reason,omitempty"`
	Round   *uint64               `json:"round,omitempty"`
}

// PayoutsResponse answers a payout submission.
type PayoutsResponse struct {
	Status int `json:"status"`
}

// betEntry is one accepted bet waiting in a game's current round.
type betEntry struct {
	Player  types.PeerId
	BetType string
	Amount  types.Tokens
	seq     int
}

// round accumulates bets for one (game_id, round_seq) pair until the
// aggregator's flush timer fires.
type round struct {
	seq       uint64
	entries   []betEntry
	createdAt time.Time
}
