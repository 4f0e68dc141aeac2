package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/types"
)

const httpShutdownTimeout = 5 * time.Second

// nodeSubmitter implements gateway.ActionSubmitter by forwarding each
// aggregated round to a cmd/bitcrapsd node's /action admin endpoint,
// the same request/reply JSON shape that endpoint decodes.
type nodeSubmitter struct {
	baseURL string
	client  *http.Client
	log     bclog.Logger
}

func newNodeSubmitter(nodeAddr string, log bclog.Logger) *nodeSubmitter {
	return &nodeSubmitter{
		baseURL: "http://" + nodeAddr,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type actionRequest struct {
	GameID  types.GameId          `json:"game_id"`
	Action  string                `json:"action"`
	Round   uint64                `json:"round"`
	Bets    []session.BetGroup    `json:"bets,omitempty"`
	Payouts []session.PayoutEntry `json:"payouts,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

type actionResponse struct {
	OpKey uint64 `json:"op_key"`
	Error string `json:"error,omitempty"`
}

// SubmitGameAction implements gateway.ActionSubmitter.
func (n *nodeSubmitter) SubmitGameAction(gameID types.GameId, action string, round uint64, bets []session.BetGroup, payouts []session.PayoutEntry, reason string) (uint64, error) {
	body, err := json.Marshal(actionRequest{GameID: gameID, Action: action, Round: round, Bets: bets, Payouts: payouts, Reason: reason})
	if err != nil {
		return 0, err
	}
	resp, err := n.client.Post(n.baseURL+"/action", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode action response: %w", err)
	}
	if out.Error != "" {
		return 0, fmt.Errorf("node rejected action: %s", out.Error)
	}
	return out.OpKey, nil
}

// gameExists implements gateway.Config.GameExists by querying the
// node's admin surface. A transport error is treated as "unknown" (the
// caller gets a 404 for that bet, same as an unknown game) rather than
// crashing the gateway on a transient node hiccup.
func (n *nodeSubmitter) gameExists(gameID types.GameId) bool {
	resp, err := n.client.Get(n.baseURL + "/games/" + gameID.String() + "/exists")
	if err != nil {
		n.log.Warnw("gateway: game-exists check failed", "game", gameID.String(), "err", err)
		return false
	}
	defer resp.Body.Close()

	var out struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	return out.Exists
}
