package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/bitcraps/bitcraps/pkg/dht"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// adminStatus is the JSON payload behind /status, consumed by the
// "status" CLI subcommand's tablewriter dump.
type adminStatus struct {
	PeerID       string `json:"peer_id"`
	PeerCount    int    `json:"peer_count"`
	Partitioned  bool   `json:"partitioned"`
	DHTTableSize int    `json:"dht_table_size"`
	DHTStoreSize int    `json:"dht_store_size"`
	ActiveGames  int    `json:"active_games"`
}

// actionRequest/actionResponse are the JSON shapes cmd/bitcraps-gateway
// uses to forward an aggregated bet/payout batch into this node's
// session.Manager over HTTP, since the gateway is a separate process
// from the node and has no direct access to its in-process bridge.
type actionRequest struct {
	GameID  types.GameId         `json:"game_id"`
	Action  string               `json:"action"`
	Round   uint64               `json:"round"`
	Bets    []session.BetGroup   `json:"bets,omitempty"`
	Payouts []session.PayoutEntry `json:"payouts,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

type actionResponse struct {
	OpKey uint64 `json:"op_key"`
	Error string `json:"error,omitempty"`
}

func newAdminServer(id *identity.Identity, svc *mesh.Service, node *dht.Node, mgr *session.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := adminStatus{
			PeerID:       id.PeerID.String(),
			PeerCount:    svc.PeerCount(),
			Partitioned:  svc.IsPartitioned(),
			DHTTableSize: node.Table().Len(),
			DHTStoreSize: node.Store().Len(),
			ActiveGames:  len(mgr.ActiveGameIDs()),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/games/", func(w http.ResponseWriter, r *http.Request) {
		idHex := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/games/"), "/exists")
		gameID, err := types.GameIDFromHex(idHex)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		exists := false
		for _, id := range mgr.ActiveGameIDs() {
			if id == gameID {
				exists = true
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"exists": exists})
	})
	mux.HandleFunc("/action", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req actionRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(actionResponse{Error: err.Error()})
			return
		}
		opKey, err := mgr.SubmitGameAction(req.GameID, req.Action, req.Round, req.Bets, req.Payouts, req.Reason)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(actionResponse{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(actionResponse{OpKey: opKey})
	})
	return mux
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
