package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// DefaultGlobalRateLimit and DefaultGlobalRateBurst are the gateway's
// top-level token bucket.
const (
	DefaultGlobalRateLimit = rate.Limit(200)
	DefaultGlobalRateBurst = 400
)

// Config wires a Server's dependencies and tunables.
type Config struct {
	Log           bclog.Logger
	Submitter     ActionSubmitter
	GameExists    func(types.GameId) bool
	GlobalLimit   rate.Limit
	GlobalBurst   int
	RouteLimits   map[string]rate.Limit // route pattern -> override
	JWTRegionFunc func(*http.Request) string
}

// Server is the HTTP/WS gateway: aggregator-backed bet/proof/payout
// endpoints, a WS broker fan-out,
// and a sticky-hash, circuit-breaker-guarded reverse proxy for
// everything else, structured as a chi.Mux.
type Server struct {
	router *chi.Mux
	agg    *Aggregator
	broker *Broker
	lb     *LoadBalancer
	brk    *BreakerRegistry

	globalLimiter *rate.Limiter
	routeLimiters map[string]*rate.Limiter

	cfg       Config
	log       bclog.Logger
	upgrader  websocket.Upgrader
	startedAt time.Time

	requestsTotal *prometheus.CounterVec
	betsAccepted  prometheus.Counter
}

// NewServer builds a Server and wires its routes.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = bclog.NewNop()
	}
	if cfg.GlobalLimit == 0 {
		cfg.GlobalLimit = DefaultGlobalRateLimit
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = DefaultGlobalRateBurst
	}
	if cfg.GameExists == nil {
		cfg.GameExists = func(types.GameId) bool { return true }
	}

	broker := NewBroker()
	s := &Server{
		router:        chi.NewRouter(),
		agg:           NewAggregator(cfg.Submitter, broker, cfg.Log),
		broker:        broker,
		lb:            NewLoadBalancer(),
		brk:           NewBreakerRegistry(),
		globalLimiter: rate.NewLimiter(cfg.GlobalLimit, cfg.GlobalBurst),
		routeLimiters: make(map[string]*rate.Limiter),
		cfg:           cfg,
		log:           cfg.Log,
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		startedAt:     time.Now(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitcraps_gateway_requests_total",
			Help: "Total HTTP requests handled by the gateway, by route and status class.",
		}, []string{"route", "status_class"}),
		betsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitcraps_gateway_bets_accepted_total",
			Help: "Total bet placements accepted by the gateway.",
		}),
	}
	for pattern, limit := range cfg.RouteLimits {
		s.routeLimiters[pattern] = rate.NewLimiter(limit, int(limit)+1)
	}
	prometheus.MustRegister(s.requestsTotal, s.betsAccepted)

	s.routes()
	return s
}

// Aggregator exposes the server's aggregator for callers that need to
// start/stop its flush loop (cmd/bitcraps-gateway).
func (s *Server) Aggregator() *Aggregator { return s.agg }

// Broker exposes the server's event broker, e.g. for bridging consensus
// events in from pkg/session.Manager.Events().
func (s *Server) Broker() *Broker { return s.broker }

// LoadBalancer exposes the server's instance registry so a health
// checker can Upsert/Remove backend instances.
func (s *Server) LoadBalancer() *LoadBalancer { return s.lb }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimitMiddleware)

	r.Post("/api/v1/games/{id}/bets", s.handlePlaceBet)
	r.Get("/api/v1/games/{id}/proofs", s.handleProofs)
	r.Post("/api/v1/games/{id}/payouts", s.handlePayouts)
	r.Get("/subscribe", s.handleSubscribe)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/v1/consensus/status", s.handleConsensusStatus)
	r.Get("/api/v1/consensus/qc", s.handleConsensusQC)

	r.NotFound(s.handleProxy)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.globalLimiter
		if route := chi.RouteContext(r.Context()); route != nil {
			if rl, ok := s.routeLimiters[route.RoutePattern()]; ok {
				limiter = rl
			}
		}
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func gameIDFromPath(r *http.Request) (types.GameId, bool) {
	hexID := chi.URLParam(r, "id")
	g, err := types.GameIDFromHex(hexID)
	if err != nil {
		return g, false
	}
	return g, true
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDFromPath(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid game id"})
		return
	}
	if !s.cfg.GameExists(gameID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown game"})
		return
	}

	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	player, err := types.PeerIDFromHex(req.PlayerIDHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid player_id_hex"})
		return
	}

	round, err := s.agg.AcceptBet(gameID, player, req.BetType, req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.betsAccepted.Inc()
	writeJSON(w, http.StatusOK, PlaceBetResponse{Accepted: true, Round: round})
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDFromPath(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid game id"})
		return
	}
	q := r.URL.Query()
	player, err := types.PeerIDFromHex(q.Get("player_id_hex"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid player_id_hex"})
		return
	}
	betType := q.Get("bet_type")
	amount, err := strconv.ParseUint(q.Get("amount"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	var roundPtr *uint64
	if rv := q.Get("round"); rv != "" {
		parsed, err := strconv.ParseUint(rv, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid round"})
			return
		}
		roundPtr = &parsed
	}

	resp, found := s.agg.Proof(gameID, roundPtr, player, betType, types.Tokens(amount))
	if !found {
		resp.Proof = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDFromPath(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid game id"})
		return
	}
	var req PayoutsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	entries := make([]session.PayoutEntry, 0, len(req.Payouts))
	for _, p := range req.Payouts {
		player, err := types.PeerIDFromHex(p.PlayerIDHex)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid player_id_hex"})
			return
		}
		entries = append(entries, session.PayoutEntry{Player: player, Amount: p.Amount})
	}
	round := uint64(0)
	if req.Round != nil {
		round = *req.Round
	}
	if err := s.agg.SubmitPayouts(gameID, entries, req.Reason, round); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PayoutsResponse{Status: http.StatusOK})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "topic required"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("gateway: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.broker.Subscribe(topic)
	defer unsubscribe()

	if err := conn.WriteJSON(map[string]string{"type": "hello", "topic": topic}); err != nil {
		return
	}

	for event := range ch {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleConsensusStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

func (s *Server) handleConsensusQC(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

// handleProxy forwards anything not matched above to a backend
// instance chosen by the sticky-hash load balancer, guarded by that
// instance's circuit breaker.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPFromRequest(r)
	region := regionFromRequest(r.Header.Get("X-Region"), s.jwtRegion(r))

	inst, ok := s.lb.Pick(clientIP, region)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no backend instances available"})
		return
	}

	breaker := s.brk.Get(inst.ID)
	if !breaker.Allow(time.Now()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "upstream circuit open"})
		return
	}

	target, err := url.Parse(inst.Addr)
	if err != nil {
		breaker.RecordFailure(time.Now())
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "invalid upstream address"})
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		breaker.RecordFailure(time.Now())
		writeJSON(rw, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode >= 500 {
			breaker.RecordFailure(time.Now())
		} else {
			breaker.RecordSuccess()
		}
		return nil
	}
	proxy.ServeHTTP(w, r)
}

func (s *Server) jwtRegion(r *http.Request) string {
	if s.cfg.JWTRegionFunc == nil {
		return ""
	}
	return s.cfg.JWTRegionFunc(r)
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// Shutdown stops the aggregator's background flush loop.
func (s *Server) Shutdown(ctx context.Context) {
	s.agg.Stop()
}

// Run starts the aggregator's flush loop; call before serving traffic.
func (s *Server) Run(ctx context.Context) {
	s.agg.Start(ctx)
}
