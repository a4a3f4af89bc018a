package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
	"github.com/SuitlessStan/football-manager-be/internal/repository"
	"github.com/SuitlessStan/football-manager-be/internal/service/auth"
	"github.com/SuitlessStan/football-manager-be/internal/service/team"
	"github.com/SuitlessStan/football-manager-be/internal/service/transfer"
	"github.com/SuitlessStan/football-manager-be/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	team     team.Service
	transfer transfer.Service
	feed     *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitAuth      = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitFeed      = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, teamSvc team.Service, transferSvc transfer.Service, feed *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		team:     teamSvc,
		transfer: transferSvc,
		feed:     feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/v1/health", r.audit(r.handleHealth))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth", r.audit(r.withRateLimit("/auth", rateLimitAuth, rateWindowDefault, rateLimitKeyIP, r.handleAuth)))
	r.mux.HandleFunc("/teams", r.audit(r.handlerAuthRate("/teams", rateLimitUserWrite, rateWindowDefault, r.handleTeams)))
	r.mux.HandleFunc("/teams/", r.audit(r.handlerAuthRate("/teams/", rateLimitUserWrite, rateWindowDefault, r.handleTeamSubroutes)))
	r.mux.HandleFunc("/transfers", r.audit(r.handlerAuthRate("/transfers", rateLimitUserWrite, rateWindowDefault, r.handleTransfers)))
	r.mux.HandleFunc("/transfers/", r.audit(r.handlerAuthRate("/transfers/", rateLimitUserWrite, rateWindowDefault, r.handleTransferSubroutes)))
	r.mux.HandleFunc("/players", r.audit(r.handlerAuthRate("/players", rateLimitUserWrite, rateWindowDefault, r.handlePlayers)))
	r.mux.HandleFunc("/v1/transfers/feed", r.audit(r.handlerAuthRate("/v1/transfers/feed", rateLimitFeed, rateWindowRealtime, r.handleMarketFeed)))
}

// errorStatus maps service and repository failures to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, transfer.ErrNotListed):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrListingSold),
		errors.Is(err, transfer.ErrAlreadyListed),
		errors.Is(err, team.ErrTeamExists):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrInsufficientFunds),
		errors.Is(err, transfer.ErrInvalidAskingPrice),
		errors.Is(err, team.ErrInvalidSquadSize),
		errors.Is(err, team.ErrInvalidPlayer):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (r *Router) serviceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "error", err)
		writeError(w, status, "An error occurred")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (r *Router) handleAuth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, user, err := r.auth.LoginOrRegister(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for teams route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			UserID string `json:"user_id"`
		}
		// The body is optional, but a malformed one is still rejected.
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.UserID != "" && payload.UserID != identity.UserID {
			writeError(w, http.StatusBadRequest, "user_id does not match the authenticated user")
			return
		}
		if _, err := r.team.Create(req.Context(), identity.UserID); err != nil {
			r.serviceError(w, err)
			return
		}
		writeSuccess(w, http.StatusCreated)
	case http.MethodGet:
		teamRecord, err := r.team.GetByUserID(req.Context(), identity.UserID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		players, err := r.team.ListPlayers(req.Context(), teamRecord.ID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"team":    marshalTeam(teamRecord),
			"players": marshalPlayers(players),
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/teams/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "validate-size" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.team.ValidateSquadSize(req.Context(), parts[0]); err != nil {
		r.serviceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK)
}

func (r *Router) handleTransfers(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		listings, err := r.transfer.ActiveListings(req.Context())
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": marshalListings(listings)})
	case http.MethodPost:
		var payload struct {
			PlayerID string  `json:"playerId"`
			Price    float64 `json:"price"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.PlayerID == "" {
			writeError(w, http.StatusBadRequest, "playerId is required")
			return
		}
		if _, err := r.transfer.ListPlayer(req.Context(), payload.PlayerID, payload.Price); err != nil {
			r.serviceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTransferSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/transfers/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		r.notFound(w)
		return
	}
	if trimmed == "buy" {
		r.handleBuy(w, req)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.transfer.Delist(req.Context(), trimmed); err != nil {
		r.serviceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK)
}

func (r *Router) handleBuy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		PlayerID    string `json:"playerId"`
		BuyerTeamID string `json:"buyerTeamId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.PlayerID == "" || payload.BuyerTeamID == "" {
		writeError(w, http.StatusBadRequest, "playerId and buyerTeamId are required")
		return
	}
	if _, err := r.transfer.Buy(req.Context(), payload.PlayerID, payload.BuyerTeamID); err != nil {
		r.serviceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK)
}

func (r *Router) handlePlayers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name     string  `json:"name"`
		Position string  `json:"position"`
		Price    float64 `json:"price"`
		TeamID   *string `json:"teamId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	player, err := r.team.CreatePlayer(req.Context(), payload.Name, domain.Position(payload.Position), payload.Price, payload.TeamID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, marshalPlayer(*player))
}

func (r *Router) handleMarketFeed(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.feed == nil {
		writeError(w, http.StatusNotFound, "market feed disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.feed.Register(client)
	go func() {
		defer func() {
			r.feed.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func marshalTeam(t *domain.Team) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"user_id":    t.UserID,
		"budget":     t.Budget,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalPlayer(p domain.Player) map[string]any {
	return map[string]any{
		"id":       p.ID,
		"team_id":  p.TeamID,
		"name":     p.Name,
		"position": string(p.Position),
		"price":    p.Price,
	}
}

func marshalPlayers(players []domain.Player) []map[string]any {
	out := make([]map[string]any, 0, len(players))
	for _, p := range players {
		out = append(out, marshalPlayer(p))
	}
	return out
}

func marshalListings(listings []domain.Listing) []map[string]any {
	out := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		out = append(out, map[string]any{
			"id":             l.TransferID,
			"player_id":      l.PlayerID,
			"asking_price":   l.AskingPrice,
			"name":           l.PlayerName,
			"position":       string(l.PlayerPosition),
			"original_price": l.OriginalPrice,
		})
	}
	return out
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if identity, ok := identityFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", identity.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
