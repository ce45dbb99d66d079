// Package status implements the local-only HTTP introspection endpoint:
// GET /healthz, GET /rules, and GET /history?limit=N. It is disabled unless
// [general] status_addr is set, is read-only, and never sits on the
// monitoring hot path. When status_auth_token is configured, requests to
// /rules and /history must carry an HS256 bearer token signed with that
// shared secret; /healthz stays unauthenticated.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lognot/lognotd/internal/history"
	"github.com/lognot/lognotd/internal/monitor"
)

// Engine is the subset of *controller.Controller the status handlers need,
// kept narrow so handlers can be exercised against a fake in tests without
// a live monitoring engine.
type Engine interface {
	Generation() uuid.UUID
	StartedAt() time.Time
	SourceCount() int
	RuleCount() int
	Rules() []*monitor.Rule
}

// QueueDepth is the subset of *actionqueue.Queue the /healthz handler needs.
type QueueDepth interface {
	Len() int
}

// History is the subset of *history.Store the /history handler needs.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Row, error)
}

// Server holds the dependencies the introspection handlers read from.
type Server struct {
	engine  Engine
	queue   QueueDepth
	history History // nil disables GET /history
}

// NewServer creates a Server. history may be nil.
func NewServer(engine Engine, queue QueueDepth, history History) *Server {
	return &Server{engine: engine, queue: queue, history: history}
}

// NewRouter returns a chi.Router serving the introspection endpoints. When
// authToken is non-empty, /rules and /history require "Authorization:
// Bearer <jwt>" signed with authToken as an HMAC secret; pass an empty
// authToken to leave the endpoint unauthenticated (acceptable only because
// it is meant to bind to 127.0.0.1).
func NewRouter(srv *Server, authToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Group(func(r chi.Router) {
		if authToken != "" {
			r.Use(bearerHMACMiddleware(authToken))
		}
		r.Get("/rules", srv.handleRules)
		r.Get("/history", srv.handleHistory)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthzResponse struct {
	Status     string  `json:"status"`
	UptimeS    float64 `json:"uptime_s"`
	Generation string  `json:"generation"`
	Sources    int     `json:"sources"`
	Rules      int     `json:"rules"`
	QueueDepth int     `json:"queue_depth"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{
		Status:     "ok",
		UptimeS:    time.Since(s.engine.StartedAt()).Seconds(),
		Generation: s.engine.Generation().String(),
		Sources:    s.engine.SourceCount(),
		Rules:      s.engine.RuleCount(),
	}
	if s.queue != nil {
		resp.QueueDepth = s.queue.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

type ruleSnapshot struct {
	Name       string `json:"name"`
	UpCount    uint64 `json:"up_count,omitempty"`
	UpLimit    uint64 `json:"up_limit,omitempty"`
	DownCount  uint64 `json:"down_count,omitempty"`
	DownLimit  uint64 `json:"down_limit,omitempty"`
}

// handleRules reports a read-only snapshot of every active rule. Each
// rule's counts are read through its own window lock without ever holding
// two rules' locks at once.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Rules()
	out := make([]ruleSnapshot, 0, len(rules))
	for _, rule := range rules {
		snap := ruleSnapshot{Name: rule.Name}
		if rule.Up != nil {
			snap.UpCount = rule.Up.Count(0)
			snap.UpLimit = rule.Up.CountLimit()
		}
		if rule.Down != nil {
			snap.DownCount = rule.Down.Count(0)
			snap.DownLimit = rule.Down.CountLimit()
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "action history is not enabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query action history")
		return
	}
	if rows == nil {
		rows = []history.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// bearerHMACMiddleware validates an HS256 bearer token signed with secret.
func bearerHMACMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "Authorization header must be Bearer token")
				return
			}

			token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
