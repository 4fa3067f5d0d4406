// Package httpapi is the thin HTTP dispatch layer spec §6 describes:
// chi router wiring, the envelope-wrapping response writer, and request
// decoding/validation for every `/api/v1` route, delegating all actual
// work to internal/session, internal/queue, and internal/store.
// Grounded on the teacher's internal/api/{handler,container}.go — the
// JSON/Error helper pair and a base Handler struct embedded by each
// route group — generalized into an envelope that matches spec §6's
// {success, data, timestamp} / {success, code, message, data, timestamp}
// contract instead of the teacher's bare {error: "..."} shape.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/playfront/cs-dispatch/internal/aiadapter"
	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/auth"
	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/metrics"
	"github.com/playfront/cs-dispatch/internal/middleware"
	"github.com/playfront/cs-dispatch/internal/queue"
	"github.com/playfront/cs-dispatch/internal/ratelimit"
	"github.com/playfront/cs-dispatch/internal/realtime"
	"github.com/playfront/cs-dispatch/internal/session"
	"github.com/playfront/cs-dispatch/internal/store"
	"github.com/playfront/cs-dispatch/internal/translation"
)

// Deps bundles every collaborator a route handler needs. One Server is
// built from one Deps value at startup (cmd/server/main.go).
type Deps struct {
	Repo        store.Repository
	Engine      *session.Engine
	Scheduler   *queue.Scheduler
	Hub         *realtime.Hub
	AI          *aiadapter.Adapter
	Translation *translation.Adapter
	Issuer      *auth.Issuer
	Metrics     *metrics.Collector
	HTTPLimits  *ratelimit.HTTPLimiters
	AILimits    *ratelimit.HTTPLimiters
	Logger      *slog.Logger
}

// Server is the `/api/v1` route group plus the WebSocket upgrade route.
type Server struct {
	d Deps
}

// New builds a Server from deps, defaulting a nil Logger to
// slog.Default() the way every other constructor in this codebase does.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{d: d}
}

// Router assembles the full chi.Mux: global middleware, the guarded
// /metrics endpoint, the WebSocket upgrade, and every /api/v1 route
// from spec §6, each wrapped in the bearer-auth middleware (public
// routes simply never check the resulting role).
func (s *Server) Router(corsOrigins []string, metricsAuthKey string, metricsRegistry interface{ ServeHTTP(http.ResponseWriter, *http.Request) }) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins))
	r.Use(s.httpMetrics)
	r.Use(auth.Middleware(s.d.Issuer))
	r.Use(s.rateLimited(s.d.HTTPLimits))

	r.Get("/ws", s.d.Hub.ServeHTTP)
	r.Get("/metrics", metricsRegistry.ServeHTTP)

	aiLimited := s.rateLimited(s.d.AILimits)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)

		r.Post("/tickets", s.createTicket)
		r.Get("/tickets/by-token/{token}", s.getTicketByToken)
		r.Get("/tickets/by-no/{ticketNo}", s.getTicketByNo)

		r.Post("/sessions", s.createSession)
		r.With(aiLimited).Post("/sessions/{id}/messages", s.postMessage)
		r.Get("/sessions/{id}", s.getSession)
		r.With(aiLimited).Post("/sessions/{id}/transfer-to-agent", s.transferToAgent)
		r.Patch("/sessions/{id}/close-player", s.closePlayer)

		r.With(auth.RequireRole(domain.RoleAgent, domain.RoleAdmin)).Get("/sessions/workbench/queued", s.workbenchQueued)
		r.With(auth.RequireRole(domain.RoleAgent, domain.RoleAdmin)).Post("/sessions/{id}/join", s.joinSession)
		r.With(auth.RequireRole(domain.RoleAdmin)).Post("/sessions/{id}/assign", s.assignSession)
		r.With(auth.RequireRole(domain.RoleAgent, domain.RoleAdmin)).Patch("/sessions/{id}/close", s.closeSession)
		r.With(auth.RequireRole(domain.RoleAgent, domain.RoleAdmin)).Post("/messages/agent", s.agentMessageAlt)

		r.With(aiLimited).Post("/messages/{id}/translate", s.translateMessage)
	})

	return r
}

// rateLimited applies limiter using the spec §4.7 key cascade (userId,
// sessionId from the route, ticketToken from the query string, else
// client IP). A nil limiter (e.g. AILimits unset in tests) disables the
// middleware rather than panicking.
func (s *Server) rateLimited(limiter *ratelimit.HTTPLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := ratelimit.KeyFor(r, func(r *http.Request) (userID, sessionID, ticketToken string) {
				return auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), r.URL.Query().Get("ticketToken")
			})
			if !limiter.Allow(key) {
				writeError(w, apierr.RateLimit("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// httpMetrics records request count/latency per-route pattern, keeping
// cardinality bounded by reading chi's matched route pattern rather than
// the raw path (spec §2's metrics component, wired through every route
// instead of left unused).
func (s *Server) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.d.Metrics.ObserveHTTP(pattern, statusClass(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// envelope is the success-path response wrapper spec §6 requires.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// errEnvelope is the failure-path response wrapper.
type errEnvelope struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func writeCreated(w http.ResponseWriter, data any) { writeJSON(w, http.StatusCreated, data) }
func writeOK(w http.ResponseWriter, data any)      { writeJSON(w, http.StatusOK, data) }
