// Package httpapi exposes the advisor over HTTP/JSON and a websocket.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/advisor"
	"github.com/Kocoro-lab/advisor/internal/auth"
)

// MaxBodyBytes bounds request bodies
const MaxBodyBytes = 64 << 10

// Handler serves the public API.
//
//	POST /api/v1/sessions
//	GET  /api/v1/sessions/{sessionId}/history
//	POST /api/v1/recommend
//	POST /api/v1/compare
//	POST /api/v1/deadline
//	GET  /api/v1/ws/advise
type Handler struct {
	svc     *advisor.Service
	logger  *zap.Logger
	auth    *auth.Middleware
	limiter *RateLimiter
	origins []string
}

// Option configures a Handler
type Option func(*Handler)

// WithAuth authenticates every API route
func WithAuth(m *auth.Middleware) Option {
	return func(h *Handler) { h.auth = m }
}

// WithRateLimiter throttles authenticated callers
func WithRateLimiter(rl *RateLimiter) Option {
	return func(h *Handler) { h.limiter = rl }
}

// WithAllowedOrigins sets the CORS allow list; "*" allows any origin
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) { h.origins = origins }
}

// NewHandler creates the API handler
func NewHandler(svc *advisor.Service, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, logger: logger.With(zap.String("component", "httpapi"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the API on mux with the middleware chain applied
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.handle(mux, "POST /api/v1/sessions", auth.ScopeSessions, h.handleCreateSession)
	h.handle(mux, "GET /api/v1/sessions/{sessionId}/history", auth.ScopeSessions, h.handleHistory)
	h.handle(mux, "POST /api/v1/recommend", auth.ScopeAdvise, h.handleRecommend)
	h.handle(mux, "POST /api/v1/compare", auth.ScopeAdvise, h.handleCompare)
	h.handle(mux, "POST /api/v1/deadline", auth.ScopeAdvise, h.handleDeadline)
	h.handle(mux, "GET /api/v1/ws/advise", auth.ScopeAdvise, h.handleWS)
}

// handle wraps fn as tracing → metrics → CORS → auth → scope → rate limit
func (h *Handler) handle(mux *http.ServeMux, pattern, scope string, fn http.HandlerFunc) {
	var next http.Handler = fn
	if h.limiter != nil {
		next = h.limiter.Middleware(next)
	}
	if h.auth != nil {
		next = h.auth.HTTPMiddleware(auth.RequireScope(scope, next))
	}
	next = corsMiddleware(h.origins, next)
	next = metricsMiddleware(pattern, next)
	next = tracingMiddleware(h.logger, next)
	mux.Handle(pattern, next)
	if len(h.origins) > 0 {
		// preflight never carries credentials
		mux.Handle("OPTIONS "+patternPath(pattern), corsMiddleware(h.origins, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
