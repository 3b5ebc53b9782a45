package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// devPrincipal is used when authentication is skipped
var devPrincipal = &Principal{Subject: "dev", Scopes: DefaultScopes, Method: "dev"}

// Middleware provides authentication middleware for HTTP
type Middleware struct {
	keys       *KeyStore
	jwtManager *JWTManager
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. Either of keys and
// jwtManager may be nil.
func NewMiddleware(keys *KeyStore, jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		keys:       keys,
		jwtManager: jwtManager,
		skipAuth:   skipAuth,
		logger:     logger.With(zap.String("component", "auth")),
	}
}

// HTTPMiddleware authenticates with a bearer JWT or an X-API-Key header.
// Websocket upgrades may pass the key as the api_key query parameter
// since browsers cannot set headers on them.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), devPrincipal)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				apiKey = r.URL.Query().Get("api_key")
			}
			if apiKey == "" {
				unauthorized(w, "API key is required")
				return
			}
			if m.keys == nil {
				unauthorized(w, "Invalid API key")
				return
			}
			p, err := m.keys.Validate(apiKey)
			if err != nil {
				m.logger.Debug("API key rejected", zap.String("path", r.URL.Path))
				unauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			unauthorized(w, "Invalid authorization header")
			return
		}
		if m.jwtManager == nil {
			unauthorized(w, "Invalid token")
			return
		}
		p, err := m.jwtManager.Validate(token)
		if err != nil {
			m.logger.Debug("Token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireScope rejects principals without scope
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			unauthorized(w, "missing authentication")
			return
		}
		if !p.HasScope(scope) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"missing required scope: ` + scope + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
