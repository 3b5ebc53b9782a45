package auth

import "context"

// ContextKey is the key type for context values
type ContextKey string

// PrincipalContextKey holds the authenticated caller
const PrincipalContextKey ContextKey = "principal"

// Scopes
const (
	ScopeAdvise   = "advise"
	ScopeSessions = "sessions"
)

// DefaultScopes are granted to API key holders and the dev principal
var DefaultScopes = []string{ScopeAdvise, ScopeSessions}

// Principal is the authenticated caller of one request
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
	// Method is "api_key", "jwt" or "dev"
	Method string `json:"method"`
}

// HasScope reports whether p was granted scope
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// WithPrincipal stores p on ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal extracts the caller from ctx
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok && p != nil
}
