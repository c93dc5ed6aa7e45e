package domain

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes операторского API
const (
	ScopeIntercept     = "kernel.intercept"
	ScopeSignalsSend   = "signals.send"
	ScopeAgentsRead    = "agents.read"
	ScopeAuditRead     = "audit.read"
	ScopeReviewsDecide = "reviews.decide"
	ScopePoliciesWrite = "policies.write"
)

// CustomClaims — полезная нагрузка RS256 токена.
// Scopes одновременно служат набором прав для Constraint Graph при маскировании.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "audit.read": true или "pii.read": true
	jwt.RegisteredClaims
}

// Capabilities возвращает выданные права списком
func (c *CustomClaims) Capabilities() []string {
	out := make([]string, 0, len(c.Scopes))
	for s, ok := range c.Scopes {
		if ok {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
