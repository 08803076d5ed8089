// Package auth validates bearer tokens for the HTTP facade. Signing keys
// come from a JWKS endpoint and are cached with auto-refresh, so key
// rotation at the identity provider needs no restart.
package auth

import "context"

// Claims are the validated claims of one token. The named fields cover what
// common identity providers emit; everything else lands in Custom.
type Claims struct {
	// Subject identifies the caller (sub claim).
	Subject string `json:"sub"`

	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	// Custom holds all private claims not mapped to a field above.
	Custom map[string]any `json:"-"`
}

// Identity returns the stable key used for per-client accounting.
func (c *Claims) Identity() string {
	return c.Subject
}

// StringClaim returns a custom claim as a string, or "".
func (c *Claims) StringClaim(key string) string {
	if s, ok := c.Custom[key].(string); ok {
		return s
	}
	return ""
}

// HasAnyRole reports whether the caller holds one of the given roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.Role == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// ContextWithClaims attaches validated claims to a request context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims attached by the auth middleware, or
// nil when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}
