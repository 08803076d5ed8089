package server

import (
	"context"
	"net"
	"net/http"

	"github.com/modelgate/modelgate/pkg/auth"
)

func claimsContext(r *http.Request, claims *auth.Claims) context.Context {
	return auth.ContextWithClaims(r.Context(), claims)
}

// clientKey is the rate-limit key: the authenticated identity when present,
// otherwise the client IP.
func clientKey(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil && claims.Identity() != "" {
		return claims.Identity()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
