package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// jwksRefreshInterval is the minimum interval between JWKS refetches.
const jwksRefreshInterval = 15 * time.Minute

// Error is an authentication failure. The facade maps it to HTTP 401.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Validator checks bearer tokens against a JWKS key set, with optional
// issuer and audience matching.
type Validator struct {
	keys     func(ctx context.Context) (jwk.Set, error)
	issuer   string
	audience string
	stop     context.CancelFunc
}

// New creates a validator backed by a remote JWKS endpoint. The initial
// fetch happens eagerly so misconfiguration fails at startup.
func New(jwksURL, issuer, audience string) (*Validator, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return &Validator{
		keys: func(ctx context.Context) (jwk.Set, error) {
			return cache.Get(ctx, jwksURL)
		},
		issuer:   issuer,
		audience: audience,
		stop:     cancel,
	}, nil
}

// NewWithKeySet creates a validator over a static key set.
func NewWithKeySet(set jwk.Set, issuer, audience string) *Validator {
	return &Validator{
		keys: func(context.Context) (jwk.Set, error) {
			return set, nil
		},
		issuer:   issuer,
		audience: audience,
	}
}

// Validate verifies signature, expiry, and the configured issuer and
// audience, then extracts the claims.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	options := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), options...)
	if err != nil {
		return nil, errorf("invalid token: %v", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	for key, value := range token.PrivateClaims() {
		switch key {
		case "email":
			claims.Email, _ = value.(string)
		case "role":
			claims.Role, _ = value.(string)
		case "tenant_id":
			claims.TenantID, _ = value.(string)
		default:
			claims.Custom[key] = value
		}
	}
	return claims, nil
}

// Authenticate extracts and validates the bearer token of one request.
func (v *Validator) Authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errorf("missing Authorization header")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return nil, errorf("invalid Authorization format, expected: Bearer <token>")
	}
	return v.Validate(r.Context(), tokenString)
}

// Close stops the JWKS auto-refresh goroutine.
func (v *Validator) Close() {
	if v.stop != nil {
		v.stop()
	}
}
