package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access token claims the API accepts. The subject names the
// acting user.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Principal is the verified caller.
type Principal struct {
	TenantID string
	Actor    string
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal set by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns nil when secret is empty; a nil authenticator
// rejects every protected request.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Verify parses tokenStr and returns its claims.
func (a *Authenticator) Verify(tokenStr string) (*Claims, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: authentication not configured", errUnauthenticated)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", errUnauthenticated)
	}
	return claims, nil
}

// Issue signs a token for tenantID and subject valid for ttl.
func (a *Authenticator) Issue(tenantID, subject string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", fmt.Errorf("authentication not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware resolves the caller's tenant from the bearer token. The tenant
// is never taken from the request itself.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, tokenStr, ok := strings.Cut(header, " ")
		if header == "" || !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
			writeError(w, fmt.Errorf("%w: bearer token required", errUnauthenticated))
			return
		}
		claims, err := a.Verify(tokenStr)
		if err != nil {
			writeError(w, err)
			return
		}
		p := Principal{TenantID: claims.TenantID, Actor: claims.Subject}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
