package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

// Development identity headers, honoured only without a signing secret.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

var errUnauthenticated = errors.New("authentication required")

// Principal is the authenticated caller.
type Principal struct {
	UserID ledger.UserID
	Role   rewards.Role
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by Identity.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims are the token claims the server reads.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity verifies bearer tokens issued by the identity provider.
type Identity struct {
	Secret []byte // empty: development mode
	Issuer string
}

// DevMode reports whether identity headers are trusted.
func (i *Identity) DevMode() bool {
	return len(i.Secret) == 0
}

// Middleware attaches the caller's Principal or rejects the request.
func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := i.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (i *Identity) authenticate(r *http.Request) (Principal, error) {
	if raw, ok := bearerToken(r); ok {
		if i.DevMode() {
			return Principal{}, fmt.Errorf("bearer tokens are not accepted without AUTH_JWT_SECRET")
		}
		return i.Verify(raw)
	}
	if !i.DevMode() {
		return Principal{}, errUnauthenticated
	}

	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return Principal{}, errUnauthenticated
	}
	return Principal{UserID: ledger.UserID(id), Role: parseRole(r.Header.Get(HeaderUserRole))}, nil
}

// Verify parses and validates an HS256 token.
func (i *Identity) Verify(raw string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if i.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.Secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("invalid token: missing subject")
	}
	return Principal{UserID: ledger.UserID(claims.Subject), Role: parseRole(claims.Role)}, nil
}

// Issue signs a token for userID. Used by tests and local tooling.
func (i *Identity) Issue(userID ledger.UserID, role rewards.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    i.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, nil
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...rewards.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || !slices.Contains(roles, p.Role) {
				writeError(w, http.StatusForbidden, "Forbidden", fmt.Errorf("role %q not allowed", p.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

func parseRole(s string) rewards.Role {
	switch r := rewards.Role(strings.ToLower(strings.TrimSpace(s))); r {
	case rewards.RoleAdmin, rewards.RoleService:
		return r
	default:
		return rewards.RoleCitizen
	}
}
