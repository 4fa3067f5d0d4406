// Package auth provides bearer-JWT authentication and role-based guard
// middleware, replacing the teacher's anonymous-cookie internal/identity
// package with a signed-token identity: context keys, a
// Middleware(...) func(http.Handler) http.Handler constructor, and
// XFromContext accessors follow the same shape, but the principal comes
// from a verified JWT instead of a minted cookie.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/domain"
)

type contextKey int

const (
	userIDKey contextKey = iota
	roleKey
	usernameKey
)

// claims is the JWT payload issued by Issuer.Issue.
type claims struct {
	UserID   string      `json:"uid"`
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies bearer tokens for the HTTP and WebSocket
// auth paths alike.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer from the configured signing secret and TTL.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed bearer token for the given user.
func (iss *Issuer) Issue(u *domain.User) (string, error) {
	now := time.Now()
	c := claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(iss.secret)
}

// Principal is the identity carried by a verified token.
type Principal struct {
	UserID   string
	Username string
	Role     domain.Role
}

var (
	errMalformedToken = errors.New("malformed bearer token")
	errInvalidToken   = errors.New("invalid or expired token")
)

// Verify parses and validates a bearer token, returning the principal it
// carries.
func (iss *Issuer) Verify(tokenString string) (*Principal, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errMalformedToken
		}
		return iss.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, errInvalidToken
	}
	return &Principal{UserID: c.UserID, Username: c.Username, Role: c.Role}, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether plaintext matches the stored bcrypt hash.
func CheckPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// UserIDFromContext extracts the authenticated user ID, empty for ANON.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// UsernameFromContext extracts the authenticated username.
func UsernameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(usernameKey).(string)
	return v
}

// RoleFromContext extracts the authenticated role, defaulting to ANON.
func RoleFromContext(ctx context.Context) domain.Role {
	if v, ok := ctx.Value(roleKey).(domain.Role); ok {
		return v
	}
	return domain.RoleAnon
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, userIDKey, p.UserID)
	ctx = context.WithValue(ctx, usernameKey, p.Username)
	ctx = context.WithValue(ctx, roleKey, p.Role)
	return ctx
}

// Middleware authenticates the Authorization: Bearer header when
// present, injecting the principal into the request context. Routes
// marked Public in spec §6 tolerate a missing header (role defaults to
// ANON); RequireRole rejects later in the chain for routes that need
// more.
func Middleware(iss *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, domain.RoleAnon)))
				return
			}

			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeUnauthorized(w)
				return
			}

			principal, err := iss.Verify(tokenString)
			if err != nil {
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	http.Error(w, `{"success":false,"code":"auth_error","message":"invalid or expired token","data":null}`, http.StatusUnauthorized)
}

// RequireRole builds middleware that rejects requests whose context role
// is not among allowed, short-circuiting with a 401/403 per spec §7.
func RequireRole(allowed ...domain.Role) func(http.Handler) http.Handler {
	set := make(map[domain.Role]bool, len(allowed))
	for _, r := range allowed {
		set[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if role == domain.RoleAnon && !set[domain.RoleAnon] {
				writeForbidden(w, apierr.Auth("authentication required"))
				return
			}
			if !set[role] {
				writeForbidden(w, apierr.Forbidden("role %s may not access this resource", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeForbidden(w http.ResponseWriter, e *apierr.Error) {
	w.WriteHeader(e.Status)
	_, _ = w.Write([]byte(`{"success":false,"code":"` + e.Code + `","message":"` + e.Message + `","data":null}`))
}
