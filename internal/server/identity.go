package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tether/internal/reuse"
)

// SessionCookie carries the caller JWT on browser requests.
const SessionCookie = "tether_session"

// CallerClaims are the claims of a caller identity token.
type CallerClaims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

type callerKey struct{}

var errNoIdentity = errors.New("no caller identity")

// IdentityVerifier validates caller identity tokens.
type IdentityVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewIdentityVerifier returns a verifier for HS256 tokens signed with secret.
func NewIdentityVerifier(secret []byte) (*IdentityVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("caller JWT secret must be at least 32 bytes")
	}
	return &IdentityVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}, nil
}

// Verify parses a token and returns the caller it names.
func (v *IdentityVerifier) Verify(token string) (reuse.Caller, error) {
	claims := &CallerClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return reuse.Caller{}, fmt.Errorf("invalid caller token: %w", err)
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return reuse.Caller{}, errors.New("caller token lacks sub or tenant")
	}
	return reuse.Caller{SubjectID: claims.Subject, TenantID: claims.Tenant}, nil
}

// Issue signs a caller token. The backend never issues tokens itself; this
// serves tests and the `tether` tooling that mints development tokens.
func (v *IdentityVerifier) Issue(caller reuse.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallerClaims{
		Tenant: caller.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *IdentityVerifier) fromRequest(r *http.Request) (reuse.Caller, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if c, err := r.Cookie(SessionCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		return reuse.Caller{}, errNoIdentity
	}
	return v.Verify(token)
}

func withCaller(ctx context.Context, c reuse.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller of a request context.
func CallerFrom(ctx context.Context) (reuse.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(reuse.Caller)
	return c, ok
}
