// Package auth extracts caller credentials and, when a signing secret is
// configured, validates them as HS256 JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthenticationMissing is returned when no credential was presented.
	ErrAuthenticationMissing = errors.New("authentication missing")
	// ErrInvalidToken is returned when a credential fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated caller. UserID is only set when the token
// was validated and carries a subject.
type Principal struct {
	Token  string
	UserID string
}

// Claims are the accepted JWT claims. The registered subject wins over
// user_id.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Verifier authenticates requests.
type Verifier struct {
	secret   []byte
	required bool
}

// NewVerifier builds a Verifier. An empty secret accepts any non-empty
// token as opaque and forwards it without a subject.
func NewVerifier(secret string, required bool) *Verifier {
	v := &Verifier{required: required}
	if s := strings.TrimSpace(secret); s != "" {
		v.secret = []byte(s)
	}
	return v
}

// Required reports whether a credential must be presented.
func (v *Verifier) Required() bool { return v.required }

// Authenticate resolves the principal for r.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	token := TokenFromRequest(r)
	if token == "" {
		if v.required {
			return Principal{}, ErrAuthenticationMissing
		}
		return Principal{}, nil
	}
	return v.Verify(token)
}

// Verify validates token. Without a secret the token is accepted as is.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrAuthenticationMissing
	}
	if len(v.secret) == 0 {
		return Principal{Token: token}, nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.UserID)
	}
	if subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return Principal{Token: token, UserID: subject}, nil
}

// Middleware authenticates each request and stores the principal in its
// context. Failures are handed to onError.
func (v *Verifier) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// TokenFromRequest reads a bearer token, the X-Agent-Token header or, for
// websocket upgrades that cannot set headers, the access_token query value.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(rest)
		}
	}
	if h := strings.TrimSpace(r.Header.Get("X-Agent-Token")); h != "" {
		return h
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// EffectiveUser picks the user id a request acts as. A validated subject
// overrides the requested id; ok is false when both are set and differ.
func EffectiveUser(p Principal, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if p.UserID == "" {
		return requested, true
	}
	if requested != "" && requested != p.UserID {
		return p.UserID, false
	}
	return p.UserID, true
}
