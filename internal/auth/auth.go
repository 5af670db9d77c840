// Package auth matches bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. "*" grants everything.
const (
	ScopeAll         = "*"
	ScopeMessagesRW  = "messages:rw"
	ScopeStatusRO    = "status:ro"
	ScopeRunsRO      = "runs:ro"
	ScopeEventsRO    = "events:ro"
	ScopeGeneratorRO = "generators:ro"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token of an Authorization: Bearer header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented token against the admin key, which
// carries scope "*", and then the scoped tokens.
func Authenticate(presented, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, adminKey) {
		return Principal{Token: presented, Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{Token: presented, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}
	// Submitting implies watching the result.
	if _, ok := out[ScopeMessagesRW]; ok {
		out[ScopeStatusRO] = struct{}{}
		out[ScopeEventsRO] = struct{}{}
	}
	return out
}

// HasAnyScope reports whether p holds "*" or one of required.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
