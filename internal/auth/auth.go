// Package auth implements bearer-token authentication with scopes for the
// JSON control API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Scopes understood by the control API.
const (
	ScopeAll       = "*"
	ScopeRuntimeRO = "runtime:ro"
	ScopeRuntimeRW = "runtime:rw"
	ScopeProgramRW = "program:rw"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from an Authorization: Bearer header.
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
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func tokenEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented token. The admin key gets scope "*";
// scoped tokens are identified by their position in tokens.
func Authenticate(presented, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if tokenEqual(presented, adminKey) {
		return Principal{Name: "admin", Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for i, t := range tokens {
		if tokenEqual(presented, t.Token) {
			return Principal{Name: "token-" + strconv.Itoa(i), Scopes: expandScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

// expandScopes normalizes scopes; every write scope implies runtime:ro.
func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes)+1)
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if s == ScopeRuntimeRW || s == ScopeProgramRW {
			out[ScopeRuntimeRO] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether p holds "*" or any of required.
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

// KnownScope reports whether s is a scope the control API checks for.
func KnownScope(s string) bool {
	switch strings.TrimSpace(s) {
	case ScopeAll, ScopeRuntimeRO, ScopeRuntimeRW, ScopeProgramRW:
		return true
	}
	return false
}
