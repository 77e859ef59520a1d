// Package auth resolves bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies its ":ro" sibling.
const (
	ScopeAll             = "*"
	ScopeRunsheetRead    = "runsheet:ro"
	ScopeRunsheetWrite   = "runsheet:rw"
	ScopeClockWrite      = "clock:rw"
	ScopePresenceWrite   = "presence:rw"
	ScopeChangesRead     = "changes:ro"
	ScopeChangesWrite    = "changes:rw"
	ScopeNotifications   = "notifications:rw"
	ScopeEventsRead      = "events:ro"
	ScopeProjectsWrite   = "projects:rw"
	scopeReadOnlySuffix  = ":ro"
	scopeReadWriteSuffix = ":rw"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
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

// Anonymous is the principal of an API running without credentials.
func Anonymous() Principal {
	return Principal{Scopes: map[string]struct{}{ScopeAll: {}}}
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
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

// Authenticate matches a presented bearer token against configured tokens.
// The single api key authenticates with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
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

	// Write implies read.
	for s := range out {
		if strings.HasSuffix(s, scopeReadWriteSuffix) {
			out[strings.TrimSuffix(s, scopeReadWriteSuffix)+scopeReadOnlySuffix] = struct{}{}
		}
	}
	return out
}

// Known reports whether scope is one the API checks for.
func Known(scope string) bool {
	switch strings.TrimSpace(scope) {
	case ScopeAll, ScopeRunsheetRead, ScopeRunsheetWrite, ScopeClockWrite, ScopePresenceWrite,
		ScopeChangesRead, ScopeChangesWrite, ScopeNotifications, ScopeEventsRead, ScopeProjectsWrite:
		return true
	}
	return false
}

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
