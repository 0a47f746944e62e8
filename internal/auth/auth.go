// Package auth resolves bearer tokens to scoped principals for the admin API.
//
// A Keyring is built once from configuration. Authenticate compares the
// presented token against every configured secret so the time taken does
// not depend on which entry matched.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Scopes understood by the admin API.
const (
	ScopeAll          = "*"
	ScopeExtensionsRO = "extensions:ro"
	ScopeExtensionsRW = "extensions:rw"
)

// APIKeyName names the principal created by a match on the api_key.
const APIKeyName = "api_key"

var knownScopes = []string{ScopeExtensionsRO, ScopeExtensionsRW, ScopeAll}

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadScheme     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// KnownScopes lists every scope a token may carry.
func KnownScopes() []string {
	return slices.Clone(knownScopes)
}

// ParseScope trims s and reports whether it is a known scope.
func ParseScope(s string) (string, error) {
	s = strings.TrimSpace(s)
	if slices.Contains(knownScopes, s) {
		return s, nil
	}
	return "", fmt.Errorf("unknown scope %q (expected one of %s)", s, strings.Join(knownScopes, ", "))
}

// Principal is an authenticated caller. Name identifies the matching key
// for logs and never carries the secret.
type Principal struct {
	Name   string
	grants map[string]struct{}
}

// NewPrincipal grants scopes to name. Unknown scopes are dropped and
// extensions:rw implies extensions:ro.
func NewPrincipal(name string, scopes ...string) Principal {
	grants := make(map[string]struct{}, len(scopes)+1)
	for _, raw := range scopes {
		s, err := ParseScope(raw)
		if err != nil {
			continue
		}
		grants[s] = struct{}{}
	}
	if _, ok := grants[ScopeExtensionsRW]; ok {
		grants[ScopeExtensionsRO] = struct{}{}
	}
	return Principal{Name: name, grants: grants}
}

// Allows reports whether p holds any of required. No requirement always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.grants[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.grants[s]; ok {
			return true
		}
	}
	return false
}

// Scopes returns the granted scopes in sorted order.
func (p Principal) Scopes() []string {
	out := make([]string, 0, len(p.grants))
	for s := range p.grants {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

type keyEntry struct {
	secret    []byte
	principal Principal
}

// Keyring holds the configured secrets. The zero value authenticates nobody.
type Keyring struct {
	entries []keyEntry
}

// NewKeyring builds a keyring from the api_key and scoped tokens. Empty
// secrets are skipped so an unresolved variable never matches.
func NewKeyring(apiKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if apiKey != "" {
		k.entries = append(k.entries, keyEntry{
			secret:    []byte(apiKey),
			principal: NewPrincipal(APIKeyName, ScopeAll),
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.entries = append(k.entries, keyEntry{
			secret:    []byte(t.Token),
			principal: NewPrincipal(fmt.Sprintf("tokens[%d]", i), t.Scopes...),
		})
	}
	return k
}

// Len returns the number of usable secrets.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entries)
}

// Authenticate resolves presented to a principal. The first configured
// match wins, but every entry is compared.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if k == nil || presented == "" {
		return Principal{}, false
	}
	candidate := []byte(presented)
	match := -1
	for i, e := range k.entries {
		if subtle.ConstantTimeCompare(candidate, e.secret) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, false
	}
	return k.entries[match].principal, true
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from "Authorization: Bearer <token>".
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}
