// Package auth authenticates callers of the Server API via a static bearer
// token scheme: runners and operator tooling present one of a configured set
// of tokens, compared in constant time.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const callerKey contextKey = "flowstate_caller_token"

// BearerAuthenticator verifies an Authorization: Bearer header against a
// configured set of accepted tokens.
type BearerAuthenticator struct {
	tokens map[string]bool
}

// NewBearerAuthenticator builds an authenticator accepting any of tokens.
func NewBearerAuthenticator(tokens []string) *BearerAuthenticator {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = true
		}
	}
	return &BearerAuthenticator{tokens: set}
}

// ExtractBearerToken extracts the token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("invalid Authorization header format, expected %q", "Bearer <token>")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// verify compares token against every accepted token in constant time,
// never short-circuiting on the first candidate to avoid leaking which
// candidate is closest to matching.
func (a *BearerAuthenticator) verify(token string) bool {
	ok := false
	for candidate := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			ok = true
		}
	}
	return ok
}

// Authenticate verifies the request's bearer token, returning the matched
// token via the request context on success.
func (a *BearerAuthenticator) Authenticate(r *http.Request) (*http.Request, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return r, err
	}
	if !a.verify(token) {
		return r, fmt.Errorf("invalid bearer token")
	}
	return r.WithContext(context.WithValue(r.Context(), callerKey, token)), nil
}

// Middleware wraps next, rejecting unauthenticated requests with 401 before
// they reach the handler.
func (a *BearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, authed)
	})
}
