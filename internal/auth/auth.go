// Package auth validates inbound requests against the relay's two static
// keys: a client-facing API key for /v1/messages traffic and a separate
// admin key for the management endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const KeyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context once a key has been validated.
type KeyInfo struct {
	IsAdmin bool
}

// Middleware validates the API key and admin key via constant-time compare.
type Middleware struct {
	apiKey   string
	adminKey string
}

func NewMiddleware(apiKey, adminKey string) *Middleware {
	return &Middleware{apiKey: apiKey, adminKey: adminKey}
}

// Authenticate is the HTTP middleware guarding /v1/messages and friends. It
// accepts either the API key or the admin key.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}

		info, ok := m.validate(token)
		if !ok {
			slog.Warn("auth failed", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), KeyInfoKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin is stricter middleware for the admin API: only the admin key
// is accepted.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || !constantTimeEqual(token, m.adminKey) {
			writeError(w, http.StatusUnauthorized, "authentication_error", "admin key required")
			return
		}
		ctx := context.WithValue(r.Context(), KeyInfoKey, &KeyInfo{IsAdmin: true})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) validate(token string) (*KeyInfo, bool) {
	if m.adminKey != "" && constantTimeEqual(token, m.adminKey) {
		return &KeyInfo{IsAdmin: true}, true
	}
	if m.apiKey != "" && constantTimeEqual(token, m.apiKey) {
		return &KeyInfo{}, true
	}
	return nil, false
}

func constantTimeEqual(a, b string) bool {
	if b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// GetKeyInfo retrieves the authenticated caller's info from the request
// context, or nil if the request never went through Authenticate.
func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(KeyInfoKey).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
