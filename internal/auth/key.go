// Package auth provides API key validation and per-client rate limiting
// for the HTTP API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. An empty expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromRequest returns the key from X-API-Key, or from a bearer token
// when that header is absent.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
