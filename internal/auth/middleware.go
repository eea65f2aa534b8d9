package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware returns HTTP middleware that requires apiKey on every request
// except CORS preflights and skipPaths. An empty apiKey disables the check.
// When limiter is non-nil, clients that keep failing are locked out for a
// while.
func Middleware(apiKey string, skipPaths []string, limiter *RateLimiter) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || skip[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIP(r)
			if limiter != nil && limiter.IsAuthBlocked(client) {
				w.Header().Set("Retry-After", strconv.Itoa(limiter.AuthBlockRetryAfter(client)))
				writeError(w, http.StatusTooManyRequests, "Too many failed authentication attempts")
				return
			}

			if !ValidateKey(KeyFromRequest(r), apiKey) {
				if limiter != nil {
					limiter.AuthFailure(client)
				}
				writeError(w, http.StatusUnauthorized, "Missing or invalid API key")
				return
			}

			if limiter != nil {
				limiter.AuthSuccess(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
