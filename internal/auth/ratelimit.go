package auth

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ParseRateLimit parses "rate:burst", for example "10:20" for 10 requests
// per second with a burst of 20. The burst defaults to twice the rate.
// An empty string disables limiting and returns a zero config.
func ParseRateLimit(s string) (RateLimitConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RateLimitConfig{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	rps, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || rps <= 0 {
		return RateLimitConfig{}, fmt.Errorf("invalid rate limit %q: rate must be a positive number", s)
	}
	cfg := RateLimitConfig{RequestsPerSecond: rps, Burst: int(math.Ceil(rps * 2))}
	if len(parts) > 1 {
		burst, err := strconv.Atoi(parts[1])
		if err != nil || burst < 1 {
			return RateLimitConfig{}, fmt.Errorf("invalid rate limit %q: burst must be a positive integer", s)
		}
		cfg.Burst = burst
	}
	return cfg, nil
}

// Enabled reports whether the config limits anything.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// RateLimiter implements per-client token bucket rate limiting and tracks
// failed authentication attempts.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	clients map[string]*client
	now     func() time.Time

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// authBucket tracks failed authentication attempts per client.
type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures = 10
	authWindowDur   = 1 * time.Minute
	authBlockDur    = 5 * time.Minute
	idleEvictAfter  = 10 * time.Minute
	evictThreshold  = 1000
)

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:       config,
		clients:      make(map[string]*client),
		now:          time.Now,
		authFailures: make(map[string]*authBucket),
	}
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.config.Enabled() {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= evictThreshold {
			rl.evictIdle(now)
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > idleEvictAfter {
			delete(rl.clients, key)
		}
	}
}

// IsAuthBlocked reports whether key is locked out after too many failed
// authentication attempts.
func (rl *RateLimiter) IsAuthBlocked(key string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[key]
	if !ok {
		return false
	}
	now := rl.now()
	if now.Before(b.blockedUntil) {
		return true
	}
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, key)
	}
	return false
}

// AuthBlockRetryAfter returns the number of seconds until the block on key
// expires.
func (rl *RateLimiter) AuthBlockRetryAfter(key string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[key]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt and reports whether
// key is now blocked.
func (rl *RateLimiter) AuthFailure(key string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[key]
	if !ok {
		if len(rl.authFailures) >= evictThreshold {
			rl.evictStaleAuth(now)
		}
		b = &authBucket{windowStart: now}
		rl.authFailures[key] = b
	}
	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++
	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}
	return false
}

// AuthSuccess clears failure tracking for key.
func (rl *RateLimiter) AuthSuccess(key string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, key)
}

func (rl *RateLimiter) evictStaleAuth(now time.Time) {
	for key, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, key)
		} else if now.Sub(b.windowStart) > idleEvictAfter {
			delete(rl.authFailures, key)
		}
	}
}

// Middleware returns HTTP middleware that rejects requests over the limit
// with 429. keyFunc extracts the client identity; an empty key is never
// limited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" || rl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}
			retry := int(math.Ceil(1 / rl.config.RequestsPerSecond))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		})
	}
}

// ClientIP returns the first X-Forwarded-For address, or the host part of
// the remote address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
