package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hlsgate/hlsgate/internal/proxy"
)

// RequireAPIKey guards admin endpoints with the configured bearer key.
// Both "Bearer <key>" and a bare "<key>" are accepted; the bare form is
// historical and logs a deprecation warning.
func (h *Handler) RequireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := h.cfg().Auth.APIKey
		if expected == "" {
			h.writeError(w, http.StatusServiceUnavailable, "api_key_not_configured")
			return
		}

		header := strings.TrimSpace(r.Header.Get("Authorization"))
		presented := header
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			presented = strings.TrimSpace(after)
		} else if header != "" {
			h.logger.Warn("bare Authorization header is deprecated, use Bearer",
				"path", r.URL.Path, "ip", proxy.ClientIP(r))
		}

		if presented == "" || presented != expected {
			h.writeError(w, http.StatusUnauthorized, "invalid_api_key")
			return
		}
		next(w, r)
	}
}

// RateLimit applies the per-IP token bucket to an endpoint.
func (h *Handler) RateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(proxy.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next(w, r)
	}
}

// ipRateLimiter keeps a token bucket per client IP with periodic
// eviction of idle entries.
type ipRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rps        rate.Limit
	burst      int
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	l := &ipRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rps:        rate.Limit(rps),
		burst:      burst,
	}
	go l.cleanupLoop()
	return l
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = limiter
	}
	l.lastAccess[ip] = time.Now()
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for ip, last := range l.lastAccess {
			if last.Before(cutoff) {
				delete(l.limiters, ip)
				delete(l.lastAccess, ip)
			}
		}
		l.mu.Unlock()
	}
}
