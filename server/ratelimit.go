package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/interest-protocol/interest-borrow/config"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client request budget across the whole API
// surface. Clients are keyed by forwarded IP when present, remote address
// otherwise.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter builds a limiter from the configured bounds.
func NewRateLimiter(cfg config.RateLimit) *RateLimiter {
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// Middleware wraps a handler with the per-client limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limiter := rl.obtain(clientID(req))
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (rl *RateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clockNow()
	entry, ok := rl.visitors[id]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[id] = entry
	}
	entry.lastSeen = now
	rl.sweep(now)
	return entry.limiter
}

// sweep drops entries idle for more than ten minutes. Runs under the lock
// and touches only stale entries, so the common path stays cheap.
func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	for id, entry := range rl.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = strings.TrimSpace(forwarded[:comma])
		}
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
