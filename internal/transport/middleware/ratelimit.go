package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*limiterEntry
	rate      rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(perSecond float64, burst int, ttl time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*limiterEntry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.ttl > 0 && now.Sub(rl.lastSweep) > rl.ttl {
		for key, e := range rl.clients {
			if now.Sub(e.lastSeen) > rl.ttl {
				delete(rl.clients, key)
			}
		}
		rl.lastSweep = now
	}

	entry, ok := rl.clients[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddress(r)
			if !rl.Allow(client) {
				logger.Warn("rate limit exceeded", "client", client, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				base.HandleError(w, internal.NewRateLimitError("rate limit exceeded, retry later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
