package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"miladybank/observability"
)

// RateLimit is a token bucket applied per client. Tokens maps "METHOD path"
// (raw path or chi route pattern) to the number of tokens a request costs.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	DefaultTokens int
	Tokens        map[string]int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	visitors *xsync.Map[string, *rateEntry]
	clockNow func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: xsync.NewMap[string, *rateEntry](),
		clockNow: time.Now,
	}
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			now := r.clockNow()
			limiter := r.obtainLimiter(key+"|"+clientID(req), limit, now)
			if !limiter.AllowN(now, limit.cost(req)) {
				observability.ModuleMetrics().RecordThrottle(key, "rate_limit")
				r.logger.Debug("gateway: request throttled", slog.String("limit", key), slog.String("path", req.URL.Path))
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (l RateLimit) cost(req *http.Request) int {
	if len(l.Tokens) > 0 {
		if n, ok := l.Tokens[req.Method+" "+req.URL.Path]; ok && n > 0 {
			return n
		}
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if n, ok := l.Tokens[req.Method+" "+rctx.RoutePattern()]; ok && n > 0 {
				return n
			}
		}
	}
	if l.DefaultTokens > 0 {
		return l.DefaultTokens
	}
	return 1
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit, now time.Time) *rate.Limiter {
	entry, _ := r.visitors.Compute(id, func(old *rateEntry, loaded bool) (*rateEntry, xsync.ComputeOp) {
		if loaded {
			return old, xsync.UpdateOp
		}
		perSecond := cfg.RatePerSecond
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		return &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}, xsync.UpdateOp
	})
	entry.lastSeen.Store(now.UnixNano())
	return entry.limiter
}

// Prune drops limiters that have been idle for longer than idle.
func (r *RateLimiter) Prune(idle time.Duration) int {
	cutoff := r.clockNow().Add(-idle).UnixNano()
	removed := 0
	r.visitors.Range(func(id string, entry *rateEntry) bool {
		if entry.lastSeen.Load() < cutoff {
			r.visitors.Delete(id)
			removed++
		}
		return true
	})
	return removed
}

// Run prunes idle limiters every interval until ctx is done.
func (r *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(interval); n > 0 {
				r.logger.Debug("gateway: pruned idle rate limiters", slog.Int("count", n))
			}
		}
	}
}

// clientID prefers the authenticated subject, then an API key header, then
// the client address.
func clientID(r *http.Request) string {
	if subject, ok := Subject(r.Context()); ok {
		return "sub:" + subject
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
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
