package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Endpoint classes for rate limiting.
const (
	EndpointTrack     = "track"
	EndpointDashboard = "dashboard"
)

// RateLimitMiddleware applies a token bucket per client IP. Tracking and
// dashboard requests draw from separate buckets. The client IP comes from
// ClientIP, so RealIPMiddleware must run first.
type RateLimitMiddleware struct {
	cfg     config.RateLimitConfig
	skip    map[string]struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware creates the limiter. Requests for skipPaths, such as
// health and metrics, are never limited.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, skipPaths []string, m *metrics.Metrics, logger *zap.Logger) *RateLimitMiddleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &RateLimitMiddleware{
		cfg:      cfg,
		skip:     skip,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		limiters: make(map[string]*ipLimiter),
	}
}

func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := rl.skip[r.URL.Path]; !rl.cfg.Enabled || skip {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := endpointClass(r.URL.Path)
		ip := ClientIP(r)
		if !rl.limiter(endpoint, ip).Allow() {
			rl.logger.Warn("rate limit exceeded",
				zap.String("endpoint", endpoint),
				zap.String("ip", ip),
				zap.String("path", r.URL.Path),
			)
			rl.metrics.RecordRateLimitHit(endpoint)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func endpointClass(path string) string {
	if path == "/track" || strings.HasPrefix(path, "/track/") {
		return EndpointTrack
	}
	return EndpointDashboard
}

func (rl *RateLimitMiddleware) limiter(endpoint, ip string) *rate.Limiter {
	key := endpoint + "|" + ip

	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		rps, burst := rl.cfg.DashboardRPS, rl.cfg.DashboardBurst
		if endpoint == EndpointTrack {
			rps, burst = rl.cfg.TrackRPS, rl.cfg.TrackBurst
		}
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = rl.now()
	return l.limiter
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many
// were removed.
func (rl *RateLimitMiddleware) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, l := range rl.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("cleaned up IP rate limiters", zap.Int("removed", removed))
	}
	return removed
}
