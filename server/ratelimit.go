package server

import (
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimitCleanupInterval = 5 * time.Minute

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter throttles login endpoints per client address.
type RateLimiter struct {
	perMin  int
	limit   rate.Limit
	burst   int
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter starts a limiter allowing perMinute requests per address with
// the given burst. It returns nil when perMinute is zero. A nil logger discards.
func NewRateLimiter(cfg RateLimitConfig, metrics *Metrics, logger *slog.Logger) *RateLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rl := &RateLimiter{
		perMin:   cfg.PerMinute,
		limit:    rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:    burst,
		metrics:  metrics,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the background cleanup. It is safe to call on a nil limiter.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware rejects requests over the limit with 429. A nil limiter passes everything through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.get(key).Allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimited()
			}
			rl.logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
			// Seconds until one token refills.
			retry := int(math.Ceil(60.0 / float64(rl.perMin)))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > 2*rateLimitCleanupInterval {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
