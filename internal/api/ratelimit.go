package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-im/courier/internal/auth"
)

const (
	visitorIdle     = 5 * time.Minute
	cleanupInterval = time.Minute
)

// userRateLimiter is a token bucket per authenticated user. Long-polling
// clients poll on a timer; the bucket absorbs reconnect bursts and bounds
// runaway loops.
type userRateLimiter struct {
	visitors sync.Map
	limit    rate.Limit
	burst    int
	log      *zap.Logger
	stop     chan struct{}
	once     sync.Once
}

type visitor struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserRateLimiter(rps float64, burst int, log *zap.Logger) *userRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &userRateLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		log:   log,
		stop:  make(chan struct{}),
	}
	go l.cleanupVisitors()
	return l
}

func (l *userRateLimiter) allow(key string) bool {
	v, _ := l.visitors.LoadOrStore(key, &visitor{limiter: rate.NewLimiter(l.limit, l.burst)})
	vi := v.(*visitor)
	vi.mu.Lock()
	vi.lastSeen = time.Now()
	vi.mu.Unlock()
	return vi.limiter.Allow()
}

func (l *userRateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-visitorIdle)
			l.visitors.Range(func(k, v any) bool {
				vi := v.(*visitor)
				vi.mu.Lock()
				idle := vi.lastSeen.Before(cutoff)
				vi.mu.Unlock()
				if idle {
					l.visitors.Delete(k)
				}
				return true
			})
		}
	}
}

func (l *userRateLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Handler must run after the auth middleware.
func (l *userRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := auth.UserID(c)
		if key == "" {
			key = c.IP()
		}
		if !l.allow(key) {
			l.log.Warn("rate limit exceeded", zap.String("user_id", key), zap.String("path", c.Path()))
			return writeError(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests")
		}
		return c.Next()
	}
}
