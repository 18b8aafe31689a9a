package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"newsletter-go/internal/logging"
	"newsletter-go/internal/metrics"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalRateLimiter keeps one token bucket per key in process memory.
type LocalRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type LocalOption func(*LocalRateLimiter)

// WithIdleTTL sets how long an unused bucket survives Cleanup.
func WithIdleTTL(d time.Duration) LocalOption {
	return func(l *LocalRateLimiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

func NewLocalRateLimiter(rps float64, burst int, opts ...LocalOption) *LocalRateLimiter {
	l := &LocalRateLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.limiterFor(key).Allow(), nil
}

func (l *LocalRateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(l.rps, l.burst)
	l.entries[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Cleanup drops buckets not used within the idle TTL.
func (l *LocalRateLimiter) Cleanup() {
	cutoff := time.Now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is cancelled.
func (l *LocalRateLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// RedisRateLimiter is a fixed-window counter shared by every replica that
// points at the same Redis.
type RedisRateLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) (*RedisRateLimiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	return &RedisRateLimiter{
		rdb:    rdb,
		prefix: "newsletter:ratelimit",
		limit:  int64(limit),
		window: window,
	}, nil
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UTC().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return incr.Val() <= l.limit, nil
}

// RateLimit answers 429 once the client IP exhausts its budget. Limiter
// errors let the request through.
func RateLimit(limiter RateLimiter, logger *logging.ContextLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := strings.TrimSpace(c.ClientIP())

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			logger.WarnWithTracing(ctx, "Rate limiter unavailable, allowing request", logrus.Fields{
				"client_ip": key,
				"error":     err.Error(),
			})
			c.Next()
			return
		}

		if !allowed {
			if m != nil {
				m.RateLimitRejections.Inc()
			}
			logger.WarnWithTracing(ctx, "Rate limit exceeded", logrus.Fields{
				"client_ip": key,
				"path":      c.Request.URL.Path,
			})
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}

		c.Next()
	}
}
