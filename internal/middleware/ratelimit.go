package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaychat-backend/internal/database"
	"relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/response"
)

// WindowCounter counts hits per key in fixed windows
type WindowCounter interface {
	// Hit counts one request and returns the count so far in the current
	// window and the time that window ends
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// RedisWindowCounter shares counters between replicas. Each window gets its
// own key, which expires with the window.
type RedisWindowCounter struct {
	client *database.RedisClient
	now    func() time.Time
}

// NewRedisWindowCounter creates a counter on client
func NewRedisWindowCounter(client *database.RedisClient) *RedisWindowCounter {
	return &RedisWindowCounter{client: client, now: time.Now}
}

// Hit increments the counter of the current window
func (r *RedisWindowCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if r.client.IsDegraded() {
		return 0, time.Time{}, database.ErrRedisDegraded
	}
	start := r.now().Truncate(window)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, start.Unix())

	pipe := r.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return incr.Val(), start.Add(window), nil
}

type memoryWindow struct {
	count int64
	end   time.Time
}

// MemoryWindowCounter keeps counters in process. It serves single-replica
// deployments and covers for Redis while it is degraded.
type MemoryWindowCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
	// sweepAt bounds how often expired windows are pruned
	sweepAt time.Time
}

// NewMemoryWindowCounter creates an empty counter
func NewMemoryWindowCounter() *MemoryWindowCounter {
	return &MemoryWindowCounter{windows: make(map[string]*memoryWindow), now: time.Now}
}

// Hit increments the counter of the current window
func (m *MemoryWindowCounter) Hit(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.After(m.sweepAt) {
		for k, w := range m.windows {
			if !now.Before(w.end) {
				delete(m.windows, k)
			}
		}
		m.sweepAt = now.Add(window)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.end) {
		w = &memoryWindow{end: now.Truncate(window).Add(window)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.end, nil
}

// Len returns the number of live windows
func (m *MemoryWindowCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// RateLimiter limits REST requests per authenticated user, or per client IP
// before authentication. When the primary counter fails the fallback counts
// instead, so a Redis outage narrows limits to one replica rather than
// lifting them.
type RateLimiter struct {
	primary  WindowCounter
	fallback WindowCounter
	policy   RateLimitPolicy
}

// NewRateLimiter creates a limiter. primary may be nil.
func NewRateLimiter(primary WindowCounter, policy RateLimitPolicy) *RateLimiter {
	return &RateLimiter{
		primary:  primary,
		fallback: NewMemoryWindowCounter(),
		policy:   policy,
	}
}

// Middleware returns the Gin handler
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if id, ok := UserID(c); ok {
			identifier = "user:" + id.String()
		}
		route := c.FullPath()
		limit := rl.policy.For(route)
		key := identifier + ":" + route

		count, resetAt, err := rl.hit(c.Request.Context(), key, limit.Window)
		if err != nil {
			// Fail open
			logger.Error("Rate limit check failed", zap.String("identifier", identifier), zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(limit.Requests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(limit.Requests) {
			retry := time.Until(resetAt).Round(time.Second)
			if retry < time.Second {
				retry = time.Second
			}
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
			response.FromError(c, errors.RateLimitExceededError())
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if rl.primary != nil {
		count, resetAt, err := rl.primary.Hit(ctx, key, window)
		if err == nil {
			return count, resetAt, nil
		}
		// Redis logs the switch to degraded mode once; this fires per request
		logger.Debug("Using in-memory rate limiting", zap.Error(err))
	}
	return rl.fallback.Hit(ctx, key, window)
}
