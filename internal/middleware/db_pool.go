package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaychat-backend/pkg/errors"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/response"
)

// PoolUsage reports acquired and maximum connections of a pool
type PoolUsage func() (acquired, maxConns int32)

// DefaultPoolThreshold is the share of the pool past which requests are shed
const DefaultPoolThreshold = 0.8

// DBPoolLimiter sheds REST requests while the directory connection pool is
// nearly exhausted
type DBPoolLimiter struct {
	usage     PoolUsage
	threshold float64
}

// NewDBPoolLimiter creates a limiter. A threshold outside (0, 1] uses the default.
func NewDBPoolLimiter(usage PoolUsage, threshold float64) *DBPoolLimiter {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultPoolThreshold
	}
	return &DBPoolLimiter{usage: usage, threshold: threshold}
}

// Usage returns the fraction of the pool in use
func (l *DBPoolLimiter) Usage() float64 {
	acquired, maxConns := l.usage()
	metrics.DirectoryPoolAcquired.Set(float64(acquired))
	if maxConns <= 0 {
		return 0
	}
	return float64(acquired) / float64(maxConns)
}

// Middleware returns the Gin handler
func (l *DBPoolLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if usage := l.Usage(); usage >= l.threshold {
			metrics.DirectoryPoolShedTotal.Inc()
			logger.Warn("Directory pool nearly exhausted, shedding request",
				zap.Float64("pool_usage", usage),
				zap.String("path", c.FullPath()),
			)
			response.FromError(c, errors.NewWithStatus(errors.ErrCodeServiceUnavail,
				"Service temporarily unavailable", http.StatusServiceUnavailable))
			c.Abort()
			return
		}
		c.Next()
	}
}
