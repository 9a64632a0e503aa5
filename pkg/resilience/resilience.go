package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("store temporarily unavailable (circuit breaker open)")

// Config tunes retry and breaker behaviour
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   50 * time.Millisecond,
		MaxBackoff:       time.Second,
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

// StoreResilience wraps message store operations with bounded retry and a circuit breaker
type StoreResilience struct {
	cfg Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
}

// NewStoreResilience creates a new resilience wrapper
func NewStoreResilience(cfg Config) *StoreResilience {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &StoreResilience{
		cfg:   cfg,
		state: CircuitBreakerClosed,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Execute returns the inner error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute runs fn up to MaxAttempts times with linear backoff. A permanent error
// or a cancelled context stops early.
func (r *StoreResilience) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if !r.allow() {
			metrics.StoreRequestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
			logger.Warn("Store circuit breaker is OPEN - request blocked",
				zap.String("operation", operation),
			)
			return ErrCircuitOpen
		}

		if attempt > 1 {
			logger.Warn("Store operation retry",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := fn(ctx)
		if err == nil {
			r.onSuccess()
			metrics.StoreRequestsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			metrics.StoreRequestsTotal.WithLabelValues(operation, "rejected").Inc()
			return perm.err
		}

		lastErr = err
		r.onFailure(operation)
		metrics.StoreErrorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		metrics.StoreRequestsTotal.WithLabelValues(operation, "failure").Inc()

		if attempt == r.cfg.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * r.cfg.InitialBackoff
		if r.cfg.MaxBackoff > 0 && backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled after %d attempts: %w", operation, attempt, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, r.cfg.MaxAttempts, lastErr)
}

func (r *StoreResilience) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != CircuitBreakerOpen {
		return true
	}
	if time.Since(r.openedAt) < r.cfg.Cooldown {
		return false
	}
	r.state = CircuitBreakerHalfOpen
	metrics.StoreCircuitBreakerState.Set(1)
	logger.Info("Store circuit breaker HALF-OPEN - probing")
	return true
}

func (r *StoreResilience) onSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveFailures = 0
	if r.state != CircuitBreakerClosed {
		r.state = CircuitBreakerClosed
		metrics.StoreCircuitBreakerState.Set(0)
		logger.Info("Store circuit breaker CLOSED - recovered")
	}
}

func (r *StoreResilience) onFailure(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveFailures++
	if r.state == CircuitBreakerHalfOpen || r.consecutiveFailures >= r.cfg.FailureThreshold {
		if r.state != CircuitBreakerOpen {
			logger.Error("Store circuit breaker OPEN - too many consecutive failures",
				zap.String("operation", operation),
				zap.Int("consecutive_failures", r.consecutiveFailures),
			)
		}
		r.state = CircuitBreakerOpen
		r.openedAt = time.Now()
		metrics.StoreCircuitBreakerState.Set(2)
	}
}

// GetCircuitBreakerState returns the current circuit breaker state
func (r *StoreResilience) GetCircuitBreakerState() CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no hosts available") || strings.Contains(errMsg, "unavailable"):
		return "unavailable"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	default:
		return "unknown"
	}
}
