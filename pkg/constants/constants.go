// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// EventTimeout bounds the handling of one inbound realtime event
	EventTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket transport constants
const (
	// WebSocketWriteWait is the time allowed to write a frame to the peer
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound frames
	WebSocketMaxMessageSize = 64 * 1024

	// WebSocketSendBuffer is the default per-connection outbound queue length
	WebSocketSendBuffer = 256
)

// Realtime state defaults. All of them can be overridden from configuration.
const (
	HeartbeatTimeout   = 60 * time.Second
	ReaperInterval     = 15 * time.Second
	PresenceGrace      = 5 * time.Second
	PresenceRefresh    = 2 * time.Minute
	TypingTTL          = 5 * time.Second
	TypingSweep        = time.Second
	RingingTimeout     = 45 * time.Second
	MembershipCacheTTL = 30 * time.Second
)

// Message limits
const (
	// MaxMessageContentBytes caps the encoded content of a single message
	MaxMessageContentBytes = 16 * 1024

	// DefaultHistoryLimit is the page size used when none is given
	DefaultHistoryLimit = 20

	// MaxHistoryLimit caps the page size of history queries
	MaxHistoryLimit = 100

	// MaxReadBatch caps message ids accepted in one read receipt
	MaxReadBatch = 200
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)
