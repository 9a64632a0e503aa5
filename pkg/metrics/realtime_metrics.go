package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime metrics for connection, room, presence and call state
var (
	// Connection registry
	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Current number of registered realtime connections",
	})

	RealtimeConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Total number of realtime connection attempts",
	}, []string{"status"})

	RealtimeDisconnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_disconnections_total",
		Help: "Total number of realtime disconnections",
	}, []string{"reason"}) // "closed", "heartbeat_timeout", "send_buffer_full", "shutdown"

	RealtimeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Total number of realtime events",
	}, []string{"event", "direction"})

	RealtimeEventErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_event_errors_total",
		Help: "Total number of realtime events that failed",
	}, []string{"event", "code"})

	RealtimeOutboundDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_outbound_dropped_total",
		Help: "Total number of outbound payloads that could not be enqueued",
	}, []string{"reason"})

	// Rooms
	RoomSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "room_subscriptions",
		Help: "Current number of connection-to-conversation subscriptions",
	})

	RoomJoinRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "room_join_rejected_total",
		Help: "Total number of room joins refused for non-members",
	})

	RoomBroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "room_broadcast_fanout",
		Help:    "Number of connections a room broadcast was enqueued to",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// Presence and typing
	PresenceOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_users",
		Help: "Current number of users with status online",
	})

	PresenceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_transitions_total",
		Help: "Total number of presence status transitions",
	}, []string{"status"})

	TypingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "typing_active",
		Help: "Current number of active typing indicators",
	})

	TypingExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typing_expired_total",
		Help: "Total number of typing indicators cleared by expiry",
	})

	// Message delivery
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Total number of messages accepted for delivery",
	}, []string{"message_type"})

	MessagesUnauthorizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_unauthorized_total",
		Help: "Total number of message operations rejected for non-members",
	})

	MessagesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_read_total",
		Help: "Total number of new read receipts recorded",
	})

	MessageDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "message_delivery_duration_seconds",
		Help:    "Time taken by each message delivery step",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"step"}) // "authorize", "persist", "broadcast"

	// Store resilience
	StoreRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_requests_total",
		Help: "Total number of message store operations",
	}, []string{"operation", "status"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Total number of message store errors",
	}, []string{"operation", "error_type"})

	StoreCircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "store_circuit_breaker_state",
		Help: "State of the message store circuit breaker (0=closed, 1=half_open, 2=open)",
	})

	// Membership directory
	DirectoryLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "directory_lookups_total",
		Help: "Total number of membership lookups",
	}, []string{"result"}) // "hit", "miss", "error"

	DirectoryInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "directory_invalidations_total",
		Help: "Total number of membership cache invalidations",
	})

	DirectoryPoolAcquired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "directory_pool_acquired_connections",
		Help: "Connections currently acquired from the directory pool",
	})

	DirectoryPoolShedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "directory_pool_shed_requests_total",
		Help: "Total number of REST requests refused while the directory pool was nearly exhausted",
	})

	// Calls
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Current number of ringing or connected call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_total",
		Help: "Total number of finished call sessions",
	}, []string{"outcome"})

	CallSignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signals_dropped_total",
		Help: "Total number of call signals that referenced no live session",
	}, []string{"signal"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Observed connected time of finished calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Redis
	RedisDegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_degraded_mode",
		Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
	})

	RedisHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_health_check_total",
		Help: "Total number of Redis health checks",
	}, []string{"status"})
)
