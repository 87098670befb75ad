// Package metrics provides Prometheus metrics collection for the voicebox service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcome label values
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebox_websocket_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesReceived tracks the total number of messages received from clients
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	// MessagesSent tracks the total number of messages sent to clients
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// ActiveSessions tracks the current number of registered sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebox_active_sessions_total",
		Help: "Current number of active voice sessions",
	})

	// SessionsCreated tracks the total number of sessions created
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_sessions_created_total",
		Help: "Total number of voice sessions created",
	})

	// SessionsEvicted tracks sessions removed because their owner hit the session cap
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_sessions_evicted_total",
		Help: "Total number of sessions evicted for capacity",
	})

	// SessionsExpired tracks sessions removed by the TTL sweep
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_sessions_expired_total",
		Help: "Total number of sessions expired by the idle sweep",
	})

	// TurnsTotal tracks completed turns by outcome
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"outcome"})

	// TurnDuration tracks the wall time of a turn from lock acquisition to finish
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicebox_turn_duration_seconds",
		Help:    "Duration of turns in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// BargeIns tracks interruptions of an active turn
	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_barge_ins_total",
		Help: "Total number of barge-in interruptions",
	})

	// ReconnectAttempts tracks reconnect attempts by channel
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_reconnect_attempts_total",
		Help: "Total number of channel reconnect attempts",
	}, []string{"channel"})

	// ChannelFailures tracks channels that exhausted their reconnect attempts
	ChannelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_channel_failures_total",
		Help: "Total number of channels marked unavailable",
	}, []string{"channel"})

	// GoroutinePanics tracks panics recovered in background goroutines
	GoroutinePanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_goroutine_panics_total",
		Help: "Total number of recovered goroutine panics",
	})

	// HTTPRequestDuration tracks HTTP request latency by route and status
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicebox_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
