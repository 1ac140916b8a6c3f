// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realtime"

var (
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_connections",
		Help:      "Number of open WebSocket connections.",
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Number of AI responses currently streaming.",
	})

	DuplicateLoginEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_login_evictions_total",
		Help:      "Prior connections terminated because of a newer login.",
	}, []string{"reason"})

	HistoryLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_loads_total",
		Help:      "History page loads by outcome.",
	}, []string{"outcome"})

	StreamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_outcomes_total",
		Help:      "AI stream terminations by outcome.",
	}, []string{"persona", "outcome"})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_drops_total",
		Help:      "Frames dropped because a connection send buffer was full.",
	})
)

// History load outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeFailed     = "failed"
	OutcomeInProgress = "in_progress"
)

// Stream outcomes.
const (
	StreamCompleted = "completed"
	StreamTruncated = "truncated"
	StreamErrored   = "error"
	StreamTimedOut  = "timeout"
)
