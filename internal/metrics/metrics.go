// Package metrics registers the Prometheus collectors of the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_sessions_created_total",
			Help: "Total sessions created",
		},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_session_status_transitions_total",
			Help: "Session status transitions by target status",
		},
		[]string{"status"},
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after a transient close",
		},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_live_connections",
			Help: "Transport connections currently held by the supervisor",
		},
	)

	// Pipeline metrics
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_inbound_messages_total",
			Help: "Inbound messages by outcome",
		},
		[]string{"outcome"}, // "processed", "filtered", "failed"
	)

	GenerationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_generation_failures_total",
			Help: "Reply generations replaced by the fallback reply",
		},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbridge_pipeline_duration_seconds",
			Help:    "Time to process one inbound message end to end",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_reply_cache_requests_total",
			Help: "Reply cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)
)
