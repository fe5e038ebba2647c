// Package metrics provides Prometheus instrumentation for the chat service:
// gauges for connection and room counts, counters for message throughput and
// moderation outcomes, and a histogram for moderation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Current number of rooms with at least one connected member",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "accepted", "blocked", or "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// BlockedByStage counts blocked messages by the pipeline stage that
	// blocked them.
	BlockedByStage = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_blocked_total",
		Help: "Messages blocked by the moderation pipeline, by stage",
	}, []string{"stage"})

	// ModerationLatency records full-pipeline moderation latency in seconds.
	ModerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_moderation_latency_seconds",
		Help:    "Moderation pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MessagesTotal,
		BlockedByStage,
		ModerationLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
