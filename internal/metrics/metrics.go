// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for live connections, counters for routed messages, presence
// passes and heartbeat deaths, and a histogram for routing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels.
const (
	OutcomeDelivered = "delivered" // persisted and pushed to at least one connection
	OutcomeStored    = "stored"    // persisted, recipient offline
	OutcomeDropped   = "dropped"   // malformed or rate limited
	OutcomeFailed    = "failed"    // store unavailable
)

var (
	// ConnectionsTotal tracks the current number of registered connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// ConnectionsRejected counts upgrades closed before registration, labeled
	// by reason: "unauthenticated", "duplicate", "capacity".
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections terminated before registration",
	}, []string{"reason"})

	// MessagesTotal counts inbound direct messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Inbound direct messages by outcome",
	}, []string{"outcome"})

	// FramesPushed counts outbound message frames written to recipient
	// connections.
	FramesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_message_frames_pushed_total",
		Help: "Outbound message frames written to recipient connections",
	})

	// RouteLatency records persist-then-fanout latency in seconds.
	RouteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_route_latency_seconds",
		Help:    "Time from inbound frame to completed fan-out",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceBroadcasts counts presence passes.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Presence passes pushed to all connections",
	})

	// EventLoopWakeups counts returns from the transport poller, including
	// idle timeouts.
	EventLoopWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_event_loop_wakeups_total",
		Help: "Returns from the transport poller wait",
	})

	// HeartbeatDeaths counts connections declared dead by the heartbeat.
	HeartbeatDeaths = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_deaths_total",
		Help: "Connections closed after a missed pong",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsRejected,
		MessagesTotal,
		FramesPushed,
		RouteLatency,
		PresenceBroadcasts,
		HeartbeatDeaths,
		EventLoopWakeups,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
