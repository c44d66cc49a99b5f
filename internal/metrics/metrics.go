// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection, pool and room counts, counters for routed
// events and abuse handling, and a histogram for time spent waiting for a
// match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of registered clients.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of registered client connections",
	})

	// ConnectionsRejected counts connections refused at the gateway, labeled by
	// reason: "unauthenticated", "banned", "capacity" or "replaced".
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections rejected or displaced by the gateway",
	}, []string{"reason"})

	// WaitingPoolSize tracks the number of clients waiting for a partner.
	WaitingPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_waiting_pool_size",
		Help: "Current number of clients in the waiting pool",
	})

	// ActiveRooms tracks rooms that exist, including those in their grace
	// period.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Current number of live or retained rooms",
	})

	// MatchesTotal counts rooms created by the match engine.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_matches_total",
		Help: "Total number of pairs matched",
	})

	// MatchWait records how long a client waited in the pool before matching.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_match_wait_seconds",
		Help:    "Time from entering the waiting pool to being matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// EventsRouted counts events delivered to a partner, labeled by kind.
	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_routed_total",
		Help: "Events relayed between room members",
	}, []string{"kind"})

	// EventsDropped counts inbound events that were not delivered, labeled by
	// reason: "invalid", "rate_limited", "no_room" or "parse_error".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Inbound events dropped before delivery",
	}, []string{"reason"})

	// Reconnects counts reclaim attempts, labeled by result.
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reconnects_total",
		Help: "Room reconnect attempts",
	}, []string{"result"})

	// ReportsTotal counts accepted abuse reports.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_reports_total",
		Help: "Accepted abuse reports",
	})

	// BansTotal counts identities banned by the strike threshold.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bans_total",
		Help: "Identities banned after reaching the strike threshold",
	})

	// PendingWrites tracks durable writes waiting to be retried.
	PendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_store_pending_writes",
		Help: "Report and ban writes queued for retry after a store failure",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsRejected,
		WaitingPoolSize,
		ActiveRooms,
		MatchesTotal,
		MatchWait,
		EventsRouted,
		EventsDropped,
		Reconnects,
		ReportsTotal,
		BansTotal,
		PendingWrites,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
