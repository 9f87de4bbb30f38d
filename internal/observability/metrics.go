package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PositionsApplied = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "positions_applied_total", Help: "Accepted vehicle position updates"})
	PositionsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "positions_dropped_total", Help: "Position updates dropped (no active trip, stale timestamp, lookup failure)"})

	CacheRebuilds        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "position_cache_rebuilds_total", Help: "Successful position cache rebuilds"})
	CacheRebuildFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "position_cache_rebuild_failures_total", Help: "Failed position cache rebuilds (served stale or empty)"})

	NotificationsSent      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "notifications_sent_total", Help: "Proximity notifications dispatched"}, []string{"kind"})
	NotificationsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "notifications_throttled_total", Help: "Proximity notifications suppressed by cooldown"}, []string{"kind"})

	HubDeliveries  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "hub_deliveries_total", Help: "Events delivered to websocket subscribers"})
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "fleet_tracking", Name: "hub_connections", Help: "Currently connected websocket clients"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
