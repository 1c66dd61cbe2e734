package router

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the routing pipeline.
type Metrics struct {
	EventsRouted    *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsErrored   *prometheus.CounterVec

	HashFailures     prometheus.Counter
	DeliveryFailures *prometheus.CounterVec

	RouteDuration prometheus.Histogram

	NodesRegistered prometheus.Gauge
	SessionsActive  prometheus.Gauge
	WatchersActive  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide metrics set. Instruments register
// against the default registry exactly once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			EventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "network_events_routed_total",
				Help: "Events entering the routing pipeline",
			}, []string{"event_type", "boundary"}),
			EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "network_events_delivered_total",
				Help: "Events delivered to at least one target",
			}, []string{"event_type", "boundary"}),
			EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "network_events_dropped_total",
				Help: "Events dropped, bucketed by reason code",
			}, []string{"event_type", "boundary", "reason"}),
			EventsErrored: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "network_events_errored_total",
				Help: "Events that failed routing, bucketed by reason code",
			}, []string{"event_type", "boundary", "reason"}),
			HashFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "network_hash_failures_total",
				Help: "Integrity hash verification failures",
			}),
			DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "network_delivery_failures_total",
				Help: "Per-target delivery failures, bucketed by transport",
			}, []string{"transport"}),
			RouteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "network_route_duration_seconds",
				Help:    "End-to-end routing pipeline latency",
				Buckets: prometheus.DefBuckets,
			}),
			NodesRegistered: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "network_nodes_registered",
				Help: "Currently registered nodes",
			}),
			SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "network_sessions_active",
				Help: "Open fabric sessions",
			}),
			WatchersActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "network_watchers_active",
				Help: "Active SDN watch subscriptions",
			}),
		}
	})
	return metrics
}
