// Package observability provides Prometheus metrics instrumentation and
// OpenTelemetry tracing for mKTL daemons, registry brokers, and
// clients.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// REQUEST TRANSPORT METRICS (C2)
// =============================================================================

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mktl_requests_total",
			Help: "Total number of requests handled by a daemon, by type and outcome.",
		},
		[]string{"type", "status"}, // status: ok, error
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mktl_request_duration_seconds",
			Help:    "Daemon-side request handling duration in seconds, by type.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"type"},
	)

	clientTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mktl_client_timeouts_total",
			Help: "Total number of client-side request timeouts, by stage.",
		},
		[]string{"stage"}, // stage: ack, reply
	)
)

// RecordRequest records the outcome and duration of a daemon-side
// request of the given wire type.
func RecordRequest(requestType, status string, durationSeconds float64) {
	requestsTotal.WithLabelValues(requestType, status).Inc()
	requestDurationSeconds.WithLabelValues(requestType).Observe(durationSeconds)
}

// RecordClientTimeout records a client-side timeout waiting for an ACK
// or a REP.
func RecordClientTimeout(stage string) {
	clientTimeoutsTotal.WithLabelValues(stage).Inc()
}

// =============================================================================
// PUBLISH TRANSPORT METRICS (C3)
// =============================================================================

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mktl_published_total",
			Help: "Total number of value-transition broadcasts published by a daemon.",
		},
		[]string{"store"},
	)

	subscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mktl_subscriptions_active",
			Help: "Number of distinct topic subscriptions currently held by a client connection.",
		},
		[]string{"store"},
	)
)

// RecordPublish records one broadcast for a store.
func RecordPublish(store string) {
	publishedTotal.WithLabelValues(store).Inc()
}

// SetSubscriptionsActive sets the current subscription count for a store.
func SetSubscriptionsActive(store string, count int) {
	subscriptionsActive.WithLabelValues(store).Set(float64(count))
}

// =============================================================================
// DISCOVERY METRICS (C4)
// =============================================================================

var (
	discoveryResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mktl_discovery_responses_total",
			Help: "Total number of discovery call/response exchanges, by listener role.",
		},
		[]string{"role"}, // role: daemon, registry
	)

	discoveryRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mktl_discovery_rate_limited_total",
			Help: "Total number of discovery datagrams dropped by the per-source rate limiter.",
		},
		[]string{"role"},
	)
)

// RecordDiscoveryResponse records one discovery response sent by a
// listener in the given role.
func RecordDiscoveryResponse(role string) {
	discoveryResponsesTotal.WithLabelValues(role).Inc()
}

// RecordDiscoveryRateLimited records one discovery datagram dropped by
// the rate limiter.
func RecordDiscoveryRateLimited(role string) {
	discoveryRateLimitedTotal.WithLabelValues(role).Inc()
}

// =============================================================================
// CONFIG CACHE METRICS (C5/C6)
// =============================================================================

var configAdmissionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mktl_config_admissions_total",
		Help: "Total number of configuration block admission attempts, by outcome.",
	},
	[]string{"store", "outcome"}, // outcome: admitted, noop, rejected_loop, rejected_collision
)

// RecordConfigAdmission records one admission outcome for a store.
func RecordConfigAdmission(store, outcome string) {
	configAdmissionsTotal.WithLabelValues(store, outcome).Inc()
}
