// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llm0"

// LatencyBuckets are histogram buckets in seconds
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

var (
	// Requests counts finished chat requests
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat requests by model alias and outcome",
		},
		[]string{"model", "status", "error_kind"},
	)

	// RequestLatency tracks end-to-end pipeline latency
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end chat request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// UpstreamAttempts counts dispatches to upstream bindings
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream dispatch attempts by binding and outcome",
		},
		[]string{"binding", "provider", "outcome"},
	)

	// UpstreamLatency tracks single upstream attempt latency
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream attempt latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"binding"},
	)

	// CacheLookups counts cache hits and misses
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	// SpendUSD accumulates charged cost per key
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Charged cost in USD by API key",
		},
		[]string{"key_id"},
	)

	// Tokens counts prompt and completion tokens
	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens used by model alias and type",
		},
		[]string{"model", "type"},
	)

	// AdmissionRejections counts requests rejected by the ledger
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected at admission by reason",
		},
		[]string{"reason"},
	)

	// TelemetryDropped counts records the recorder could not persist
	TelemetryDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Request records dropped by reason",
		},
		[]string{"reason"},
	)

	// TelemetryQueueDepth is the number of records waiting to be written
	TelemetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_queue_depth",
			Help:      "Request records waiting to be persisted",
		},
	)

	// ConfigReloads counts routing configuration reloads
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Routing configuration reloads by result",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
