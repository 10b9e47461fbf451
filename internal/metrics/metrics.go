package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal tracks orchestrated calls per operation and result source
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfetch_calls_total",
			Help: "Total number of orchestrated calls by result source",
		},
		[]string{"operation", "source"},
	)

	// CallLatency tracks end-to-end call latency
	CallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfetch_call_latency_seconds",
			Help:    "Orchestrated call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "source"},
	)

	// FailuresTotal tracks classified live failures
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfetch_failures_total",
			Help: "Total number of classified live fetch failures",
		},
		[]string{"operation", "kind"},
	)

	// Completeness tracks the completeness score of the last result
	Completeness = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfetch_completeness_score",
			Help: "Completeness score of the last result (0-1)",
		},
		[]string{"operation"},
	)

	// BreakerState tracks circuit state: 0 closed, 1 half-open, 2 open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfetch_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"operation"},
	)

	// SourceRequestsTotal tracks upstream HTTP requests per status class
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfetch_source_requests_total",
			Help: "Total number of upstream requests",
		},
		[]string{"source", "status"},
	)

	// SourceLatency tracks upstream request latency
	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfetch_source_latency_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// CacheEntries tracks live entries in the primary cache
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketfetch_cache_entries",
			Help: "Number of entries in the primary cache",
		},
	)

	// DBConnectionPoolUsage tracks DB connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketfetch_db_connection_pool_usage",
			Help: "Percentage of DB connection pool in use",
		},
	)
)

// Recorder feeds orchestrator telemetry into the package collectors.
type Recorder struct{}

func (Recorder) RecordOutcome(operation, source string, d time.Duration) {
	CallsTotal.WithLabelValues(operation, source).Inc()
	CallLatency.WithLabelValues(operation, source).Observe(d.Seconds())
}

func (Recorder) RecordFailure(operation, kind string) {
	FailuresTotal.WithLabelValues(operation, kind).Inc()
}

func (Recorder) RecordCompleteness(operation string, score float64) {
	Completeness.WithLabelValues(operation).Set(score)
}

// SetBreakerState records a circuit state transition.
func SetBreakerState(operation, state string) {
	v := 0.0
	switch state {
	case "half-open", "half_open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(operation).Set(v)
}
