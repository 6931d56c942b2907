package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
	OutcomeTimeout = "timeout"
	OutcomeOpen    = "circuit_open"
)

// Metrics holds all Prometheus metrics for loglens, grouped by concern.
// Labels are limited to small fixed sets; addresses and paths never become labels.
type Metrics struct {
	Analysis AnalysisMetrics
	Upstream UpstreamMetrics
	Geo      GeoMetrics
}

// AnalysisMetrics tracks report generation
type AnalysisMetrics struct {
	// Analyses counts finished requests; labels: outcome
	Analyses *prometheus.CounterVec

	// Duration tracks end-to-end analysis time
	Duration prometheus.Histogram

	// EntriesFetched tracks the size of fetched entry sets
	EntriesFetched prometheus.Histogram

	// MalformedRecords counts store records skipped during fetch
	MalformedRecords prometheus.Counter

	// ParseFailures counts in-scope entries excluded from aggregates
	ParseFailures prometheus.Counter

	// DegradedSections counts degraded report sections; labels: section
	DegradedSections *prometheus.CounterVec
}

// UpstreamMetrics tracks collaborator calls
type UpstreamMetrics struct {
	// Requests counts calls; labels: service, outcome
	Requests *prometheus.CounterVec

	// Duration tracks call latency including retries; labels: service
	Duration *prometheus.HistogramVec
}

// GeoMetrics tracks the shared geolocation cache
type GeoMetrics struct {
	// CacheLookups counts lookups; labels: result (hit_local, hit_shared, miss)
	CacheLookups *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics with a custom registry
// This is useful for testing to avoid conflicts with the default registry
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Analysis: AnalysisMetrics{
			Analyses: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loglens_analyses_total",
					Help: "Total number of analysis requests by outcome",
				},
				[]string{"outcome"},
			),
			Duration: factory.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "loglens_analysis_duration_seconds",
					Help:    "End-to-end analysis time (validate + fetch + analyse + summarise)",
					Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
				},
			),
			EntriesFetched: factory.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "loglens_entries_fetched",
					Help:    "Number of entries fetched per analysis",
					Buckets: []float64{0, 10, 100, 500, 1000, 2500, 5000, 10000},
				},
			),
			MalformedRecords: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "loglens_malformed_records_total",
					Help: "Total number of store records skipped because they could not be decoded",
				},
			),
			ParseFailures: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "loglens_parse_failures_total",
					Help: "Total number of entries excluded from aggregates due to unparseable fields",
				},
			),
			DegradedSections: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loglens_degraded_sections_total",
					Help: "Total number of report sections returned degraded",
				},
				[]string{"section"},
			),
		},

		Upstream: UpstreamMetrics{
			Requests: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loglens_upstream_requests_total",
					Help: "Total number of collaborator calls by service and outcome",
				},
				[]string{"service", "outcome"},
			),
			Duration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "loglens_upstream_request_duration_seconds",
					Help:    "Collaborator call latency including retries",
					Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
				},
				[]string{"service"},
			),
		},

		Geo: GeoMetrics{
			CacheLookups: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loglens_geo_cache_lookups_total",
					Help: "Total number of geolocation cache lookups by result",
				},
				[]string{"result"},
			),
		},
	}
}
