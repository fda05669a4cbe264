// Package metrics provides Prometheus metrics for the preview service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch metrics
	FetchedBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_fetched_bytes",
			Help:    "Size of fetched attachment payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"scheme"},
	)

	FetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_fetch_failures_total",
			Help: "Total number of failed attachment fetches",
		},
		[]string{"scheme", "kind"},
	)

	// Parse metrics
	ParseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_parse_duration_seconds",
			Help:    "Time taken to parse an attachment payload",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"category"},
	)

	// Session metrics
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_session_transitions_total",
			Help: "Total number of preview session state transitions",
		},
		[]string{"state"},
	)

	StaleResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_stale_results_total",
			Help: "Load results discarded because a newer preview superseded them",
		},
	)

	ControllersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_controllers_active",
			Help: "Number of viewers holding a preview controller",
		},
	)

	// Worker pool metrics
	JobsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_jobs_rejected_total",
			Help: "Preview load jobs rejected because the queue was full",
		},
	)
)

// RecordFetch records a successful fetch.
func RecordFetch(scheme string, size int) {
	FetchedBytes.WithLabelValues(scheme).Observe(float64(size))
}

// RecordFetchFailure records a failed fetch.
func RecordFetchFailure(scheme, kind string) {
	FetchFailures.WithLabelValues(scheme, kind).Inc()
}

// RecordParse records the duration of a parse.
func RecordParse(category string, started time.Time) {
	ParseDuration.WithLabelValues(category).Observe(time.Since(started).Seconds())
}

// RecordTransition records a committed session state.
func RecordTransition(state string) {
	SessionTransitions.WithLabelValues(state).Inc()
}
