// Package metrics provides Prometheus metrics for the COG merger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the COG merger.
type Metrics struct {
	// Export lifecycle metrics
	ExportsStarted  *prometheus.CounterVec
	PollCycles      prometheus.Counter
	RecordsAdvanced *prometheus.CounterVec
	JobStatusErrors prometheus.Counter

	// Merge metrics
	MergesTotal     *prometheus.CounterVec
	MergeDuration   prometheus.Histogram
	TilesPerMerge   prometheus.Histogram
	ArtifactBytes   prometheus.Histogram
	TilesDownloaded prometheus.Counter

	// Reconciliation metrics
	ReconcileRuns       prometheus.Counter
	ReconcileDispatched prometheus.Counter
	OrphansImported     prometheus.Counter

	// Admin metrics
	ObjectsDeleted prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cog_merger"
	}

	m := &Metrics{
		ExportsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_started_total",
				Help:      "Total number of export jobs submitted",
			},
			[]string{"layer"},
		),
		PollCycles: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of job status poll cycles",
			},
		),
		RecordsAdvanced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_advanced_total",
				Help:      "Total number of record status transitions applied by the poller",
			},
			[]string{"to_status"},
		),
		JobStatusErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_status_errors_total",
				Help:      "Total number of failed job status queries",
			},
		),
		MergesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_total",
				Help:      "Total number of merge attempts by outcome",
			},
			[]string{"outcome"},
		),
		MergeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Wall time of one merge (download + mosaic + upload)",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
		),
		TilesPerMerge: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tiles_per_merge",
				Help:      "Number of tiles consumed per merge",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to ~2k
			},
		),
		ArtifactBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of merged artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 15), // 1MB to ~16GB
			},
		),
		TilesDownloaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_downloaded_total",
				Help:      "Total number of tiles downloaded for merging",
			},
		),
		ReconcileRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of reconciliation scans",
			},
		),
		ReconcileDispatched: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_dispatched_total",
				Help:      "Total number of merges dispatched by reconciliation",
			},
		),
		OrphansImported: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_imported_total",
				Help:      "Total number of destination artifacts adopted without a record",
			},
		),
		ObjectsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_deleted_total",
				Help:      "Total number of objects deleted by force resets",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncMerge increments the merge counter for one outcome.
func (m *Metrics) IncMerge(outcome string) {
	m.MergesTotal.WithLabelValues(outcome).Inc()
}

// ObserveMerge records the duration and shape of a successful merge.
func (m *Metrics) ObserveMerge(seconds float64, tiles int, bytes int64) {
	m.MergeDuration.Observe(seconds)
	m.TilesPerMerge.Observe(float64(tiles))
	m.ArtifactBytes.Observe(float64(bytes))
	m.TilesDownloaded.Add(float64(tiles))
}

// IncRecordsAdvanced increments the transition counter for a target status.
func (m *Metrics) IncRecordsAdvanced(toStatus string) {
	m.RecordsAdvanced.WithLabelValues(toStatus).Inc()
}
