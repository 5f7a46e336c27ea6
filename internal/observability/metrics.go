package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingest pipeline.
type Metrics struct {
	JobsDispatched  prometheus.Counter
	JobsDropped     *prometheus.CounterVec // labels: reason={unmatched,unparseable}
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
	QueueDepth      prometheus.Gauge
	PipelineRunning prometheus.Gauge

	// Acquisition metrics.
	Downloads        *prometheus.CounterVec // labels: status={SUCCESS,FAIL,SKIPPED}
	DownloadBytes    prometheus.Counter
	DispatchLatency  prometheus.Histogram
	DownloadDuration prometheus.Histogram

	// Decode/normalize metrics.
	RecordsNormalized prometheus.Counter
	RecordsSkipped    *prometheus.CounterVec // labels: reason={geometry,radar,build,unparseable}
	RecordsPersisted  prometheus.Counter
	PersistFallbacks  prometheus.Counter

	// Identifier resolution metrics.
	URILookups *prometheus.CounterVec // labels: category, result={memo,store,inserted}

	StageDuration *prometheus.HistogramVec // labels: stage={acquire,decode,persist}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.JobsDispatched,
		m.JobsDropped,
		m.JobsCompleted,
		m.JobsFailed,
		m.QueueDepth,
		m.PipelineRunning,
		m.Downloads,
		m.DownloadBytes,
		m.DispatchLatency,
		m.DownloadDuration,
		m.RecordsNormalized,
		m.RecordsSkipped,
		m.RecordsPersisted,
		m.PersistFallbacks,
		m.URILookups,
		m.StageDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "jobs_dispatched_total",
			Help:      "Notifications matched to a subscription and queued.",
		}),
		JobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "jobs_dropped_total",
			Help:      "Messages dropped before queueing, by reason.",
		}, []string{"reason"}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "jobs_completed_total",
			Help:      "Jobs whose full pipeline run finished without fatal error.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "jobs_failed_total",
			Help:      "Jobs abandoned after a fatal stage error.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wis2_ingest",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the work queue.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wis2_ingest",
			Name:      "pipeline_running",
			Help:      "1 when the worker pool is active, 0 when shut down.",
		}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "downloads_total",
			Help:      "Acquisition outcomes by status.",
		}, []string{"status"}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "download_bytes_total",
			Help:      "Total bytes fetched from WIS2 caches.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wis2_ingest",
			Name:      "dispatch_latency_seconds",
			Help:      "Delay between message arrival and hand-off to the queue.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wis2_ingest",
			Name:      "download_duration_seconds",
			Help:      "Duration of a data file download.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RecordsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "records_normalized_total",
			Help:      "Observation records successfully normalized.",
		}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "records_skipped_total",
			Help:      "Decoded features dropped before persistence, by reason.",
		}, []string{"reason"}),
		RecordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "records_persisted_total",
			Help:      "Observation records committed to storage.",
		}),
		PersistFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "persist_fallbacks_total",
			Help:      "Batch inserts that fell back to per-record commit.",
		}),
		URILookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wis2_ingest",
			Name:      "uri_lookups_total",
			Help:      "Identifier resolutions by category and source.",
		}, []string{"category", "result"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wis2_ingest",
			Name:      "stage_duration_seconds",
			Help:      "Duration of one pipeline stage for one job.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
	}
}
