package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the export pipeline.
type Metrics struct {
	RecordsConsumed    prometheus.Counter
	RecordsQuarantined prometheus.Counter
	BatchesSealed      prometheus.Counter
	ArtifactsUploaded  prometheus.Counter
	OffsetsCommitted   prometheus.Counter
	UploadRetries      prometheus.Counter

	EncodeDuration prometheus.Histogram
	UploadDuration prometheus.Histogram

	PipelineRunning prometheus.Gauge
	OpenBatches     prometheus.Gauge
	InflightBytes   prometheus.Gauge
	ParkedBatches   prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.RecordsConsumed,
		m.RecordsQuarantined,
		m.BatchesSealed,
		m.ArtifactsUploaded,
		m.OffsetsCommitted,
		m.UploadRetries,
		m.EncodeDuration,
		m.UploadDuration,
		m.PipelineRunning,
		m.OpenBatches,
		m.InflightBytes,
		m.ParkedBatches,
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
		RecordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exporter",
			Name:      "records_consumed_total",
			Help:      "Total records read from the source topic.",
		}),
		RecordsQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exporter",
			Name:      "records_quarantined_total",
			Help:      "Total unencodable records skipped during encoding.",
		}),
		BatchesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exporter",
			Name:      "batches_sealed_total",
			Help:      "Total batches sealed by size, count, or age.",
		}),
		ArtifactsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exporter",
			Name:      "artifacts_uploaded_total",
			Help:      "Total encoded artifacts confirmed in the object store.",
		}),
		OffsetsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exporter",
			Name:      "offsets_committed_total",
			Help:      "Total per-partition offset commits.",
		}),
		UploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exporter",
			Name:      "upload_retries_total",
			Help:      "Total transient upload failures that were retried.",
		}),
		EncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exporter",
			Name:      "encode_duration_seconds",
			Help:      "Duration of encoding a sealed batch to parquet.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exporter",
			Name:      "upload_duration_seconds",
			Help:      "Duration of a confirmed artifact upload.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exporter",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		OpenBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exporter",
			Name:      "open_batches",
			Help:      "Number of batches currently accepting records.",
		}),
		InflightBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exporter",
			Name:      "inflight_bytes",
			Help:      "Record bytes held by open and not-yet-finalized batches.",
		}),
		ParkedBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exporter",
			Name:      "parked_batches",
			Help:      "Batches whose upload exhausted retries and is awaiting the next cycle.",
		}),
	}
}
