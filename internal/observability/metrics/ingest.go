// Package metrics provides ingestion pipeline metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the export file ingestion
// pipeline.
type IngestMetrics struct {
	registry *prometheus.Registry

	// File level metrics
	filesProcessedTotal *prometheus.CounterVec
	fileProcessDuration *prometheus.HistogramVec
	fileSizeBytes       *prometheus.HistogramVec

	// Row level metrics
	rowsReadTotal    prometheus.Counter
	rowsSkippedTotal *prometheus.CounterVec

	// Result metrics
	defectsUpsertedTotal prometheus.Counter
	outcomesTotal        *prometheus.CounterVec

	// Pipeline state
	activeWorkersGauge prometheus.Gauge
	watcherScansTotal  prometheus.Counter
	queuedFilesGauge   prometheus.Gauge

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewIngestMetrics creates and registers new ingestion metrics
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *IngestMetrics) initMetrics() error {
	m.filesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_files_processed_total",
			Help: "Total number of export files processed",
		},
		[]string{"source", "status"}, // source: file, directory, upload; status: success, error
	)

	m.fileProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_file_process_duration_seconds",
			Help:    "Time taken to process one export file",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
		},
		[]string{"source"},
	)

	m.fileSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_file_size_bytes",
			Help:    "Size of processed export files in bytes",
			Buckets: prometheus.ExponentialBuckets(BucketStart100B, BucketFactor10, BucketCount6),
		},
		[]string{"source"},
	)

	m.rowsReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rows_read_total",
		Help: "Total number of inspection rows read from export files",
	})

	m.rowsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rows_skipped_total",
			Help: "Total number of inspection rows skipped as invalid",
		},
		[]string{"reason"}, // reason: missing_key, unknown_disposition, bad_date, short_row
	)

	m.defectsUpsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_defects_upserted_total",
		Help: "Total number of aggregated defect records written to the store",
	})

	m.outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_outcomes_total",
			Help: "Classification outcomes produced by ingestion",
		},
		[]string{"outcome"},
	)

	m.activeWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_workers",
		Help: "Number of ingestion workers currently processing a file",
	})

	m.watcherScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_watcher_scans_total",
		Help: "Total number of drop directory scans performed in watch mode",
	})

	m.queuedFilesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queued_files",
		Help: "Number of files waiting for an ingestion worker",
	})

	m.collectors = []prometheus.Collector{
		m.filesProcessedTotal,
		m.fileProcessDuration,
		m.fileSizeBytes,
		m.rowsReadTotal,
		m.rowsSkippedTotal,
		m.defectsUpsertedTotal,
		m.outcomesTotal,
		m.activeWorkersGauge,
		m.watcherScansTotal,
		m.queuedFilesGauge,
	}

	return nil
}

// Describe implements the Collector interface
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordFileProcessed records the completed processing of one export file
func (m *IngestMetrics) RecordFileProcessed(source, status string) {
	m.filesProcessedTotal.WithLabelValues(source, status).Inc()
}

// ObserveFileProcessDuration records how long one file took to process
func (m *IngestMetrics) ObserveFileProcessDuration(source string, seconds float64) {
	m.fileProcessDuration.WithLabelValues(source).Observe(seconds)
}

// ObserveFileSize records the size of a processed file
func (m *IngestMetrics) ObserveFileSize(source string, sizeBytes int64) {
	m.fileSizeBytes.WithLabelValues(source).Observe(float64(sizeBytes))
}

// AddRowsRead adds to the count of inspection rows read
func (m *IngestMetrics) AddRowsRead(n int) {
	m.rowsReadTotal.Add(float64(n))
}

// AddRowsSkipped adds n skipped rows with the given reason
func (m *IngestMetrics) AddRowsSkipped(reason string, n int) {
	m.rowsSkippedTotal.WithLabelValues(reason).Add(float64(n))
}

// AddDefectsUpserted adds to the count of defect records written
func (m *IngestMetrics) AddDefectsUpserted(n int) {
	m.defectsUpsertedTotal.Add(float64(n))
}

// AddOutcome adds n classified records for the given outcome label
func (m *IngestMetrics) AddOutcome(outcome string, n int) {
	m.outcomesTotal.WithLabelValues(outcome).Add(float64(n))
}

// UpdateActiveWorkers sets the number of busy ingestion workers
func (m *IngestMetrics) UpdateActiveWorkers(n int) {
	m.activeWorkersGauge.Set(float64(n))
}

// IncrementWatcherScans counts one drop directory scan
func (m *IngestMetrics) IncrementWatcherScans() {
	m.watcherScansTotal.Inc()
}

// UpdateQueuedFiles sets the number of files waiting for a worker
func (m *IngestMetrics) UpdateQueuedFiles(n int) {
	m.queuedFilesGauge.Set(float64(n))
}
