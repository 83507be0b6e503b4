// Package metrics provides datastore metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for datastore operations
type DatastoreMetrics struct {
	registry *prometheus.Registry

	// Raw SQL level, fed by the GORM trace hook
	dbOperationsTotal   *prometheus.CounterVec
	dbOperationDuration *prometheus.HistogramVec

	// Defect record writes: batch upserts and reviews
	defectOperationsTotal   *prometheus.CounterVec
	defectOperationDuration *prometheus.HistogramVec

	// Defect search queries
	searchOperationsTotal   *prometheus.CounterVec
	searchOperationDuration prometheus.Histogram
	searchResultSizeHist    prometheus.Histogram

	// Aggregation queries behind the dashboard
	analyticsOperationsTotal   *prometheus.CounterVec
	analyticsOperationDuration *prometheus.HistogramVec

	// Size gauges refreshed by the monitoring loop
	dbSizeBytesGauge     prometheus.Gauge
	dbTableRowCountGauge *prometheus.GaugeVec

	// Snapshot backups
	backupOperationsTotal *prometheus.CounterVec
	backupDuration        prometheus.Histogram

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *DatastoreMetrics) initMetrics() error {
	m.dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operations_total",
			Help: "SQL statements executed, labeled by parsed operation and table",
		},
		[]string{"operation", "table", "status"}, // operation: select, insert, update, delete, vacuum...
	)

	m.dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_operation_duration_seconds",
			Help:    "SQL statement latency by parsed operation and table",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"operation", "table"},
	)

	m.defectOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_defect_operations_total",
			Help: "Defect record writes by operation and outcome",
		},
		[]string{"operation", "status"}, // operation: upsert_batch, review
	)

	m.defectOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_defect_operation_duration_seconds",
			Help:    "Defect record write latency by operation",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
		[]string{"operation"},
	)

	m.searchOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_search_operations_total",
			Help: "Defect searches by outcome",
		},
		[]string{"status"},
	)

	m.searchOperationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datastore_search_operation_duration_seconds",
			Help:    "Defect search latency including the count query",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
	)

	m.searchResultSizeHist = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datastore_search_result_size_rows",
			Help:    "Rows returned per defect search page",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	m.analyticsOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_analytics_operations_total",
			Help: "Dashboard aggregation queries by type and outcome",
		},
		[]string{"analytics_type", "status"}, // analytics_type: summary, daily, top_refs, top_components, matrix
	)

	m.analyticsOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_analytics_operation_duration_seconds",
			Help:    "Dashboard aggregation query latency by type",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15),
		},
		[]string{"analytics_type"},
	)

	m.dbSizeBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_db_size_bytes",
		Help: "On-disk database size",
	})

	m.dbTableRowCountGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datastore_db_table_row_count",
		Help: "Row count per monitored table",
	}, []string{"table"})

	m.backupOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_backup_operations_total",
			Help: "Database snapshot attempts by outcome",
		},
		[]string{"status"},
	)

	m.backupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datastore_backup_duration_seconds",
			Help:    "Snapshot duration including pruning",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount15),
		},
	)

	m.collectors = []prometheus.Collector{
		m.dbOperationsTotal,
		m.dbOperationDuration,
		m.defectOperationsTotal,
		m.defectOperationDuration,
		m.searchOperationsTotal,
		m.searchOperationDuration,
		m.searchResultSizeHist,
		m.analyticsOperationsTotal,
		m.analyticsOperationDuration,
		m.dbSizeBytesGauge,
		m.dbTableRowCountGauge,
		m.backupOperationsTotal,
		m.backupDuration,
	}

	return nil
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordDbOperation counts one executed SQL statement
func (m *DatastoreMetrics) RecordDbOperation(operation, table, status string) {
	m.dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
}

// RecordDbOperationDuration records one SQL statement's latency
func (m *DatastoreMetrics) RecordDbOperationDuration(operation, table string, seconds float64) {
	m.dbOperationDuration.WithLabelValues(operation, table).Observe(seconds)
}

// RecordDefectOperation records a defect record operation
func (m *DatastoreMetrics) RecordDefectOperation(operation, status string) {
	m.defectOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDefectOperationDuration records the duration of a defect record operation
func (m *DatastoreMetrics) RecordDefectOperationDuration(operation string, seconds float64) {
	m.defectOperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordSearchOperation records a defect search
func (m *DatastoreMetrics) RecordSearchOperation(status string) {
	m.searchOperationsTotal.WithLabelValues(status).Inc()
}

// RecordSearchDuration records the duration of a defect search
func (m *DatastoreMetrics) RecordSearchDuration(seconds float64) {
	m.searchOperationDuration.Observe(seconds)
}

// RecordSearchResultSize records how many rows a search returned
func (m *DatastoreMetrics) RecordSearchResultSize(resultSize int) {
	m.searchResultSizeHist.Observe(float64(resultSize))
}

// RecordAnalyticsOperation records an analytics query
func (m *DatastoreMetrics) RecordAnalyticsOperation(analyticsType, status string) {
	m.analyticsOperationsTotal.WithLabelValues(analyticsType, status).Inc()
}

// RecordAnalyticsDuration records the duration of an analytics query
func (m *DatastoreMetrics) RecordAnalyticsDuration(analyticsType string, seconds float64) {
	m.analyticsOperationDuration.WithLabelValues(analyticsType).Observe(seconds)
}

// UpdateDatabaseSize updates the database size gauge
func (m *DatastoreMetrics) UpdateDatabaseSize(sizeBytes int64) {
	m.dbSizeBytesGauge.Set(float64(sizeBytes))
}

// UpdateTableRowCount updates the row count gauge for a table
func (m *DatastoreMetrics) UpdateTableRowCount(table string, rowCount int64) {
	m.dbTableRowCountGauge.WithLabelValues(table).Set(float64(rowCount))
}

// RecordBackupOperation records a backup attempt
func (m *DatastoreMetrics) RecordBackupOperation(status string) {
	m.backupOperationsTotal.WithLabelValues(status).Inc()
}

// RecordBackupDuration records how long a backup took
func (m *DatastoreMetrics) RecordBackupDuration(seconds float64) {
	m.backupDuration.Observe(seconds)
}
