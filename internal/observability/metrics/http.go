// Package metrics provides HTTP API metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics contains Prometheus metrics for HTTP API operations
type HTTPMetrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Middleware metrics
	rateLimitedTotal  prometheus.Counter
	authFailuresTotal prometheus.Counter

	// Response cache metrics
	cacheOperationsTotal *prometheus.CounterVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewHTTPMetrics creates and registers new HTTP metrics
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *HTTPMetrics) initMetrics() error {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by method, route template and status",
		},
		[]string{"method", "path", "status_code"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request latency by method and route template",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size by method and route template",
			Buckets: prometheus.ExponentialBuckets(BucketStart100B, BucketFactor10, BucketCount6),
		},
		[]string{"method", "path"},
	)

	m.rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	})

	m.authFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_auth_failures_total",
		Help: "Total number of requests rejected by token authentication",
	})

	m.cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_response_cache_operations_total",
			Help: "Analytics response cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	m.collectors = []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpResponseSize,
		m.rateLimitedTotal,
		m.authFailuresTotal,
		m.cacheOperationsTotal,
	}

	return nil
}

// Describe implements the Collector interface
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordRequest records a completed HTTP request
func (m *HTTPMetrics) RecordRequest(method, path, statusCode string) {
	m.httpRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
}

// ObserveRequestDuration records how long a request took
func (m *HTTPMetrics) ObserveRequestDuration(method, path string, seconds float64) {
	m.httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// ObserveResponseSize records the response payload size
func (m *HTTPMetrics) ObserveResponseSize(method, path string, sizeBytes int64) {
	m.httpResponseSize.WithLabelValues(method, path).Observe(float64(sizeBytes))
}

// IncrementRateLimited counts a request rejected by the rate limiter
func (m *HTTPMetrics) IncrementRateLimited() {
	m.rateLimitedTotal.Inc()
}

// IncrementAuthFailure counts a request rejected by authentication
func (m *HTTPMetrics) IncrementAuthFailure() {
	m.authFailuresTotal.Inc()
}

// RecordCacheLookup records an analytics cache hit or miss
func (m *HTTPMetrics) RecordCacheLookup(result string) {
	m.cacheOperationsTotal.WithLabelValues(result).Inc()
}
