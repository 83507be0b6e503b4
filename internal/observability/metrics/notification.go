// Package metrics provides notification delivery metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics contains Prometheus metrics for notification delivery
type NotificationMetrics struct {
	registry *prometheus.Registry

	notificationsSentTotal   *prometheus.CounterVec
	notificationSendDuration *prometheus.HistogramVec
	providersConfiguredGauge prometheus.Gauge

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewNotificationMetrics creates and registers new notification metrics
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *NotificationMetrics) initMetrics() error {
	m.notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_sent_total",
			Help: "Total number of notifications sent per provider",
		},
		[]string{"provider", "status"}, // status: success, error
	)

	m.notificationSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_send_duration_seconds",
			Help:    "Time taken to deliver a notification",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
		[]string{"provider"},
	)

	m.providersConfiguredGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notification_providers_configured",
		Help: "Number of enabled notification providers",
	})

	m.collectors = []prometheus.Collector{
		m.notificationsSentTotal,
		m.notificationSendDuration,
		m.providersConfiguredGauge,
	}

	return nil
}

// Describe implements the Collector interface
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordNotificationSent records a notification delivery attempt
func (m *NotificationMetrics) RecordNotificationSent(provider, status string) {
	m.notificationsSentTotal.WithLabelValues(provider, status).Inc()
}

// ObserveSendDuration records how long a delivery took
func (m *NotificationMetrics) ObserveSendDuration(provider string, seconds float64) {
	m.notificationSendDuration.WithLabelValues(provider).Observe(seconds)
}

// UpdateProvidersConfigured sets the number of enabled providers
func (m *NotificationMetrics) UpdateProvidersConfigured(n int) {
	m.providersConfiguredGauge.Set(float64(n))
}
