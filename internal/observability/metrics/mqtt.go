// Package metrics provides factory bus publisher metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains Prometheus metrics for the factory bus connection and
// the run summary publisher
type MQTTMetrics struct {
	registry *prometheus.Registry

	connectionStatus  prometheus.Gauge
	lastConnectTime   prometheus.Gauge
	messagesDelivered *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	messageSize       prometheus.Histogram
	publishLatency    prometheus.Histogram

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewMQTTMetrics creates and registers new factory bus metrics
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *MQTTMetrics) initMetrics() error {
	m.connectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connection_status",
		Help: "Factory bus connection status (1 connected, 0 disconnected)",
	})

	m.lastConnectTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_last_connect_time_seconds",
		Help: "Timestamp of the last successful broker connection",
	})

	m.messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_delivered_total",
			Help: "Messages delivered to the broker per topic",
		},
		[]string{"topic"}, // bounded: run and summary topics under one prefix
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_errors_total",
			Help: "Factory bus errors per operation",
		},
		[]string{"operation"}, // connect, publish, reconnect
	)

	m.reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnect_attempts_total",
		Help: "Reconnection attempts after a lost broker connection",
	})

	m.messageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_message_size_bytes",
		Help:    "Size of published payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(64, BucketFactor2, BucketCount10),
	})

	m.publishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_publish_latency_seconds",
		Help:    "Latency of publish operations including broker acknowledgement",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	})

	m.collectors = []prometheus.Collector{
		m.connectionStatus,
		m.lastConnectTime,
		m.messagesDelivered,
		m.errorsTotal,
		m.reconnectAttempts,
		m.messageSize,
		m.publishLatency,
	}

	return nil
}

// Describe implements the Collector interface
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// UpdateConnectionStatus records a connection state change. A successful
// connection also refreshes the last connect timestamp
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
		m.lastConnectTime.SetToCurrentTime()
	} else {
		m.connectionStatus.Set(0)
	}
}

// RecordMessageDelivered counts a successfully delivered message
func (m *MQTTMetrics) RecordMessageDelivered(topic string) {
	m.messagesDelivered.WithLabelValues(topic).Inc()
}

// RecordError counts a failed bus operation
func (m *MQTTMetrics) RecordError(operation string) {
	m.errorsTotal.WithLabelValues(operation).Inc()
}

// IncrementReconnectAttempts counts one reconnection attempt
func (m *MQTTMetrics) IncrementReconnectAttempts() {
	m.reconnectAttempts.Inc()
}

// ObserveMessageSize records the size of a published payload
func (m *MQTTMetrics) ObserveMessageSize(sizeBytes float64) {
	m.messageSize.Observe(sizeBytes)
}

// StartPublishTimer returns a timer that records publish latency when its
// ObserveDuration is called
func (m *MQTTMetrics) StartPublishTimer() *prometheus.Timer {
	return prometheus.NewTimer(m.publishLatency)
}
