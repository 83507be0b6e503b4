// Package observability provides Prometheus metrics for the aoitrack
// application. Sentry error telemetry lives in the telemetry package.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/factorylens/aoitrack/internal/observability/metrics"
)

// Metrics bundles the per-subsystem collector sets behind one private
// registry.
type Metrics struct {
	registry     *prometheus.Registry
	HTTP         *metrics.HTTPMetrics
	Ingest       *metrics.IngestMetrics
	Datastore    *metrics.DatastoreMetrics
	Fetch        *metrics.FetchMetrics
	MQTT         *metrics.MQTTMetrics
	Notification *metrics.NotificationMetrics
}

// NewMetrics builds a fresh registry with every subsystem's collectors
// registered on it. One failed registration fails the whole set.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	ingestMetrics, err := metrics.NewIngestMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest metrics: %w", err)
	}

	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	fetchMetrics, err := metrics.NewFetchMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	notificationMetrics, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}

	return &Metrics{
		registry:     registry,
		HTTP:         httpMetrics,
		Ingest:       ingestMetrics,
		Datastore:    datastoreMetrics,
		Fetch:        fetchMetrics,
		MQTT:         mqttMetrics,
		Notification: notificationMetrics,
	}, nil
}

// Handler returns an http.Handler serving the metrics in Prometheus
// exposition format. The web server mounts it at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Gatherer exposes the underlying registry so callers can read current
// metric values without going through the HTTP handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
