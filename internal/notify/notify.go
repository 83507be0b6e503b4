// Package notify delivers operational alerts to external channels. Two
// provider kinds are supported: plain HTTP webhooks and shoutrrr service
// URLs. The dispatcher fans an event out to every enabled provider with a
// per-provider timeout so one slow or broken channel never delays the rest.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/errors"
	"github.com/factorylens/aoitrack/internal/logging"
	"github.com/factorylens/aoitrack/internal/observability/metrics"
)

// Event names carried in the webhook payload and used for notify-on gating.
const (
	EventIngestFailed = "ingest_failed"
	EventIssueOverdue = "issue_overdue"
)

// defaultSendTimeout bounds a provider send when the provider config does
// not set its own timeout.
const defaultSendTimeout = 30 * time.Second

// Event is one alert to deliver. Fields carries event-specific details and
// is serialized as-is into webhook payloads.
type Event struct {
	Event     string
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]any
}

// Provider delivers events to one external channel. Implementations must be
// safe for concurrent use.
type Provider interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, ev *Event) error
}

// registeredProvider pairs a provider with its configured send timeout.
type registeredProvider struct {
	prov    Provider
	timeout time.Duration
}

var (
	serviceLogger   *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
	loggerOnce      sync.Once
	loggerMutex     sync.RWMutex
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		var err error
		logFilePath := filepath.Join("logs", "notify.log")
		initialLevel := slog.LevelInfo
		serviceLevelVar.Set(initialLevel)

		loggerMutex.Lock()
		defer loggerMutex.Unlock()
		serviceLogger, closeLogger, err = logging.NewFileLogger(logFilePath, "notify", serviceLevelVar)
		if err != nil {
			descriptiveErr := errors.Newf("notify: failed to initialize file logger at %s: %w", logFilePath, err).
				Component("notify").
				Category(errors.CategoryFileIO).
				Context("log_path", logFilePath).
				Build()
			logging.Error("Failed to initialize notify file logger", "error", descriptiveErr)
			fbHandler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
			serviceLogger = slog.New(fbHandler).With("service", "notify")
			closeLogger = func() error { return nil }
		}
	})
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return serviceLogger
}

// CloseLogger releases the file handle used by the notify log.
func CloseLogger() error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}

// Dispatcher routes events to the configured providers. It implements
// ingest.FailureNotifier and runs the overdue issue sweep in serve mode.
type Dispatcher struct {
	settings  *conf.Settings
	providers []registeredProvider
	metrics   *metrics.NotificationMetrics
	log       *slog.Logger

	// lastOverdue tracks the day each issue was last notified about so
	// the sweep alerts once per issue per day.
	mu          sync.Mutex
	lastOverdue map[uint]string
}

// New builds a dispatcher from the notification settings. Providers with an
// invalid configuration are logged and skipped rather than failing startup;
// a disabled notification section yields a dispatcher with no providers.
func New(settings *conf.Settings) (*Dispatcher, error) {
	if settings == nil {
		return nil, errors.Newf("notify: settings are required").
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}

	d := &Dispatcher{
		settings:    settings,
		log:         getLogger(),
		lastOverdue: make(map[uint]string),
	}

	if !settings.Notification.Enabled {
		return d, nil
	}

	for i := range settings.Notification.Providers {
		pc := &settings.Notification.Providers[i]
		if !pc.Enabled {
			continue
		}

		var (
			prov Provider
			err  error
		)
		switch strings.ToLower(pc.Type) {
		case "webhook":
			prov, err = NewWebhook(pc)
		case "shoutrrr":
			prov, err = NewShoutrrr(pc)
		default:
			err = fmt.Errorf("unknown provider type %q", pc.Type)
		}
		if err != nil {
			d.log.Error("Skipping notification provider with invalid configuration",
				"name", pc.Name, "type", pc.Type, "error", err)
			continue
		}

		d.providers = append(d.providers, registeredProvider{
			prov:    prov,
			timeout: parseTimeout(pc.Timeout),
		})
	}

	d.log.Info("Notification dispatcher ready", "providers", len(d.providers))
	return d, nil
}

// parseTimeout converts the configured duration string, falling back to the
// default when empty or unparseable. Validation already rejects bad values,
// so the fallback only matters for programmatic construction.
func parseTimeout(s string) time.Duration {
	if s == "" {
		return defaultSendTimeout
	}
	t, err := time.ParseDuration(s)
	if err != nil || t <= 0 {
		return defaultSendTimeout
	}
	return t
}

// SetMetrics attaches notification delivery metrics. Safe to leave unset in
// one-shot CLI runs.
func (d *Dispatcher) SetMetrics(m *metrics.NotificationMetrics) {
	d.metrics = m
	if m != nil {
		m.UpdateProvidersConfigured(len(d.providers))
	}
}

// Providers returns the number of active providers.
func (d *Dispatcher) Providers() int {
	return len(d.providers)
}

// Dispatch sends the event to every enabled provider and waits for all
// sends to finish. Each provider runs in its own goroutine under its own
// timeout; a failing provider is logged and counted but never stops the
// others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) {
	if len(d.providers) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var wg sync.WaitGroup
	for i := range d.providers {
		rp := d.providers[i]
		if !rp.prov.Enabled() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sendOne(ctx, rp, ev)
		}()
	}
	wg.Wait()
}

// sendOne delivers the event through a single provider and records the
// outcome.
func (d *Dispatcher) sendOne(ctx context.Context, rp registeredProvider, ev *Event) {
	sendCtx, cancel := context.WithTimeout(ctx, rp.timeout)
	defer cancel()

	start := time.Now()
	err := rp.prov.Send(sendCtx, ev)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.ObserveSendDuration(rp.prov.Name(), elapsed.Seconds())
	}

	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordNotificationSent(rp.prov.Name(), "error")
		}
		enhancedErr := errors.New(err).
			Component("notify").
			Category(errors.CategoryNotification).
			Context("provider", rp.prov.Name()).
			Context("event", ev.Event).
			Build()
		d.log.Error("Notification delivery failed",
			"provider", rp.prov.Name(), "event", ev.Event,
			"duration_ms", elapsed.Milliseconds(), "error", enhancedErr)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordNotificationSent(rp.prov.Name(), "success")
	}
	d.log.Debug("Notification delivered",
		"provider", rp.prov.Name(), "event", ev.Event,
		"duration_ms", elapsed.Milliseconds())
}

// IngestFailed reports a failed ingestion run. It satisfies the ingest
// package's FailureNotifier and respects the notifyon.ingestfailed switch.
func (d *Dispatcher) IngestFailed(ctx context.Context, fileName, reason string) {
	if !d.settings.Notification.Enabled || !d.settings.Notification.NotifyOn.IngestFailed {
		return
	}
	d.Dispatch(ctx, &Event{
		Event:     EventIngestFailed,
		Title:     "Ingestion run failed",
		Message:   fmt.Sprintf("Ingestion of %s failed: %s", fileName, reason),
		Timestamp: time.Now(),
		Fields: map[string]any{
			"file":   fileName,
			"reason": reason,
		},
	})
}
