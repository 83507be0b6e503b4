// Package telemetry wires optional Sentry error reporting into the errors
// package. Reporting is strictly opt-in: nothing is initialized unless the
// operator enables it and provides a DSN. Events are scrubbed before they
// leave the process so file system layout and credentials stay local.
package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/factorylens/aoitrack/internal/buildinfo"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/errors"
	"github.com/factorylens/aoitrack/internal/logging"
)

// flushTimeout bounds the shutdown flush so a dead network never delays
// process exit.
const flushTimeout = 2 * time.Second

var enabled bool

func getLogger() *slog.Logger {
	logger := logging.ForService("telemetry")
	if logger == nil {
		logger = slog.Default().With("service", "telemetry")
	}
	return logger
}

// Init configures Sentry from the telemetry settings and installs the
// reporter hook used by the errors package. With telemetry disabled it
// still installs a disabled reporter and the privacy scrubber, so error
// construction behaves identically either way.
func Init(settings *conf.Settings) error {
	log := getLogger()

	errors.SetPrivacyScrubber(ScrubMessage)
	errors.SetTelemetryReporter(errors.NewSentryReporter(settings.Telemetry.Sentry.Enabled))

	if !settings.Telemetry.Sentry.Enabled {
		log.Info("Error telemetry is disabled (opt-in)")
		return nil
	}
	if settings.Telemetry.Sentry.DSN == "" {
		return errors.Newf("telemetry: sentry is enabled but no DSN is configured").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:        settings.Telemetry.Sentry.DSN,
		SampleRate: 1.0,
		Debug:      false,

		// No stack traces and no server name: events must not describe
		// the host beyond what the error itself carries.
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",

		Release: fmt.Sprintf("aoitrack@%s", buildinfo.Version),

		BeforeSend: scrubEvent,
	})
	if err != nil {
		return errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetContext("application", map[string]any{
			"name":    "aoitrack",
			"version": buildinfo.Version,
			"commit":  buildinfo.Commit,
		})
	})

	enabled = true
	log.Info("Error telemetry initialized", "release", buildinfo.Version)
	return nil
}

// Enabled reports whether Sentry was initialized in this process.
func Enabled() bool {
	return enabled
}

// Flush drains buffered events before shutdown. A no-op when telemetry
// never initialized.
func Flush() {
	if !enabled {
		return
	}
	sentry.Flush(flushTimeout)
}
