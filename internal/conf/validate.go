// validate.go configuration settings validation
package conf

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError collects every section failure so a broken config is
// reported in one pass.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings runs every section check and returns the collected
// failures as one ValidationError.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateMainSettings(settings); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateOutputSettings(settings); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateIngestSettings(&settings.Ingest); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateFetchSettings(&settings.Fetch); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateWebServerSettings(&settings.WebServer); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateDashboardSettings(&settings.Dashboard); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateMQTTSettings(&settings.MQTT); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateNotificationSettings(&settings.Notification); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateTelemetrySettings(&settings.Telemetry); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateBackupSettings(&settings.Backup); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateMainSettings checks the main section, primarily log rotation.
func validateMainSettings(settings *Settings) error {
	if err := validateLogConfig(&settings.Main.Log, "main.log"); err != nil {
		return err
	}
	if settings.Main.Timezone != "" {
		if _, err := time.LoadLocation(settings.Main.Timezone); err != nil {
			return fmt.Errorf("main.timezone: unknown timezone %q", settings.Main.Timezone)
		}
	}
	return nil
}

// validateLogConfig checks rotation settings shared by all log configs.
func validateLogConfig(lc *LogConfig, section string) error {
	if !lc.Enabled {
		return nil
	}
	switch lc.Rotation {
	case RotationDaily:
		// no extra settings
	case RotationWeekly:
		switch lc.RotationDay {
		case "Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday":
		default:
			return fmt.Errorf("%s.rotationday: invalid day of week %q", section, lc.RotationDay)
		}
	case RotationSize:
		if lc.MaxSize <= 0 {
			return fmt.Errorf("%s.maxsize: must be positive for size based rotation", section)
		}
	default:
		return fmt.Errorf("%s.rotation: invalid rotation type %q", section, lc.Rotation)
	}
	return nil
}

// validateOutputSettings checks that exactly one database output is usable.
func validateOutputSettings(settings *Settings) error {
	sqlite := &settings.Output.SQLite
	mysql := &settings.Output.MySQL

	if !sqlite.Enabled && !mysql.Enabled {
		return fmt.Errorf("output: at least one of output.sqlite or output.mysql must be enabled")
	}
	if sqlite.Enabled && mysql.Enabled {
		return fmt.Errorf("output: only one of output.sqlite and output.mysql may be enabled")
	}
	if sqlite.Enabled && sqlite.Path == "" {
		return fmt.Errorf("output.sqlite.path: cannot be empty when sqlite output is enabled")
	}
	if mysql.Enabled {
		if mysql.Host == "" || mysql.Database == "" {
			return fmt.Errorf("output.mysql: host and database are required when mysql output is enabled")
		}
		if _, err := strconv.Atoi(mysql.Port); err != nil {
			return fmt.Errorf("output.mysql.port: invalid port %q", mysql.Port)
		}
	}
	return nil
}

// validateIngestSettings checks the file ingestion section.
func validateIngestSettings(ingest *IngestSettings) error {
	if ingest.Directory == "" {
		return fmt.Errorf("ingest.directory: cannot be empty")
	}
	switch ingest.Delimiter {
	case "auto", ",", ";", "tab", "\t":
	default:
		return fmt.Errorf("ingest.delimiter: must be one of auto, \",\", \";\", tab")
	}
	switch ingest.Charset {
	case "", "utf-8", "utf8", "windows-1252", "latin1", "iso-8859-1":
	default:
		return fmt.Errorf("ingest.charset: unsupported charset %q", ingest.Charset)
	}
	if ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers: must be at least 1")
	}
	if ingest.SkipLimit < 0 {
		return fmt.Errorf("ingest.skiplimit: cannot be negative")
	}
	if ingest.Watch.Interval < 1 {
		return fmt.Errorf("ingest.watch.interval: must be at least 1 second")
	}
	if ingest.Watch.Jitter < 0 {
		return fmt.Errorf("ingest.watch.jitter: cannot be negative")
	}
	if ingest.Watch.StabilityWindow < 0 {
		return fmt.Errorf("ingest.watch.stabilitywindow: cannot be negative")
	}
	return nil
}

// validateFetchSettings checks each configured remote source.
func validateFetchSettings(fetch *FetchSettings) error {
	if fetch.Interval < 1 {
		return fmt.Errorf("fetch.interval: must be at least 1 second")
	}
	for i := range fetch.Sources {
		src := &fetch.Sources[i]
		label := src.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		switch src.Protocol {
		case "ftp", "sftp":
		default:
			return fmt.Errorf("fetch.sources[%s].protocol: must be ftp or sftp", label)
		}
		if src.Host == "" {
			return fmt.Errorf("fetch.sources[%s].host: cannot be empty", label)
		}
		if src.Port < 0 || src.Port > 65535 {
			return fmt.Errorf("fetch.sources[%s].port: invalid port %d", label, src.Port)
		}
		if src.Path == "" {
			return fmt.Errorf("fetch.sources[%s].path: cannot be empty", label)
		}
		if src.Timeout != "" {
			if _, err := time.ParseDuration(src.Timeout); err != nil {
				return fmt.Errorf("fetch.sources[%s].timeout: invalid duration %q", label, src.Timeout)
			}
		}
	}
	return nil
}

// validateWebServerSettings checks the web server section.
func validateWebServerSettings(ws *WebServerSettings) error {
	if !ws.Enabled {
		return nil
	}
	port, err := strconv.Atoi(ws.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("webserver.port: invalid port %q", ws.Port)
	}
	if (ws.TLSCert == "") != (ws.TLSKey == "") {
		return fmt.Errorf("webserver: tlscert and tlskey must be set together")
	}
	if ws.CacheTTL < 0 {
		return fmt.Errorf("webserver.cachettl: cannot be negative")
	}
	if ws.RateLimit.Enabled {
		if ws.RateLimit.RPS <= 0 {
			return fmt.Errorf("webserver.ratelimit.rps: must be positive")
		}
		if ws.RateLimit.Burst < 1 {
			return fmt.Errorf("webserver.ratelimit.burst: must be at least 1")
		}
	}
	return validateLogConfig(&ws.Log, "webserver.log")
}

// validateDashboardSettings checks the dashboard aggregation tuning.
func validateDashboardSettings(d *DashboardSettings) error {
	if d.TopLimit < 1 {
		return fmt.Errorf("dashboard.toplimit: must be at least 1")
	}
	if d.DedupWindow < 1 {
		return fmt.Errorf("dashboard.dedupwindow: must be at least 1 minute")
	}
	if d.MatrixComponents < 1 {
		return fmt.Errorf("dashboard.matrixcomponents: must be at least 1")
	}
	return nil
}

// validateMQTTSettings checks the factory bus section.
func validateMQTTSettings(m *MQTTSettings) error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("mqtt.broker: cannot be empty when mqtt is enabled")
	}
	u, err := url.Parse(m.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: invalid broker URL %q", m.Broker)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme)
	}
	return nil
}

// validateNotificationSettings checks each configured provider.
func validateNotificationSettings(n *NotificationSettings) error {
	if !n.Enabled {
		return nil
	}
	for i := range n.Providers {
		p := &n.Providers[i]
		if !p.Enabled {
			continue
		}
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		switch p.Type {
		case "webhook", "shoutrrr":
		default:
			return fmt.Errorf("notification.providers[%s].type: must be webhook or shoutrrr", label)
		}
		if len(p.URLs) == 0 {
			return fmt.Errorf("notification.providers[%s].urls: cannot be empty", label)
		}
		if p.Timeout != "" {
			if _, err := time.ParseDuration(p.Timeout); err != nil {
				return fmt.Errorf("notification.providers[%s].timeout: invalid duration %q", label, p.Timeout)
			}
		}
	}
	return nil
}

// validateTelemetrySettings checks the telemetry section.
func validateTelemetrySettings(t *TelemetrySettings) error {
	if t.Sentry.Enabled && t.Sentry.DSN == "" {
		return fmt.Errorf("telemetry.sentry.dsn: cannot be empty when sentry is enabled")
	}
	return nil
}

// validateBackupSettings checks the snapshot section.
func validateBackupSettings(b *BackupSettings) error {
	if b.Directory == "" {
		return fmt.Errorf("backup.directory: cannot be empty")
	}
	if b.Keep < 1 {
		return fmt.Errorf("backup.keep: must be at least 1")
	}
	return nil
}
