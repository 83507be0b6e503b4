// defaults.go default values for configuration
package conf

import (
	"github.com/spf13/viper"
)

// setDefaultConfig sets the default configuration values to viper.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main configuration
	viper.SetDefault("main.name", "aoitrack")
	viper.SetDefault("main.timeas24h", true)
	viper.SetDefault("main.timezone", "")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/aoitrack.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 10485760)
	viper.SetDefault("main.log.rotationday", "Sunday")

	// Output configuration
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "aoitrack.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "aoitrack")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "aoitrack")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	// Ingest configuration
	viper.SetDefault("ingest.directory", "exports/")
	viper.SetDefault("ingest.pattern", "*.csv")
	viper.SetDefault("ingest.delimiter", "auto")
	viper.SetDefault("ingest.charset", "")
	viper.SetDefault("ingest.workers", 4)
	viper.SetDefault("ingest.skiplimit", 50)
	viper.SetDefault("ingest.archive.enabled", false)
	viper.SetDefault("ingest.archive.directory", "archive/")
	viper.SetDefault("ingest.watch.enabled", true)
	viper.SetDefault("ingest.watch.interval", 30)
	viper.SetDefault("ingest.watch.jitter", 5)
	viper.SetDefault("ingest.watch.stabilitywindow", 10)

	// Fetch configuration
	viper.SetDefault("fetch.interval", 300)
	viper.SetDefault("fetch.sources", []map[string]interface{}{})

	// Web server configuration
	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.debug", false)
	viper.SetDefault("webserver.address", "")
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.tlscert", "")
	viper.SetDefault("webserver.tlskey", "")
	viper.SetDefault("webserver.authtoken", "")
	viper.SetDefault("webserver.allowedorigins", []string{})
	viper.SetDefault("webserver.cachettl", 30)
	viper.SetDefault("webserver.metrics", true)
	viper.SetDefault("webserver.ratelimit.enabled", false)
	viper.SetDefault("webserver.ratelimit.rps", 20)
	viper.SetDefault("webserver.ratelimit.burst", 40)
	viper.SetDefault("webserver.log.enabled", true)
	viper.SetDefault("webserver.log.path", "logs/web.log")
	viper.SetDefault("webserver.log.rotation", RotationDaily)
	viper.SetDefault("webserver.log.maxsize", 10485760)
	viper.SetDefault("webserver.log.rotationday", "Sunday")

	// Dashboard configuration
	viper.SetDefault("dashboard.toplimit", 20)
	viper.SetDefault("dashboard.dedupwindow", 1)
	viper.SetDefault("dashboard.matrixcomponents", 5)

	// MQTT configuration
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topicprefix", "aoitrack")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.retain", false)

	// Notification configuration
	viper.SetDefault("notification.enabled", false)
	viper.SetDefault("notification.notifyon.ingestfailed", true)
	viper.SetDefault("notification.notifyon.issueoverdue", false)
	viper.SetDefault("notification.providers", []map[string]interface{}{})

	// Telemetry configuration
	viper.SetDefault("telemetry.sentry.enabled", false)
	viper.SetDefault("telemetry.sentry.dsn", "")

	// Backup configuration
	viper.SetDefault("backup.directory", "backups/")
	viper.SetDefault("backup.keep", 7)
}
