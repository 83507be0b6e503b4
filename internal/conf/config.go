// config.go: settings struct and functions to load and save the aoitrack configuration.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFiles embed.FS

// SQLiteSettings contains settings for the SQLite store.
type SQLiteSettings struct {
	Enabled bool   // true to enable sqlite output
	Path    string // path to sqlite database
}

// MySQLSettings contains settings for the MySQL store.
type MySQLSettings struct {
	Enabled  bool   // true to enable mysql output
	Username string // username for mysql database
	Password string // password for mysql database
	Database string // database name for mysql database
	Host     string // host for mysql database
	Port     string // port for mysql database
}

// ArchiveSettings controls what happens to export files after ingestion.
type ArchiveSettings struct {
	Enabled   bool   // true to move ingested files out of the drop directory
	Directory string // archive directory, relative paths resolve under the drop directory
}

// WatchSettings controls drop-directory polling.
type WatchSettings struct {
	Enabled         bool // true to watch the drop directory in serve mode
	Interval        int  // seconds between directory scans
	Jitter          int  // extra random seconds added to each interval
	StabilityWindow int  // seconds a file's size must stay unchanged before pickup
}

// IngestSettings contains settings for the export file ingestion pipeline.
type IngestSettings struct {
	Directory string          // drop directory for machine export files
	Pattern   string          // filename glob matched within the drop directory
	Delimiter string          // "auto" or an explicit delimiter: "," ";" "tab"
	Charset   string          // charset for files without a BOM, e.g. "windows-1252"; empty means UTF-8
	Workers   int             // worker pool size for multi-file ingestion
	SkipLimit int             // invalid rows tolerated per file before the file fails
	Archive   ArchiveSettings // post-ingest archiving
	Watch     WatchSettings   // watch mode settings
}

// RemoteSource describes one machine share to pull export files from.
type RemoteSource struct {
	Name        string // source label used in logs and run records
	Protocol    string // "ftp" or "sftp"
	Host        string
	Port        int
	Username    string
	Password    string
	KeyFile     string // sftp private key path, used instead of password when set
	Path        string // remote directory holding export files
	Pattern     string // filename glob on the remote side
	Timeout     string // dial timeout as a duration string, e.g. "30s"
	DeleteAfter bool   // true to delete remote files after successful download
}

// FetchSettings contains settings for pulling exports from machine shares.
type FetchSettings struct {
	Sources  []RemoteSource // remote sources to poll
	Interval int            // seconds between passes in loop mode
}

// RateLimitSettings throttles API requests.
type RateLimitSettings struct {
	Enabled bool
	RPS     float64 // sustained requests per second per client
	Burst   int
}

// WebServerSettings contains settings for the HTTP API server.
type WebServerSettings struct {
	Debug          bool              // true to enable debug mode
	Enabled        bool              // true to enable web server
	Address        string            // bind address, empty binds all interfaces
	Port           string            // port for web server
	TLSCert        string            // path to TLS certificate, empty for plain HTTP
	TLSKey         string            // path to TLS key
	AuthToken      string            // bearer token required on mutating routes, empty disables auth
	AllowedOrigins []string          // CORS origins, empty allows all
	CacheTTL       int               // analytics response cache TTL in seconds
	Metrics        bool              // true to expose /metrics
	RateLimit      RateLimitSettings // request rate limiting
	Log            LogConfig         // logging configuration for web server
}

// DashboardSettings tunes the dashboard aggregation queries.
type DashboardSettings struct {
	TopLimit         int // number of entries in top-ref and top-component charts
	DedupWindow      int // minute bucket width for pin-level dedup of repeated calls
	MatrixComponents int // number of components included in the defect matrix
}

// MQTTSettings contains settings for factory message bus integration.
type MQTTSettings struct {
	Enabled     bool   // true to enable MQTT
	Broker      string // MQTT broker (tcp://host:port)
	TopicPrefix string // topic prefix for published messages
	Username    string // MQTT username
	Password    string // MQTT password
	Retain      bool   // true to retain summary messages at the broker
}

// PushProviderConfig configures one notification provider.
type PushProviderConfig struct {
	Name      string   // provider label used in logs
	Type      string   // "webhook" or "shoutrrr"
	Enabled   bool
	URLs      []string // webhook endpoints or shoutrrr service URLs
	Timeout   string   // per-send timeout as a duration string
	AuthToken string   // bearer token for webhook endpoints
}

// NotifyOnSettings selects which events trigger notifications.
type NotifyOnSettings struct {
	IngestFailed bool // notify when an ingestion run fails
	IssueOverdue bool // notify when an open issue passes its due date
}

// NotificationSettings contains settings for push notifications.
type NotificationSettings struct {
	Enabled   bool
	NotifyOn  NotifyOnSettings
	Providers []PushProviderConfig
}

// SentrySettings contains settings for error telemetry.
type SentrySettings struct {
	Enabled bool   // true to enable Sentry error reporting, opt-in
	DSN     string // Sentry DSN
}

// TelemetrySettings groups external telemetry integrations.
type TelemetrySettings struct {
	Sentry SentrySettings
}

// BackupSettings contains settings for database snapshots.
type BackupSettings struct {
	Directory string // directory where snapshots are written
	Keep      int    // number of snapshots to keep, oldest pruned first
}

// Settings contains all configuration options for the aoitrack application.
type Settings struct {
	Debug bool // true to enable debug mode

	// Stamped at build time, never read from the file
	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`

	Main struct {
		Name      string    // name of this aoitrack node, identifies the line/cell in published data
		TimeAs24h bool      // true 24-hour time format, false 12-hour time format
		Timezone  string    // IANA timezone for date bucketing, empty uses system local
		Log       LogConfig // logging configuration
	}

	Output struct {
		SQLite SQLiteSettings
		MySQL  MySQLSettings
	}

	Ingest       IngestSettings       // export file ingestion
	Fetch        FetchSettings        // remote share polling
	WebServer    WebServerSettings    // HTTP API server
	Dashboard    DashboardSettings    // dashboard aggregation tuning
	MQTT         MQTTSettings         // factory bus publishing
	Notification NotificationSettings // push notifications
	Telemetry    TelemetrySettings    // external telemetry
	Backup       BackupSettings       // database snapshots
}

// LogConfig is the per-log-file rotation configuration shared by every
// service log.
type LogConfig struct {
	Enabled     bool         // true to enable this log
	Path        string       // Path to the log file
	Rotation    RotationType // Type of log rotation
	MaxSize     int64        // Max size in bytes for RotationSize
	RotationDay string       // Day of the week for RotationWeekly (as a string: "Sunday", "Monday", etc.)
}

// RotationType selects how a log file rotates.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// Settings singleton, guarded by settingsMutex
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// configFileOverride holds an explicit config file path set before Load.
var configFileOverride string

// SetConfigFile makes Load read the given file instead of searching the
// default config paths. Must be called before the first Load.
func SetConfigFile(path string) {
	configFileOverride = path
}

// Load reads the configuration file and environment variables into Settings.
// Validation failures reject the whole file, a half-valid config never
// becomes the live instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper points viper at the search paths, installs the defaults and
// reads the file, creating one when none exists yet.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configFileOverride != "" {
		viper.SetConfigFile(configFileOverride)
	} else {
		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return fmt.Errorf("error getting default config paths: %w", err)
		}
		for _, path := range configPaths {
			viper.AddConfigPath(path)
		}
	}

	// Environment variables override file values, AOITRACK_INGEST_DIRECTORY etc.
	viper.SetEnvPrefix("aoitrack")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig materializes the embedded default config at the first
// search path and loads it.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig returns the embedded config.yaml template.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the loaded settings, nil before the first Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveSettings writes the live settings back to the config file through the
// atomic YAML writer.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	// Work on a copy so the live instance is not written mid-mutation
	settingsCopy := *settingsInstance

	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	log.Printf("Settings saved successfully to %s", configPath)
	return nil
}

// Setting returns the settings singleton, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig rewrites the config file from the settings struct. The
// write goes through a temp file in the same directory so readers never see
// a partial file. Hand-written comments in the file do not survive.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	// Rename is atomic within one filesystem, cross-device setups fall
	// back to copy and delete
	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}
