package datastore

import (
	"fmt"

	"github.com/factorylens/aoitrack/internal/conf"

	driver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLStore is the store variant backed by a MySQL server.
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

func validateMySQLConfig(settings *conf.Settings) error {
	mysqlCfg := settings.Output.MySQL
	if mysqlCfg.Host == "" {
		return fmt.Errorf("MySQL host is empty")
	}
	if mysqlCfg.Database == "" {
		return fmt.Errorf("MySQL database name is empty")
	}
	return nil
}

// Open connects to the MySQL server and migrates the schema.
func (store *MySQLStore) Open() error {
	if err := validateMySQLConfig(store.Settings); err != nil {
		return err
	}

	// mysql.Config escapes credentials properly, a hand-built DSN breaks on
	// passwords containing '@' or '/'
	cfg := driver.Config{
		User:   store.Settings.Output.MySQL.Username,
		Passwd: store.Settings.Output.MySQL.Password,
		Net:    "tcp",
		Addr:   fmt.Sprintf("%s:%s", store.Settings.Output.MySQL.Host, store.Settings.Output.MySQL.Port),
		DBName: store.Settings.Output.MySQL.Database,
		Params: map[string]string{
			"charset":   "utf8mb4",
			"parseTime": "True",
			"loc":       "Local",
		},
	}
	dsn := cfg.FormatDSN()

	gormLogger := NewGormLogger(DefaultSlowQueryThreshold, logger.Warn, store.getMetrics())
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		getLogger().Error("Failed to open MySQL database",
			"host", store.Settings.Output.MySQL.Host,
			"port", store.Settings.Output.MySQL.Port,
			"database", store.Settings.Output.MySQL.Database,
			"error", err)
		return fmt.Errorf("failed to open MySQL database: %w", err)
	}

	store.DB = db
	// The DSN carries credentials, log only host and database on success
	connInfo := fmt.Sprintf("%s/%s", store.Settings.Output.MySQL.Host, store.Settings.Output.MySQL.Database)
	return performAutoMigration(db, store.Settings.Debug, "MySQL", connInfo)
}

// Close shuts down the underlying connection pool.
func (store *MySQLStore) Close() error {
	if store.DB == nil {
		getLogger().Error("Database connection is not initialized")
		return fmt.Errorf("database connection is not initialized")
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		getLogger().Error("Failed to retrieve generic DB object", "error", err)
		return err
	}

	if err := sqlDB.Close(); err != nil {
		getLogger().Error("Failed to close MySQL database", "error", err)
		return err
	}

	if store.Settings.Debug {
		getLogger().Debug("MySQL database connection closed successfully")
	}
	return nil
}

// Backup is not implemented for MySQL, snapshotting a remote server is the
// job of mysqldump or the hosting platform.
func (store *MySQLStore) Backup(dir string, keep int) (string, error) {
	if m := store.getMetrics(); m != nil {
		m.RecordBackupOperation("error")
	}
	return "", fmt.Errorf("backup only available for SQLite databases")
}
