package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	backupVacuumRetries   = 3               // Number of retries for locked database
	backupVacuumRetryWait = 2 * time.Second // Wait between retries
)

// SQLiteStore is the store variant backed by a local SQLite file.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

func validateSQLiteConfig(settings *conf.Settings) error {
	if settings.Output.SQLite.Path == "" {
		return fmt.Errorf("SQLite database path is empty")
	}
	return nil
}

// Open opens the SQLite file and migrates the schema.
func (store *SQLiteStore) Open() error {
	if err := validateSQLiteConfig(store.Settings); err != nil {
		return err
	}

	dir, fileName := filepath.Split(store.Settings.Output.SQLite.Path)
	basePath := conf.GetBasePath(dir)
	absoluteFilePath := filepath.Join(basePath, fileName)

	gormLogger := NewGormLogger(DefaultSlowQueryThreshold, logger.Warn, store.getMetrics())

	db, err := gorm.Open(sqlite.Open(absoluteFilePath), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %v", err)
	}

	store.DB = db
	if err := performAutoMigration(db, store.Settings.Debug, "SQLite", absoluteFilePath); err != nil {
		return err
	}

	store.updateSizeMetric(absoluteFilePath)
	return nil
}

// Close shuts down the underlying connection pool.
func (store *SQLiteStore) Close() error {
	if store.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		getLogger().Error("Failed to retrieve generic DB object", "error", err)
		return err
	}

	if err := sqlDB.Close(); err != nil {
		getLogger().Error("Failed to close SQLite database", "error", err)
		return err
	}

	return nil
}

// Backup produces a timestamped snapshot of the SQLite database in dir and
// prunes older snapshots down to keep files. Returns the snapshot path.
func (store *SQLiteStore) Backup(dir string, keep int) (string, error) {
	start := time.Now()
	backupPath, err := store.runBackup(dir, keep)
	if m := store.getMetrics(); m != nil {
		m.RecordBackupOperation(metricsStatus(err))
		m.RecordBackupDuration(time.Since(start).Seconds())
	}
	return backupPath, err
}

func (store *SQLiteStore) runBackup(dir string, keep int) (string, error) {
	if store.DB == nil {
		return "", fmt.Errorf("database connection is not initialized")
	}

	basePath := conf.GetBasePath(dir)
	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(basePath, fmt.Sprintf("aoitrack_%s.db", timestamp))

	if err := store.checkBackupSpace(basePath); err != nil {
		return "", err
	}

	// VACUUM INTO produces a consistent snapshot without holding the write
	// lock for the whole copy. SQLite rejects it if the target exists.
	vacuumSQL := fmt.Sprintf("VACUUM INTO '%s'", backupPath)
	var lastErr error

	// A locked database gets a few retries before the backup fails
	for attempt := 1; attempt <= backupVacuumRetries; attempt++ {
		getLogger().Info("Backup VACUUM INTO starting",
			"attempt", attempt,
			"backup_path", backupPath)

		lastErr = store.DB.Exec(vacuumSQL).Error
		if lastErr == nil {
			break
		}

		if !isLockError(lastErr) {
			break // Non-recoverable error
		}

		getLogger().Warn("Backup VACUUM INTO database locked, retrying",
			"attempt", attempt,
			"error", lastErr)

		time.Sleep(backupVacuumRetryWait)
	}

	if lastErr != nil {
		return "", fmt.Errorf("backup failed: %w", lastErr)
	}

	if info, err := os.Stat(backupPath); err == nil {
		getLogger().Info("Backup completed",
			"backup_path", backupPath,
			"bytes_written", info.Size())
	}

	if err := pruneBackups(basePath, keep); err != nil {
		getLogger().Warn("Failed to prune old backups", "error", err)
	}

	store.updateSizeMetric(store.Settings.Output.SQLite.Path)
	return backupPath, nil
}

// isLockError reports whether err is a SQLite busy/locked condition worth
// retrying. GORM sometimes wraps the driver error in plain text, so the
// string check stays as a fallback.
func isLockError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "locked")
}

// checkBackupSpace verifies the target filesystem can hold a full copy of
// the database before VACUUM INTO starts writing one.
func (store *SQLiteStore) checkBackupSpace(dir string) error {
	dbInfo, err := os.Stat(store.Settings.Output.SQLite.Path)
	if err != nil {
		// A missing stat never blocks the backup, VACUUM INTO will
		// report its own errors.
		return nil
	}

	free, err := freeDiskBytes(dir)
	if err != nil {
		getLogger().Warn("Could not determine free disk space for backup", "dir", dir, "error", err)
		return nil
	}

	required := uint64(dbInfo.Size())
	if free < required {
		return fmt.Errorf("insufficient disk space for backup: %d bytes free in %s, need %d", free, dir, required)
	}
	return nil
}

// pruneBackups removes the oldest snapshots so that at most keep remain.
func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "aoitrack_*.db"))
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}
	if len(matches) <= keep {
		return nil
	}

	// Timestamped names sort chronologically
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-keep] {
		if err := os.Remove(stale); err != nil {
			return fmt.Errorf("removing stale backup %s: %w", stale, err)
		}
		getLogger().Info("Pruned old backup", "path", stale)
	}
	return nil
}

// updateSizeMetric refreshes the database size gauge from the file size.
func (store *SQLiteStore) updateSizeMetric(dbPath string) {
	m := store.getMetrics()
	if m == nil {
		return
	}
	if info, err := os.Stat(dbPath); err == nil {
		m.UpdateDatabaseSize(info.Size())
	}
}
