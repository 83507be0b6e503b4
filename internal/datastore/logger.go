// GORM logger adapter that routes query logs to the datastore service log
// and feeds the per-operation metrics.
package datastore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/factorylens/aoitrack/internal/errors"
	"github.com/factorylens/aoitrack/internal/logging"
)

// DefaultSlowQueryThreshold is where the GORM logger starts warning about
// query duration. Ingest upsert batches routinely run for several hundred
// milliseconds, so the threshold sits above that to keep the log focused on
// real outliers.
const DefaultSlowQueryThreshold = 1 * time.Second

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
		logFilePath := filepath.Join("logs", "datastore.log")
		initialLevel := slog.LevelInfo
		serviceLevelVar.Set(initialLevel)

		loggerMutex.Lock()
		defer loggerMutex.Unlock()
		serviceLogger, closeLogger, err = logging.NewFileLogger(logFilePath, "datastore", serviceLevelVar)
		if err != nil {
			descriptiveErr := errors.Newf("datastore: failed to initialize file logger at %s: %w", logFilePath, err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("log_path", logFilePath).
				Build()
			logging.Error("Failed to initialize datastore file logger", "error", descriptiveErr)
			fbHandler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
			serviceLogger = slog.New(fbHandler).With("service", "datastore")
			closeLogger = func() error { return nil }
		}
	})
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return serviceLogger
}

// CloseLogger releases the file handle used by the datastore log.
func CloseLogger() error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}

// GormLogger satisfies gorm's logger.Interface. Every traced query is
// classified with parseSQLOperation so the metrics carry operation and
// table labels rather than raw SQL.
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	metrics       *Metrics
}

func NewGormLogger(slowThreshold time.Duration, logLevel logger.LogLevel, metrics *Metrics) *GormLogger {
	return &GormLogger{
		SlowThreshold: slowThreshold,
		LogLevel:      logLevel,
		metrics:       metrics,
	}
}

// record counts one database operation if metrics are wired.
func (l *GormLogger) record(operation, table, status string) {
	if l.metrics != nil {
		l.metrics.RecordDbOperation(operation, table, status)
	}
}

// LogMode returns a copy with the given verbosity, as gorm expects.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.LogLevel = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		getLogger().InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		getLogger().WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel < logger.Error {
		return
	}
	getLogger().ErrorContext(ctx, "GORM error", "msg", fmt.Sprintf(msg, data...))
	l.record("gorm_internal", sqlUnknown, "error")
}

// Trace logs a completed query and records its duration. Failed queries are
// wrapped with the error classification from categorizeError; ErrRecordNotFound
// is not an error at this layer because callers branch on it.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	operation, table := parseSQLOperation(sql)

	if l.metrics != nil {
		l.metrics.RecordDbOperationDuration(operation, table, elapsed.Seconds())
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		enhancedErr := errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "sql_query").
			Context("error_category", categorizeError(err)).
			Context("duration_ms", elapsed.Milliseconds()).
			Build()
		getLogger().ErrorContext(ctx, "Database query failed",
			"error", enhancedErr,
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows)
		l.record(operation, table, "error")

	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold:
		getLogger().WarnContext(ctx, "Slow query detected",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows,
			"threshold", l.SlowThreshold)
		l.record(operation, table, "success")

	case l.LogLevel >= logger.Info:
		getLogger().DebugContext(ctx, "Query executed",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows)
		l.record(operation, table, "success")
	}
}
