// Package logging configures the process-wide slog default and the rotated
// per-service file loggers.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/factorylens/aoitrack/internal/conf"
)

var defaultLogger *slog.Logger

// Init installs the JSON stdout logger as the process default at Info level.
func Init() {
	configure(slog.LevelInfo)
}

// SetLevel reinstalls the default logger with the given minimum level.
// Intended for startup flag handling, not for concurrent use.
func SetLevel(level slog.Level) {
	configure(level)
}

func configure(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// ForService returns the default logger with a service attribute attached.
func ForService(serviceName string) *slog.Logger {
	if defaultLogger == nil {
		return slog.Default().With("service", serviceName)
	}
	return defaultLogger.With("service", serviceName)
}

// Info logs to the process default logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs to the process default logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs to the process default logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// NewFileLogger returns a JSON logger writing to filePath through a log
// rotator, with a service attribute on every record. level may be a plain
// slog.Level or a *slog.LevelVar for callers that adjust verbosity at
// runtime. The returned func closes the underlying writer.
func NewFileLogger(filePath, serviceName string, level slog.Leveler) (*slog.Logger, func() error, error) {
	// lumberjack does not create directories
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	writer := newRotator(filePath)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("service", serviceName)

	return logger, writer.Close, nil
}

// newRotator builds the rotating writer from the main log settings. One
// rotation policy applies to every service log.
func newRotator(filePath string) *lumberjack.Logger {
	logConf := conf.Setting().Main.Log

	maxSizeMB := 100
	maxBackups := 3
	maxAge := 28 // days
	if mb := int(logConf.MaxSize / (1024 * 1024)); mb > 0 {
		maxSizeMB = mb
	}

	switch logConf.Rotation {
	case conf.RotationDaily:
		maxAge = 1
		maxBackups = 30
	case conf.RotationWeekly:
		maxAge = 7
		maxBackups = 4
	case conf.RotationSize:
		// size-based rotation keeps the default age and backup caps
	default:
		slog.Warn("Unknown log rotation type in config, using size-based defaults", "configuredType", logConf.Rotation)
	}

	return &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   false,
	}
}
