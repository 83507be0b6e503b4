// Package mqtt publishes defect and run summaries to the factory message bus.
package mqtt

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/factorylens/aoitrack/internal/logging"
)

// Client is the broker-facing surface used by the publisher and the API
// connection test.
type Client interface {
	// Connect dials the broker. The context bounds the whole attempt.
	Connect(ctx context.Context) error

	// Publish sends payload to topic and waits for broker acknowledgement.
	Publish(ctx context.Context, topic string, payload string) error

	// IsConnected reports whether the broker connection is currently up.
	IsConnected() bool

	// Disconnect closes the connection and stops the reconnect loop.
	Disconnect()
}

// Config holds the broker connection settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // prefix for all published topics
	Retain      bool   // true to retain messages at the broker

	ReconnectCooldown time.Duration
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with the stock timeouts.
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ReconnectDelay:    1 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
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
		logFilePath := filepath.Join("logs", "mqtt.log")
		serviceLevelVar.Set(slog.LevelInfo)

		loggerMutex.Lock()
		defer loggerMutex.Unlock()
		serviceLogger, closeLogger, err = logging.NewFileLogger(logFilePath, "mqtt", serviceLevelVar)
		if err != nil {
			logging.Error("Failed to initialize MQTT file logger", "error", err)
			fbHandler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
			serviceLogger = slog.New(fbHandler).With("service", "mqtt")
			closeLogger = func() error { return nil }
		}
	})
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return serviceLogger
}

// CloseLogger releases the file handle used by the mqtt log.
func CloseLogger() error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}
