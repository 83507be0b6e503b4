// internal/httpcontroller/server.go
package httpcontroller

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/factorylens/aoitrack/internal/api/v2"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/ingest"
	"github.com/factorylens/aoitrack/internal/observability"
)

// Server owns the Echo instance, the JSON API controller mounted on it and
// the web log file.
type Server struct {
	Echo      *echo.Echo
	DS        datastore.Interface
	Settings  *conf.Settings
	Processor *ingest.Processor
	Metrics   *observability.Metrics
	APIV2     *api.Controller // JSON API

	// Structured logger for server lifecycle and non-API requests
	webLogger      *slog.Logger
	webLoggerClose func() error
}

// New initializes a new HTTP server with the given datastore and ingest
// processor. The processor may be nil, which disables the upload endpoint.
func New(settings *conf.Settings, dataStore datastore.Interface, proc *ingest.Processor, metrics *observability.Metrics) (*Server, error) {
	configureDefaultSettings(settings)

	s := &Server{
		Echo:      echo.New(),
		DS:        dataStore,
		Settings:  settings,
		Processor: proc,
		Metrics:   metrics,
	}

	// Configure an IP extractor so logs behind a reverse proxy carry the
	// client address
	s.Echo.IPExtractor = echo.ExtractIPFromXFFHeader()

	if err := s.initializeServer(); err != nil {
		return nil, err
	}
	return s, nil
}

// initializeServer wires the logger, middleware, root route and API
// controller onto the Echo instance.
func (s *Server) initializeServer() error {
	s.Echo.HideBanner = true
	s.initLogger()
	s.configureMiddleware()

	// Service descriptor at the root, everything else lives under /api/v2
	s.Echo.GET("/", s.serviceInfo)

	s.Debug("Initializing JSON API v2")
	apiv2, err := api.New(s.Echo, s.DS, s.Settings, s.Processor, log.Default(), s.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize API v2: %w", err)
	}
	s.APIV2 = apiv2
	return nil
}

// serviceInfo answers the root path with a short service descriptor so
// operators probing the port see what is running.
func (s *Server) serviceInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service": "aoitrack",
		"version": s.Settings.Version,
		"api":     "/api/v2",
	})
}

// Start launches the listener and returns immediately. Serve errors are
// drained by handleServerError for the life of the process.
func (s *Server) Start() {
	errChan := make(chan error)

	addr := s.Settings.WebServer.Address + ":" + s.Settings.WebServer.Port

	go func() {
		var err error

		cert := s.Settings.WebServer.TLSCert
		key := s.Settings.WebServer.TLSKey
		if cert != "" && key != "" {
			err = s.Echo.StartTLS(addr, cert, key)
		} else {
			err = s.Echo.Start(addr)
		}

		if err != nil {
			errChan <- err
		}
	}()

	go s.handleServerError(errChan)

	tlsEnabled := s.Settings.WebServer.TLSCert != "" && s.Settings.WebServer.TLSKey != ""
	log.Printf("HTTP server started on %s (TLS: %v)", addr, tlsEnabled)
	if s.webLogger != nil {
		s.webLogger.Info("HTTP server started",
			"address", addr,
			"tls", tlsEnabled)
	}
}

// handleServerError listens for server errors and logs them. echo reports
// http.ErrServerClosed on graceful shutdown, which is not an error.
func (s *Server) handleServerError(errChan chan error) {
	for err := range errChan {
		if err == http.ErrServerClosed {
			s.Debug("HTTP server closed")
			continue
		}
		log.Printf("HTTP server error: %v", err)
		if s.webLogger != nil {
			s.webLogger.Error("HTTP server error", "error", err.Error())
		}
	}
}

// Shutdown stops the API controller's background work, closes the web log
// file and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.APIV2 != nil {
		s.APIV2.Shutdown()
	}

	if s.webLoggerClose != nil {
		if err := s.webLoggerClose(); err != nil {
			log.Printf("Error closing web log file: %v", err)
		}
	}

	return s.Echo.Shutdown(ctx)
}

// configureDefaultSettings fills in the listen port when the config leaves
// it empty.
func configureDefaultSettings(settings *conf.Settings) {
	if settings.WebServer.Port == "" {
		settings.WebServer.Port = "8080"
	}
}

// shutdownTimeout bounds how long graceful shutdown waits for in-flight
// requests before closing connections.
const shutdownTimeout = 10 * time.Second

// ShutdownTimeout returns a context suitable for Shutdown when the caller
// has no deadline of its own.
func ShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
