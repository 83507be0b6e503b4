package httpcontroller

import (
	"fmt"
	"log"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/factorylens/aoitrack/internal/logging"
)

// initLogger opens the web log file and routes Echo's output through it.
// The server keeps running without one if the file cannot be opened.
func (s *Server) initLogger() {
	if !s.Settings.WebServer.Log.Enabled {
		return
	}

	// The API controller owns logs/web.log, the server logs lifecycle events
	// and non-API requests to its own file
	webLogPath := "logs/http.log"
	webLogger, closeFunc, err := logging.NewFileLogger(webLogPath, "http", slog.LevelInfo)
	if err != nil {
		log.Printf("Warning: Failed to initialize web structured logger: %v", err)
		return
	}
	s.webLogger = webLogger
	s.webLoggerClose = closeFunc
	log.Printf("Web structured logging initialized to %s", webLogPath)

	// Route Echo's own messages through the structured logger, the request
	// logger middleware carries the per-request records
	s.Echo.Logger = newEchoLogger(webLogger)

	s.setupRequestLogger()
}

// Debug writes to both the standard and web loggers when web debug is on.
func (s *Server) Debug(format string, v ...interface{}) {
	if s.Settings.WebServer.Debug {
		switch len(v) {
		case 0:
			log.Print(format)
		default:
			log.Printf(format, v...)
		}

		if s.webLogger != nil {
			var msg string
			switch len(v) {
			case 0:
				msg = format
			default:
				msg = fmt.Sprintf(format, v...)
			}
			s.webLogger.Debug(msg)
		}
	}
}

// setupRequestLogger configures the HTTP request logging middleware for
// routes outside /api/v2. API requests are logged by the API controller
// with richer context, logging them here too would double every line.
func (s *Server) setupRequestLogger() {
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/api/")
		},
		LogURI:          true,
		LogStatus:       true,
		LogLatency:      true,
		LogRemoteIP:     true,
		LogMethod:       true,
		LogError:        true,
		LogResponseSize: true,
		HandleError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if s.webLogger == nil {
				return nil
			}

			attrs := []any{
				"remote_ip", v.RemoteIP,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", float64(v.Latency.Microseconds()) / 1000.0,
			}
			if v.ResponseSize > 0 {
				attrs = append(attrs, "resp_size", v.ResponseSize)
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error.Error())
			}

			message := fmt.Sprintf("%s %s %d", v.Method, v.URI, v.Status)
			switch {
			case v.Status >= 500:
				s.webLogger.Error(message, attrs...)
			case v.Status >= 400:
				s.webLogger.Warn(message, attrs...)
			default:
				s.webLogger.Info(message, attrs...)
			}
			return nil
		},
	}))
}
