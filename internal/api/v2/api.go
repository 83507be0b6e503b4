// internal/api/v2/api.go
package api

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/ingest"
	"github.com/factorylens/aoitrack/internal/logging"
	"github.com/factorylens/aoitrack/internal/observability"
)

// defaultCacheTTL is the analytics response cache lifetime used when the
// configuration does not set one.
const defaultCacheTTL = 30 * time.Second

// Controller holds the shared state behind every /api/v2 handler: the
// store, the ingest processor, the response cache and the request loggers.
type Controller struct {
	Echo      *echo.Echo
	Group     *echo.Group
	DS        datastore.Interface
	Settings  *conf.Settings
	Processor *ingest.Processor

	logger         *log.Logger
	queryCache     *cache.Cache // cache for analytics and filter option queries
	startTime      *time.Time
	apiLogger      *slog.Logger   // structured logger for API operations
	apiLevelVar    *slog.LevelVar // dynamic level control
	apiLoggerClose func() error
	metrics        *observability.Metrics
	authMiddleware echo.MiddlewareFunc
}

// New mounts the /api/v2 group on e with its middleware chain and routes.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings,
	processor *ingest.Processor, logger *log.Logger,
	metrics *observability.Metrics) (*Controller, error) {

	if settings == nil {
		return nil, fmt.Errorf("settings are required to initialize the API")
	}
	if logger == nil {
		logger = log.Default()
	}

	cacheTTL := defaultCacheTTL
	if settings.WebServer.CacheTTL > 0 {
		cacheTTL = time.Duration(settings.WebServer.CacheTTL) * time.Second
	}

	c := &Controller{
		Echo:       e,
		DS:         ds,
		Settings:   settings,
		Processor:  processor,
		logger:     logger,
		queryCache: cache.New(cacheTTL, 2*cacheTTL),
		metrics:    metrics,
	}

	c.initLogging()
	c.authMiddleware = c.bearerAuthMiddleware()

	c.Group = e.Group("/api/v2")
	c.Group.Use(middleware.Recover())
	c.Group.Use(c.requestIDMiddleware())
	c.Group.Use(c.LoggingMiddleware())
	c.Group.Use(c.metricsMiddleware())
	c.Group.Use(middleware.Gzip())
	c.Group.Use(c.corsMiddleware())
	// Uploads carry whole machine export files, so the body limit is generous
	c.Group.Use(middleware.BodyLimit("64M"))
	if settings.WebServer.RateLimit.Enabled {
		c.Group.Use(c.rateLimiterMiddleware())
	}

	now := time.Now()
	c.startTime = &now

	c.initRoutes()

	return c, nil
}

// initLogging sets up the structured request logger. When the log file
// cannot be opened the controller logs through a discard handler instead of
// failing startup.
func (c *Controller) initLogging() {
	level := slog.LevelInfo
	if c.Settings.WebServer.Debug {
		level = slog.LevelDebug
	}
	c.apiLevelVar = new(slog.LevelVar)
	c.apiLevelVar.Set(level)

	logPath := "logs/web.log"
	apiLogger, closeFunc, err := logging.NewFileLogger(logPath, "api", c.apiLevelVar)
	if err != nil {
		c.logger.Printf("Warning: Failed to initialize API structured logger: %v", err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: c.apiLevelVar})
		c.apiLogger = slog.New(fbHandler).With("service", "api")
		c.apiLoggerClose = func() error { return nil }
		return
	}

	c.apiLogger = apiLogger
	c.apiLoggerClose = closeFunc
	c.logger.Printf("API structured logging initialized to %s", logPath)
}

// initRoutes registers all API endpoints. Registration is plain function
// calls; a failure here is a programming error and should crash startup.
func (c *Controller) initRoutes() {
	// Health stays outside the auth middleware, probes have no token
	c.Group.GET("/health", c.HealthCheck)

	// Prometheus registry, mounted outside the versioned group so scrapers
	// hit a stable path
	if c.Settings.WebServer.Metrics && c.metrics != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}

	c.initDefectRoutes()
	c.initAnalyticsRoutes()
	c.initExportRoutes()
	c.initIngestRoutes()
	c.initIssueRoutes()
	c.initSystemRoutes()
}

// HealthCheck reports service status, uptime and database reachability.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	env := "production"
	if c.Settings.WebServer.Debug {
		env = "development"
	}

	response := map[string]any{
		"status":      "healthy",
		"version":     c.Settings.Version,
		"build_date":  c.Settings.BuildDate,
		"timestamp":   time.Now().Format(time.RFC3339),
		"environment": env,
	}

	// A cheap read is the database connectivity probe.
	response["database_status"] = "connected"
	if _, err := c.DS.GetIngestRuns(1); err != nil {
		response["database_status"] = "disconnected"
		response["database_error"] = err.Error()
	}

	if c.startTime != nil {
		uptime := time.Since(*c.startTime)
		response["uptime"] = uptime.String()
		response["uptime_seconds"] = uptime.Seconds()
	}

	return ctx.JSON(http.StatusOK, response)
}

// Shutdown releases the controller's resources. Called when the application
// is shutting down.
func (c *Controller) Shutdown() {
	if c.apiLoggerClose != nil {
		if err := c.apiLoggerClose(); err != nil {
			c.logger.Printf("Error closing API log file: %v", err)
		}
	}

	// The go-cache janitor goroutine cannot be stopped, flushing the
	// entries is the best we can do here
	if c.queryCache != nil {
		c.queryCache.Flush()
	}

	c.Debug("API Controller shutting down")
}

// PaginatedResponse is the envelope around any list endpoint's result page.
type PaginatedResponse struct {
	Data        interface{} `json:"data"`
	Total       int64       `json:"total"`
	Limit       int         `json:"limit"`
	Offset      int         `json:"offset"`
	CurrentPage int         `json:"current_page"`
	TotalPages  int         `json:"total_pages"`
}

// newPaginatedResponse wraps one result page with the totals the UI needs
// for page navigation.
func newPaginatedResponse(data interface{}, total int64, limit, offset int) *PaginatedResponse {
	currentPage := 1
	totalPages := 0
	if limit > 0 {
		currentPage = (offset / limit) + 1
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return &PaginatedResponse{
		Data:        data,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
		CurrentPage: currentPage,
		TotalPages:  totalPages,
	}
}

// ErrorResponse is the JSON body returned for any failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // ties the response to log lines
}

// NewErrorResponse builds an ErrorResponse with a fresh correlation ID.
// When err is nil the message doubles as the error text.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}

	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID returns an 8 character random hex ID for matching
// error responses to log entries.
func generateCorrelationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	return fmt.Sprintf("%08x", b)
}

// HandleError logs err under a correlation ID and answers the request with
// the matching JSON error body.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	errorResp := NewErrorResponse(err, message, code)
	ip := ctx.RealIP()

	c.logger.Printf("API Error [%s] from %s: %s: %v", errorResp.CorrelationID, ip, message, err)

	if c.apiLogger != nil {
		c.apiLogger.Error("API Error",
			"correlation_id", errorResp.CorrelationID,
			"message", message,
			"error", errorResp.Error,
			"code", code,
			"path", ctx.Request().URL.Path,
			"method", ctx.Request().Method,
			"ip", ip,
		)
	}

	return ctx.JSON(code, errorResp)
}

// Debug writes to both controller loggers when web debug is on.
func (c *Controller) Debug(format string, v ...any) {
	if c.Settings.WebServer.Debug {
		msg := fmt.Sprintf(format, v...)
		c.logger.Printf("[DEBUG] %s", msg)

		if c.apiLogger != nil {
			c.apiLogger.Debug(msg)
		}
	}
}

// cacheGet looks up a cached response payload and records the lookup result.
func (c *Controller) cacheGet(key string) (any, bool) {
	payload, found := c.queryCache.Get(key)
	if c.metrics != nil && c.metrics.HTTP != nil {
		if found {
			c.metrics.HTTP.RecordCacheLookup("hit")
		} else {
			c.metrics.HTTP.RecordCacheLookup("miss")
		}
	}
	return payload, found
}

// cachePut stores a response payload under the default TTL.
func (c *Controller) cachePut(key string, payload any) {
	c.queryCache.Set(key, payload, cache.DefaultExpiration)
}

// queryCacheKey builds a cache key from the route and its normalized query,
// so parameter order does not fragment the cache.
func queryCacheKey(prefix string, ctx echo.Context) string {
	return prefix + "?" + normalizeQuery(ctx.QueryParams())
}

// normalizeQuery renders query parameters with sorted keys and values.
func normalizeQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(val)
		}
	}
	return b.String()
}
