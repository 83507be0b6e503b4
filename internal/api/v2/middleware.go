// internal/api/v2/middleware.go
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/factorylens/aoitrack/internal/errors"
)

// Fallbacks applied when rate limiting is enabled without explicit numbers.
const (
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
)

// LoggingMiddleware writes one structured line per API request to the web
// log file.
func (c *Controller) LoggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()

			err := next(ctx)

			if c.apiLogger == nil {
				return err
			}

			req := ctx.Request()
			res := ctx.Response()

			// LogAttrs skips the allocations when the level is disabled
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("query", req.URL.RawQuery),
				slog.Int("status", res.Status),
				slog.String("ip", ctx.RealIP()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("user_agent", req.UserAgent()),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				attrs = append(attrs, slog.Any("error", err))
			}

			c.apiLogger.LogAttrs(req.Context(), slog.LevelInfo, "API Request", attrs...)

			return err
		}
	}
}

// requestIDMiddleware tags every request with a UUID so log lines across
// services can be correlated.
func (c *Controller) requestIDMiddleware() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return uuid.New().String()
		},
	})
}

// metricsMiddleware records request counts, latencies and response sizes per
// route template, keeping the label cardinality bounded.
func (c *Controller) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if c.metrics == nil || c.metrics.HTTP == nil {
				return next(ctx)
			}

			start := time.Now()
			err := next(ctx)

			req := ctx.Request()
			res := ctx.Response()

			route := ctx.Path()
			if route == "" {
				route = req.URL.Path
			}

			status := res.Status
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				}
			}

			c.metrics.HTTP.RecordRequest(req.Method, route, strconv.Itoa(status))
			c.metrics.HTTP.ObserveRequestDuration(req.Method, route, time.Since(start).Seconds())
			c.metrics.HTTP.ObserveResponseSize(req.Method, route, res.Size)

			return err
		}
	}
}

// corsMiddleware restricts origins to the configured list, or allows any
// origin when none are configured.
func (c *Controller) corsMiddleware() echo.MiddlewareFunc {
	origins := c.Settings.WebServer.AllowedOrigins
	if len(origins) == 0 {
		return middleware.CORS()
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
	})
}

// rateLimiterMiddleware throttles clients by IP using a token bucket per
// visitor.
func (c *Controller) rateLimiterMiddleware() echo.MiddlewareFunc {
	cfg := c.Settings.WebServer.RateLimit
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			if c.metrics != nil && c.metrics.HTTP != nil {
				c.metrics.HTTP.IncrementRateLimited()
			}
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
		},
	})
}

// bearerAuthMiddleware guards mutating routes with the configured bearer
// token. An empty token disables authentication, which suits dashboards on
// closed shop networks.
func (c *Controller) bearerAuthMiddleware() echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(echo.Context) bool {
			return c.Settings.WebServer.AuthToken == ""
		},
		Validator: func(key string, ctx echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(c.Settings.WebServer.AuthToken)) == 1, nil
		},
		ErrorHandler: func(err error, ctx echo.Context) error {
			if c.metrics != nil && c.metrics.HTTP != nil {
				c.metrics.HTTP.IncrementAuthFailure()
			}
			return ctx.JSON(http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
		},
	})
}
