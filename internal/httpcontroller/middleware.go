package httpcontroller

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// configureMiddleware sets up server-level middleware. The API group under
// /api/v2 layers its own logging, CORS, gzip, body limit and rate limiting
// on top.
func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(s.CacheControlMiddleware())
}

// CacheControlMiddleware keeps intermediaries from caching responses. The
// server only produces live JSON, so nothing it serves is safe to cache.
func (s *Server) CacheControlMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
			return next(c)
		}
	}
}
