// internal/api/v2/export.go
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/factorylens/aoitrack/internal/export"
)

// initExportRoutes registers CSV export endpoints
func (c *Controller) initExportRoutes() {
	c.Group.GET("/export/defects", c.ExportDefects)
}

// ExportDefects handles GET /api/v2/export/defects
//
// Accepts the same query parameters as the defect search and streams the
// matching records as a CSV attachment.
func (c *Controller) ExportDefects(ctx echo.Context) error {
	filters, err := buildDefectFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	fileName := fmt.Sprintf("aoi_defects_%s.csv", time.Now().Format("2006-01-02"))
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", fileName))
	res.WriteHeader(http.StatusOK)

	count, err := export.WriteFiltered(res, c.DS, filters)
	if err != nil {
		// Headers are already on the wire, all we can do is log and cut
		// the stream short
		c.logger.Printf("CSV export aborted after %d records: %v", count, err)
		if c.apiLogger != nil {
			c.apiLogger.Error("CSV export aborted",
				"error", err.Error(),
				"records_written", count,
				"path", ctx.Request().URL.Path,
				"ip", ctx.RealIP(),
			)
		}
		return nil
	}

	c.Debug("CSV export complete: %d records", count)
	return nil
}
