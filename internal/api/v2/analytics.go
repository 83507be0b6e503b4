// internal/api/v2/analytics.go
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/factorylens/aoitrack/internal/datastore"
)

// Fallbacks applied when the dashboard tuning settings are unset.
const (
	defaultTopLimit         = 20
	defaultDedupWindow      = 1
	defaultMatrixComponents = 5
)

// initAnalyticsRoutes mounts the aggregation endpoints under /analytics.
func (c *Controller) initAnalyticsRoutes() {
	analyticsGroup := c.Group.Group("/analytics")

	analyticsGroup.GET("/summary", c.GetOutcomeSummary)
	analyticsGroup.GET("/daily", c.GetDailySeries)
	analyticsGroup.GET("/weekly", c.GetWeeklySeries)
	analyticsGroup.GET("/refs/top", c.GetTopRefs)
	analyticsGroup.GET("/components/top", c.GetTopComponents)
	analyticsGroup.GET("/matrix", c.GetDefectMatrix)
	analyticsGroup.GET("/suspects", c.GetSuspectQueue)
	analyticsGroup.GET("/issues", c.GetIssueAnalytics)
}

// IssueAnalyticsResponse bundles the issue tracker analytics block.
type IssueAnalyticsResponse struct {
	Summary           datastore.IssueSummary      `json:"summary"`
	Daily             []datastore.SeriesPoint     `json:"daily"`
	WeeklyClosure     []datastore.IssueWeeklyStat `json:"weekly_closure"`
	AvgResolutionDays float64                     `json:"avg_resolution_days"`
}

// GetOutcomeSummary handles GET /api/v2/analytics/summary
func (c *Controller) GetOutcomeSummary(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	cacheKey := queryCacheKey("analytics:summary", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	summary, err := c.DS.GetOutcomeSummary(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get outcome summary", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, summary)
	return ctx.JSON(http.StatusOK, summary)
}

// GetDailySeries handles GET /api/v2/analytics/daily
func (c *Controller) GetDailySeries(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	cacheKey := queryCacheKey("analytics:daily", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	series, err := c.DS.GetDailySeries(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get daily outcome series", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, series)
	return ctx.JSON(http.StatusOK, series)
}

// GetWeeklySeries handles GET /api/v2/analytics/weekly
func (c *Controller) GetWeeklySeries(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	cacheKey := queryCacheKey("analytics:weekly", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	series, err := c.DS.GetWeeklySeries(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get weekly outcome series", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, series)
	return ctx.JSON(http.StatusOK, series)
}

// GetTopRefs handles GET /api/v2/analytics/refs/top
func (c *Controller) GetTopRefs(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	limit := c.topLimit(ctx.QueryParam("limit"))

	// Pin-level dedup collapses repeated calls on the same reference within
	// a short window; it is on unless the caller switches it off
	dedupe := ctx.QueryParam("dedupe") != "false"
	window, _ := strconv.Atoi(ctx.QueryParam("window"))
	if window <= 0 {
		window = c.Settings.Dashboard.DedupWindow
	}
	if window <= 0 {
		window = defaultDedupWindow
	}

	cacheKey := queryCacheKey("analytics:refs:top", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	refs, err := c.DS.GetTopRefs(filters, dedupe, window, limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get top references", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, refs)
	return ctx.JSON(http.StatusOK, refs)
}

// GetTopComponents handles GET /api/v2/analytics/components/top
func (c *Controller) GetTopComponents(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	limit := c.topLimit(ctx.QueryParam("limit"))

	cacheKey := queryCacheKey("analytics:components:top", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	components, err := c.DS.GetTopComponents(filters, limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get top components", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, components)
	return ctx.JSON(http.StatusOK, components)
}

// GetDefectMatrix handles GET /api/v2/analytics/matrix
func (c *Controller) GetDefectMatrix(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	componentLimit, _ := strconv.Atoi(ctx.QueryParam("components"))
	if componentLimit <= 0 {
		componentLimit = c.Settings.Dashboard.MatrixComponents
	}
	if componentLimit <= 0 {
		componentLimit = defaultMatrixComponents
	}

	cacheKey := queryCacheKey("analytics:matrix", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	matrix, err := c.DS.GetDefectMatrix(filters, componentLimit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get defect matrix", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, matrix)
	return ctx.JSON(http.StatusOK, matrix)
}

// GetSuspectQueue handles GET /api/v2/analytics/suspects
func (c *Controller) GetSuspectQueue(ctx echo.Context) error {
	filters, err := buildAnalyticsFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	cacheKey := queryCacheKey("analytics:suspects", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	defects, err := c.DS.GetSuspectQueue(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get suspect queue", http.StatusInternalServerError)
	}

	data := make([]DefectResponse, 0, len(defects))
	for i := range defects {
		data = append(data, defectToResponse(&defects[i]))
	}

	c.cachePut(cacheKey, data)
	return ctx.JSON(http.StatusOK, data)
}

// GetIssueAnalytics handles GET /api/v2/analytics/issues
func (c *Controller) GetIssueAnalytics(ctx echo.Context) error {
	filters, err := buildIssueFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	cacheKey := queryCacheKey("analytics:issues", ctx)
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	summary, err := c.DS.GetIssueSummary()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get issue summary", http.StatusInternalServerError)
	}
	daily, err := c.DS.GetIssueDailyCounts(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get daily issue counts", http.StatusInternalServerError)
	}
	closure, err := c.DS.GetIssueWeeklyClosure(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get weekly closure statistics", http.StatusInternalServerError)
	}
	avgDays, err := c.DS.GetAverageResolutionDays(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get average resolution time", http.StatusInternalServerError)
	}

	response := IssueAnalyticsResponse{
		Summary:           summary,
		Daily:             daily,
		WeeklyClosure:     closure,
		AvgResolutionDays: avgDays,
	}

	c.cachePut(cacheKey, response)
	return ctx.JSON(http.StatusOK, response)
}

// topLimit resolves a chart size parameter against the configured default.
func (c *Controller) topLimit(param string) int {
	limit, _ := strconv.Atoi(param)
	if limit <= 0 {
		limit = c.Settings.Dashboard.TopLimit
	}
	if limit <= 0 {
		limit = defaultTopLimit
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

// buildAnalyticsFilters translates the common dashboard query parameters
// into a datastore filter set.
func buildAnalyticsFilters(ctx echo.Context) (*datastore.AnalyticsFilters, error) {
	dateStart, err := parseDateBound(ctx.QueryParam("start_date"), ctx.QueryParam("start_time"), false)
	if err != nil {
		return nil, err
	}
	dateEnd, err := parseDateBound(ctx.QueryParam("end_date"), ctx.QueryParam("end_time"), true)
	if err != nil {
		return nil, err
	}

	return &datastore.AnalyticsFilters{
		DateStart:  dateStart,
		DateEnd:    dateEnd,
		LineName:   ctx.QueryParam("line"),
		PartNumber: ctx.QueryParam("part"),
	}, nil
}
