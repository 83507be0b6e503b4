// internal/api/v2/defects.go
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/datastore"
)

// eventDateLayout renders defect event timestamps the way the machine
// exports carry them.
const eventDateLayout = "2006-01-02 15:04:05"

// initDefectRoutes registers all defect record API endpoints
func (c *Controller) initDefectRoutes() {
	// Defect endpoints - publicly accessible
	c.Group.GET("/defects", c.GetDefects)
	c.Group.GET("/defects/filters", c.GetDefectFilterOptions)
	c.Group.GET("/defects/:id", c.GetDefect)

	// Protected defect management endpoints
	defectGroup := c.Group.Group("/defects", c.authMiddleware)
	defectGroup.POST("/:id/review", c.ReviewDefect)
	defectGroup.DELETE("/:id", c.DeleteDefect)
}

// DefectResponse represents an aggregated defect record in the API response
type DefectResponse struct {
	ID              uint   `json:"id"`
	SerialNumber    string `json:"serial_number"`
	RefID           string `json:"ref_id"`
	DefectCode      string `json:"defect_code"`
	FalseCallCount  int    `json:"false_call_count"`
	OverriddenCount int    `json:"overridden_count"`
	ReworkableCount int    `json:"reworkable_count"`
	Outcome         string `json:"outcome"`
	EventDate       string `json:"event_date,omitempty"`
	PartNumber      string `json:"part_number,omitempty"`
	ComponentPN     string `json:"component_pn,omitempty"`
	MachineName     string `json:"machine_name,omitempty"`
	OperationName   string `json:"operation_name,omitempty"`
	LineName        string `json:"line_name,omitempty"`
	SourceFile      string `json:"source_file,omitempty"`
	RunID           string `json:"run_id,omitempty"`
	Verified        string `json:"verified"`
	ReviewNotes     string `json:"review_notes,omitempty"`
	ReviewedBy      string `json:"reviewed_by,omitempty"`
	ReviewedAt      string `json:"reviewed_at,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// ReviewRequest represents the request body for reviewing a defect record
type ReviewRequest struct {
	Verified   string `json:"verified"`
	Notes      string `json:"notes,omitempty"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
}

// defectToResponse converts a datastore defect record to an API response
func defectToResponse(defect *datastore.Defect) DefectResponse {
	response := DefectResponse{
		ID:              defect.ID,
		SerialNumber:    defect.SerialNumber,
		RefID:           defect.RefID,
		DefectCode:      defect.DefectCode,
		FalseCallCount:  defect.FalseCallCount,
		OverriddenCount: defect.OverriddenCount,
		ReworkableCount: defect.ReworkableCount,
		Outcome:         defect.Outcome,
		PartNumber:      defect.PartNumber,
		ComponentPN:     defect.ComponentPN,
		MachineName:     defect.MachineName,
		OperationName:   defect.OperationName,
		LineName:        defect.LineName,
		SourceFile:      defect.SourceFile,
		RunID:           defect.RunID,
		UpdatedAt:       defect.UpdatedAt.Format(time.RFC3339),
	}

	if !defect.EventDate.IsZero() {
		response.EventDate = defect.EventDate.Format(eventDateLayout)
	}

	// Handle verification status
	switch defect.Verified {
	case datastore.ReviewConfirmed:
		response.Verified = datastore.ReviewConfirmed
	case datastore.ReviewFalseCall:
		response.Verified = datastore.ReviewFalseCall
	default:
		response.Verified = "unreviewed"
	}

	if defect.Review != nil {
		response.ReviewNotes = defect.Review.Notes
		response.ReviewedBy = defect.Review.ReviewedBy
		response.ReviewedAt = defect.Review.UpdatedAt.Format(time.RFC3339)
	}

	return response
}

// GetDefects handles GET /api/v2/defects
func (c *Controller) GetDefects(ctx echo.Context) error {
	filters, err := buildDefectFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	defects, total, err := c.DS.SearchDefects(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to search defect records", http.StatusInternalServerError)
	}

	data := make([]DefectResponse, 0, len(defects))
	for i := range defects {
		data = append(data, defectToResponse(&defects[i]))
	}

	return ctx.JSON(http.StatusOK, newPaginatedResponse(data, total, filters.Limit, filters.Offset))
}

// GetDefect handles GET /api/v2/defects/:id
func (c *Controller) GetDefect(ctx echo.Context) error {
	id := ctx.Param("id")
	defect, err := c.DS.Get(id)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Defect record not found"})
	}

	response := defectToResponse(&defect)
	return ctx.JSON(http.StatusOK, response)
}

// ReviewDefect handles POST /api/v2/defects/:id/review
func (c *Controller) ReviewDefect(ctx echo.Context) error {
	idStr := ctx.Param("id")
	defect, err := c.DS.Get(idStr)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Defect record not found"})
	}

	req := &ReviewRequest{}
	if err := ctx.Bind(req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
	}

	switch req.Verified {
	case datastore.ReviewConfirmed, datastore.ReviewFalseCall:
	default:
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid verification status"})
	}

	if err := c.DS.ReviewDefect(defect.ID, req.Verified, req.Notes, req.ReviewedBy); err != nil {
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Failed to save review: %v", err)})
	}

	return ctx.NoContent(http.StatusNoContent)
}

// DeleteDefect handles DELETE /api/v2/defects/:id
func (c *Controller) DeleteDefect(ctx echo.Context) error {
	id := ctx.Param("id")
	if _, err := c.DS.Get(id); err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Defect record not found"})
	}

	if err := c.DS.Delete(id); err != nil {
		return c.HandleError(ctx, err, "Failed to delete defect record", http.StatusInternalServerError)
	}

	return ctx.NoContent(http.StatusNoContent)
}

// GetDefectFilterOptions handles GET /api/v2/defects/filters
func (c *Controller) GetDefectFilterOptions(ctx echo.Context) error {
	const cacheKey = "defects:filter-options"
	if payload, found := c.cacheGet(cacheKey); found {
		return ctx.JSON(http.StatusOK, payload)
	}

	options, err := c.DS.GetFilterOptions()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get filter options", http.StatusInternalServerError)
	}

	c.cachePut(cacheKey, options)
	return ctx.JSON(http.StatusOK, options)
}

// buildDefectFilters translates query parameters into a datastore filter set.
func buildDefectFilters(ctx echo.Context) (*datastore.DefectFilters, error) {
	limit, _ := strconv.Atoi(ctx.QueryParam("limit"))
	offset, _ := strconv.Atoi(ctx.QueryParam("offset"))

	// Page size is capped at 1000 rows
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	outcomes := ctx.QueryParams()["outcome"]
	for _, outcome := range outcomes {
		if !classify.Outcome(outcome).Valid() {
			return nil, fmt.Errorf("unknown outcome %q", outcome)
		}
	}

	verified := ctx.QueryParam("verified")
	switch verified {
	case "", datastore.ReviewConfirmed, datastore.ReviewFalseCall, "unreviewed":
	default:
		return nil, fmt.Errorf("unknown verification filter %q", verified)
	}

	dateStart, err := parseDateBound(ctx.QueryParam("start_date"), ctx.QueryParam("start_time"), false)
	if err != nil {
		return nil, err
	}
	dateEnd, err := parseDateBound(ctx.QueryParam("end_date"), ctx.QueryParam("end_time"), true)
	if err != nil {
		return nil, err
	}

	return &datastore.DefectFilters{
		SerialNumber:  ctx.QueryParam("serial"),
		RefID:         ctx.QueryParam("ref"),
		DefectCode:    ctx.QueryParam("defect_code"),
		Outcomes:      outcomes,
		LineName:      ctx.QueryParam("line"),
		MachineName:   ctx.QueryParam("machine"),
		OperationName: ctx.QueryParam("operation"),
		PartNumber:    ctx.QueryParam("part"),
		ComponentPN:   ctx.QueryParam("component"),
		Verified:      verified,
		Search:        ctx.QueryParam("search"),
		DateStart:     dateStart,
		DateEnd:       dateEnd,
		SortAscending: ctx.QueryParam("sort") == "asc",
		Limit:         limit,
		Offset:        offset,
	}, nil
}

// parseDateBound folds an optional clock time into a date parameter. End
// bounds without a clock time extend to the end of their day so the range
// stays inclusive on both sides.
func parseDateBound(dateStr, timeStr string, end bool) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, nil
	}

	day, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", dateStr)
	}

	if timeStr != "" {
		clock, err := time.Parse("15:04", timeStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q, expected HH:MM", timeStr)
		}
		bound := time.Date(day.Year(), day.Month(), day.Day(),
			clock.Hour(), clock.Minute(), 0, 0, time.Local)
		if end {
			bound = bound.Add(59 * time.Second)
		}
		return bound, nil
	}

	if end {
		return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.Local), nil
	}
	return day, nil
}
