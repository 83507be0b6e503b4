// internal/api/v2/issues.go
package api

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/factorylens/aoitrack/internal/datastore"
)

// dateOnlyLayout is the wire format for report and due dates.
const dateOnlyLayout = "2006-01-02"

// initIssueRoutes registers all corrective action issue API endpoints
func (c *Controller) initIssueRoutes() {
	// Issue endpoints - publicly accessible
	c.Group.GET("/issues", c.GetIssues)
	c.Group.GET("/issues/meta", c.GetIssueMeta)
	c.Group.GET("/issues/:id", c.GetIssue)
	c.Group.GET("/issues/:id/changelog", c.GetIssueChangelog)

	// Protected issue management endpoints
	issueGroup := c.Group.Group("/issues", c.authMiddleware)
	issueGroup.POST("", c.CreateIssue)
	issueGroup.PATCH("/:id", c.UpdateIssue)
	issueGroup.DELETE("/:id", c.DeleteIssue)
}

// IssueRequest represents the request body for creating or updating an
// issue. Pointer fields distinguish "not sent" from "set to empty", so a
// partial update leaves the other fields alone.
type IssueRequest struct {
	DateReported       *string  `json:"date_reported"` // YYYY-MM-DD
	LineName           *string  `json:"line_name"`
	Shift              *string  `json:"shift"`
	SerialNumber       *string  `json:"serial_number"`
	ComponentPN        *string  `json:"component_pn"`
	RefID              *string  `json:"ref_id"`
	Category           *string  `json:"category"`
	IssueType          *string  `json:"issue_type"`
	Description        *string  `json:"description"`
	WhatIssue          *string  `json:"what_issue"`
	WhereOccurred      *string  `json:"where_occurred"`
	WhyPreliminary     *string  `json:"why_preliminary"`
	WhenHappened       *string  `json:"when_happened"`
	WhoDetected        *string  `json:"who_detected"`
	HowDetected        *string  `json:"how_detected"`
	HowMuchImpact      *string  `json:"how_much_impact"`
	ShortTermFix       *string  `json:"short_term_fix"`
	LongTermAction     *string  `json:"long_term_action"`
	ResponsiblePerson  *string  `json:"responsible_person"`
	DueDate            *string  `json:"due_date"` // YYYY-MM-DD, empty clears the due date
	Status             *string  `json:"status"`
	RCACompleted       *bool    `json:"rca_completed"`
	RCAMethod          *string  `json:"rca_method"`
	RootCauseFinal     *string  `json:"root_cause_final"`
	EffectivenessCheck *bool    `json:"effectiveness_check"`
	Disposition        *string  `json:"disposition"`
	ReworkTimeMins     *float64 `json:"rework_time_mins"`
	ReworkCost         *float64 `json:"rework_cost"`
	ChangedBy          string   `json:"changed_by"`
}

// IssueResponse represents an issue in the API response
type IssueResponse struct {
	ID                 uint    `json:"id"`
	DateReported       string  `json:"date_reported"`
	LineName           string  `json:"line_name,omitempty"`
	Shift              string  `json:"shift,omitempty"`
	SerialNumber       string  `json:"serial_number,omitempty"`
	ComponentPN        string  `json:"component_pn,omitempty"`
	RefID              string  `json:"ref_id,omitempty"`
	Category           string  `json:"category"`
	IssueType          string  `json:"issue_type,omitempty"`
	Description        string  `json:"description,omitempty"`
	WhatIssue          string  `json:"what_issue,omitempty"`
	WhereOccurred      string  `json:"where_occurred,omitempty"`
	WhyPreliminary     string  `json:"why_preliminary,omitempty"`
	WhenHappened       string  `json:"when_happened,omitempty"`
	WhoDetected        string  `json:"who_detected,omitempty"`
	HowDetected        string  `json:"how_detected,omitempty"`
	HowMuchImpact      string  `json:"how_much_impact,omitempty"`
	ShortTermFix       string  `json:"short_term_fix,omitempty"`
	LongTermAction     string  `json:"long_term_action,omitempty"`
	ResponsiblePerson  string  `json:"responsible_person,omitempty"`
	DueDate            string  `json:"due_date,omitempty"`
	Status             string  `json:"status"`
	Overdue            bool    `json:"overdue"`
	RCACompleted       bool    `json:"rca_completed"`
	RCAMethod          string  `json:"rca_method,omitempty"`
	RootCauseFinal     string  `json:"root_cause_final,omitempty"`
	EffectivenessCheck bool    `json:"effectiveness_check"`
	Disposition        string  `json:"disposition,omitempty"`
	ReworkTimeMins     float64 `json:"rework_time_mins"`
	ReworkCost         float64 `json:"rework_cost"`
	AOIFalse           int     `json:"aoi_false"`
	AOIReal            int     `json:"aoi_real"`
	AOIFixed           int     `json:"aoi_fixed"`
	AOISuspect         int     `json:"aoi_suspect"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// IssueChangeResponse represents one changelog entry in the API response
type IssueChangeResponse struct {
	FieldName string `json:"field_name"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	ChangedBy string `json:"changed_by"`
	ChangedAt string `json:"changed_at"`
}

// issueToResponse converts a datastore issue to an API response
func issueToResponse(issue *datastore.Issue) IssueResponse {
	response := IssueResponse{
		ID:                 issue.ID,
		DateReported:       issue.DateReported.Format(dateOnlyLayout),
		LineName:           issue.LineName,
		Shift:              issue.Shift,
		SerialNumber:       issue.SerialNumber,
		ComponentPN:        issue.ComponentPN,
		RefID:              issue.RefID,
		Category:           issue.Category,
		IssueType:          issue.IssueType,
		Description:        issue.Description,
		WhatIssue:          issue.WhatIssue,
		WhereOccurred:      issue.WhereOccurred,
		WhyPreliminary:     issue.WhyPreliminary,
		WhenHappened:       issue.WhenHappened,
		WhoDetected:        issue.WhoDetected,
		HowDetected:        issue.HowDetected,
		HowMuchImpact:      issue.HowMuchImpact,
		ShortTermFix:       issue.ShortTermFix,
		LongTermAction:     issue.LongTermAction,
		ResponsiblePerson:  issue.ResponsiblePerson,
		Status:             issue.Status,
		RCACompleted:       issue.RCACompleted,
		RCAMethod:          issue.RCAMethod,
		RootCauseFinal:     issue.RootCauseFinal,
		EffectivenessCheck: issue.EffectivenessCheck,
		Disposition:        issue.Disposition,
		ReworkTimeMins:     issue.ReworkTimeMins,
		ReworkCost:         issue.ReworkCost,
		AOIFalse:           issue.AOIFalse,
		AOIReal:            issue.AOIReal,
		AOIFixed:           issue.AOIFixed,
		AOISuspect:         issue.AOISuspect,
		CreatedAt:          issue.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          issue.UpdatedAt.Format(time.RFC3339),
	}

	if issue.DueDate != nil {
		response.DueDate = issue.DueDate.Format(dateOnlyLayout)
		// A passed due date only counts against issues still being worked
		if issue.DueDate.Before(time.Now()) &&
			(issue.Status == "Open" || issue.Status == "In Progress") {
			response.Overdue = true
		}
	}

	return response
}

// applyIssueRequest copies the fields present in the request onto the issue.
func applyIssueRequest(issue *datastore.Issue, req *IssueRequest) error {
	if req.DateReported != nil {
		reported, err := time.ParseInLocation(dateOnlyLayout, *req.DateReported, time.Local)
		if err != nil {
			return fmt.Errorf("invalid date_reported %q, expected YYYY-MM-DD", *req.DateReported)
		}
		issue.DateReported = reported
	}
	if req.DueDate != nil {
		if *req.DueDate == "" {
			issue.DueDate = nil
		} else {
			due, err := time.ParseInLocation(dateOnlyLayout, *req.DueDate, time.Local)
			if err != nil {
				return fmt.Errorf("invalid due_date %q, expected YYYY-MM-DD", *req.DueDate)
			}
			issue.DueDate = &due
		}
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&issue.LineName, req.LineName)
	setString(&issue.Shift, req.Shift)
	setString(&issue.SerialNumber, req.SerialNumber)
	setString(&issue.ComponentPN, req.ComponentPN)
	setString(&issue.RefID, req.RefID)
	setString(&issue.Category, req.Category)
	setString(&issue.IssueType, req.IssueType)
	setString(&issue.Description, req.Description)
	setString(&issue.WhatIssue, req.WhatIssue)
	setString(&issue.WhereOccurred, req.WhereOccurred)
	setString(&issue.WhyPreliminary, req.WhyPreliminary)
	setString(&issue.WhenHappened, req.WhenHappened)
	setString(&issue.WhoDetected, req.WhoDetected)
	setString(&issue.HowDetected, req.HowDetected)
	setString(&issue.HowMuchImpact, req.HowMuchImpact)
	setString(&issue.ShortTermFix, req.ShortTermFix)
	setString(&issue.LongTermAction, req.LongTermAction)
	setString(&issue.ResponsiblePerson, req.ResponsiblePerson)
	setString(&issue.Status, req.Status)
	setString(&issue.RCAMethod, req.RCAMethod)
	setString(&issue.RootCauseFinal, req.RootCauseFinal)
	setString(&issue.Disposition, req.Disposition)

	if req.RCACompleted != nil {
		issue.RCACompleted = *req.RCACompleted
	}
	if req.EffectivenessCheck != nil {
		issue.EffectivenessCheck = *req.EffectivenessCheck
	}
	if req.ReworkTimeMins != nil {
		issue.ReworkTimeMins = *req.ReworkTimeMins
	}
	if req.ReworkCost != nil {
		issue.ReworkCost = *req.ReworkCost
	}

	return nil
}

// validateIssueVocabulary checks the enumerated fields so clients get a 400
// instead of a storage error.
func validateIssueVocabulary(issue *datastore.Issue) error {
	if issue.Category == "" {
		return fmt.Errorf("category is required")
	}
	if !slices.Contains(datastore.IssueCategories, issue.Category) {
		return fmt.Errorf("unknown category %q", issue.Category)
	}
	if issue.IssueType != "" && !slices.Contains(datastore.IssueTypes[issue.Category], issue.IssueType) {
		return fmt.Errorf("issue type %q does not belong to category %q", issue.IssueType, issue.Category)
	}
	if issue.Status != "" && !slices.Contains(datastore.IssueStatuses, issue.Status) {
		return fmt.Errorf("unknown status %q", issue.Status)
	}
	if issue.RCAMethod != "" && !slices.Contains(datastore.RCAMethods, issue.RCAMethod) {
		return fmt.Errorf("unknown RCA method %q", issue.RCAMethod)
	}
	return nil
}

// attachOutcomeCounts snapshots the dashboard outcome counts for the issue's
// line and report date. Best effort, a failed lookup leaves the counts at
// zero.
func (c *Controller) attachOutcomeCounts(issue *datastore.Issue) {
	day := issue.DateReported
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24*time.Hour - time.Second)

	counts, err := c.DS.GetOutcomeCountsBetween(start, end, issue.LineName)
	if err != nil {
		c.Debug("Outcome count snapshot failed: %v", err)
		return
	}
	issue.AOIFalse = counts.FalseCall
	issue.AOIReal = counts.Real
	issue.AOIFixed = counts.Fixed
	issue.AOISuspect = counts.Suspect
}

// GetIssues handles GET /api/v2/issues
func (c *Controller) GetIssues(ctx echo.Context) error {
	filters, err := buildIssueFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid filter parameters", http.StatusBadRequest)
	}

	issues, total, err := c.DS.SearchIssues(filters)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to search issues", http.StatusInternalServerError)
	}

	data := make([]IssueResponse, 0, len(issues))
	for i := range issues {
		data = append(data, issueToResponse(&issues[i]))
	}

	return ctx.JSON(http.StatusOK, newPaginatedResponse(data, total, filters.Limit, filters.Offset))
}

// GetIssue handles GET /api/v2/issues/:id
func (c *Controller) GetIssue(ctx echo.Context) error {
	id := ctx.Param("id")
	issue, err := c.DS.GetIssue(id)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Issue not found"})
	}

	response := issueToResponse(&issue)
	return ctx.JSON(http.StatusOK, response)
}

// GetIssueMeta handles GET /api/v2/issues/meta
func (c *Controller) GetIssueMeta(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"categories":  datastore.IssueCategories,
		"types":       datastore.IssueTypes,
		"statuses":    datastore.IssueStatuses,
		"rca_methods": datastore.RCAMethods,
	})
}

// GetIssueChangelog handles GET /api/v2/issues/:id/changelog
func (c *Controller) GetIssueChangelog(ctx echo.Context) error {
	id := ctx.Param("id")
	issue, err := c.DS.GetIssue(id)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Issue not found"})
	}

	changes, err := c.DS.GetIssueChangelog(issue.ID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get issue changelog", http.StatusInternalServerError)
	}

	data := make([]IssueChangeResponse, 0, len(changes))
	for _, change := range changes {
		data = append(data, IssueChangeResponse{
			FieldName: change.FieldName,
			OldValue:  change.OldValue,
			NewValue:  change.NewValue,
			ChangedBy: change.ChangedBy,
			ChangedAt: change.ChangedAt.Format(time.RFC3339),
		})
	}

	return ctx.JSON(http.StatusOK, data)
}

// CreateIssue handles POST /api/v2/issues
func (c *Controller) CreateIssue(ctx echo.Context) error {
	req := &IssueRequest{}
	if err := ctx.Bind(req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
	}

	issue := datastore.Issue{
		DateReported: time.Now(),
		Status:       "Open",
	}
	if err := applyIssueRequest(&issue, req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := validateIssueVocabulary(&issue); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	// Record the line's outcome counts for the reported day alongside the
	// issue, so the report keeps the numbers it was raised against
	c.attachOutcomeCounts(&issue)

	if err := c.DS.SaveIssue(&issue, req.ChangedBy); err != nil {
		return c.HandleError(ctx, err, "Failed to save issue", http.StatusInternalServerError)
	}

	response := issueToResponse(&issue)
	return ctx.JSON(http.StatusCreated, response)
}

// UpdateIssue handles PATCH /api/v2/issues/:id
func (c *Controller) UpdateIssue(ctx echo.Context) error {
	id := ctx.Param("id")
	issue, err := c.DS.GetIssue(id)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Issue not found"})
	}

	req := &IssueRequest{}
	if err := ctx.Bind(req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
	}

	if err := applyIssueRequest(&issue, req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := validateIssueVocabulary(&issue); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := c.DS.SaveIssue(&issue, req.ChangedBy); err != nil {
		return c.HandleError(ctx, err, "Failed to save issue", http.StatusInternalServerError)
	}

	response := issueToResponse(&issue)
	return ctx.JSON(http.StatusOK, response)
}

// DeleteIssue handles DELETE /api/v2/issues/:id
func (c *Controller) DeleteIssue(ctx echo.Context) error {
	id := ctx.Param("id")
	if _, err := c.DS.GetIssue(id); err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Issue not found"})
	}

	if err := c.DS.DeleteIssue(id); err != nil {
		return c.HandleError(ctx, err, "Failed to delete issue", http.StatusInternalServerError)
	}

	return ctx.NoContent(http.StatusNoContent)
}

// buildIssueFilters translates query parameters into an issue filter set.
func buildIssueFilters(ctx echo.Context) (*datastore.IssueFilters, error) {
	limit, _ := strconv.Atoi(ctx.QueryParam("limit"))
	offset, _ := strconv.Atoi(ctx.QueryParam("offset"))

	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	status := ctx.QueryParam("status")
	if status != "" && !slices.Contains(datastore.IssueStatuses, status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	category := ctx.QueryParam("category")
	if category != "" && !slices.Contains(datastore.IssueCategories, category) {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	dateStart, err := parseDateBound(ctx.QueryParam("start_date"), "", false)
	if err != nil {
		return nil, err
	}
	dateEnd, err := parseDateBound(ctx.QueryParam("end_date"), "", true)
	if err != nil {
		return nil, err
	}

	return &datastore.IssueFilters{
		Status:        status,
		Category:      category,
		LineName:      ctx.QueryParam("line"),
		ComponentPN:   ctx.QueryParam("component"),
		OverdueOnly:   ctx.QueryParam("overdue") == "true",
		Search:        ctx.QueryParam("search"),
		DateStart:     dateStart,
		DateEnd:       dateEnd,
		SortAscending: ctx.QueryParam("sort") == "asc",
		Limit:         limit,
		Offset:        offset,
	}, nil
}
