// internal/api/v2/ingest.go
package api

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/factorylens/aoitrack/internal/datastore"
)

// initIngestRoutes registers ingest run endpoints
func (c *Controller) initIngestRoutes() {
	// Run history is publicly accessible
	c.Group.GET("/ingest/runs", c.GetIngestRuns)
	c.Group.GET("/ingest/runs/:id", c.GetIngestRun)

	// Uploads mutate the database and require authentication
	ingestGroup := c.Group.Group("/ingest", c.authMiddleware)
	ingestGroup.POST("/upload", c.UploadExport)
}

// RunResponse represents an ingest run in the API response
type RunResponse struct {
	RunID        string `json:"run_id"`
	FileName     string `json:"file_name"`
	Source       string `json:"source"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	RowCount     int    `json:"row_count"`
	SkippedRows  int    `json:"skipped_rows"`
	GroupCount   int    `json:"group_count"`
	FalseCount   int    `json:"false_count"`
	RealCount    int    `json:"real_count"`
	FixedCount   int    `json:"fixed_count"`
	SuspectCount int    `json:"suspect_count"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// runToResponse converts an ingest run to an API response
func runToResponse(run *datastore.IngestRun) RunResponse {
	response := RunResponse{
		RunID:        run.RunID,
		FileName:     run.FileName,
		Source:       run.Source,
		StartedAt:    run.StartedAt.Format(time.RFC3339),
		DurationMS:   run.DurationMS,
		RowCount:     run.RowCount,
		SkippedRows:  run.SkippedRows,
		GroupCount:   run.GroupCount,
		FalseCount:   run.FalseCount,
		RealCount:    run.RealCount,
		FixedCount:   run.FixedCount,
		SuspectCount: run.SuspectCount,
		Status:       run.Status,
		Error:        run.Error,
	}
	if !run.CompletedAt.IsZero() {
		response.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return response
}

// GetIngestRuns handles GET /api/v2/ingest/runs
func (c *Controller) GetIngestRuns(ctx echo.Context) error {
	limit, _ := strconv.Atoi(ctx.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	} else if limit > 500 {
		limit = 500
	}

	runs, err := c.DS.GetIngestRuns(limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get ingest runs", http.StatusInternalServerError)
	}

	data := make([]RunResponse, 0, len(runs))
	for i := range runs {
		data = append(data, runToResponse(&runs[i]))
	}

	return ctx.JSON(http.StatusOK, data)
}

// GetIngestRun handles GET /api/v2/ingest/runs/:id
func (c *Controller) GetIngestRun(ctx echo.Context) error {
	id := ctx.Param("id")
	run, err := c.DS.GetIngestRun(id)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Ingest run not found"})
	}

	response := runToResponse(&run)
	return ctx.JSON(http.StatusOK, response)
}

// UploadExport handles POST /api/v2/ingest/upload
//
// The uploaded machine export is spooled to a temporary file and fed through
// the same pipeline as files picked up from the drop directory.
func (c *Controller) UploadExport(ctx echo.Context) error {
	if c.Processor == nil {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Ingest is not available"})
	}

	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Missing file upload"})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read uploaded file", http.StatusInternalServerError)
	}
	defer func() {
		if err := src.Close(); err != nil {
			c.Debug("Failed to close uploaded file: %v", err)
		}
	}()

	tmp, err := os.CreateTemp("", "aoitrack-upload-*.csv")
	if err != nil {
		return c.HandleError(ctx, err, "Failed to spool uploaded file", http.StatusInternalServerError)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			c.Debug("Failed to remove upload spool file %s: %v", tmpPath, err)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return c.HandleError(ctx, err, "Failed to spool uploaded file", http.StatusInternalServerError)
	}
	if err := tmp.Close(); err != nil {
		return c.HandleError(ctx, err, "Failed to spool uploaded file", http.StatusInternalServerError)
	}

	run, err := c.Processor.ProcessUpload(ctx.Request().Context(), tmpPath, fileHeader.Filename)
	if err != nil {
		if run != nil {
			// The run record carries the failure detail
			response := runToResponse(run)
			return ctx.JSON(http.StatusUnprocessableEntity, response)
		}
		return c.HandleError(ctx, err, "Failed to process uploaded file", http.StatusInternalServerError)
	}

	response := runToResponse(run)
	return ctx.JSON(http.StatusOK, response)
}
