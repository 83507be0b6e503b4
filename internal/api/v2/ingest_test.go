// ingest_test.go: ingest run listing and upload endpoint tests.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/ingest"
)

const uploadHeader = "SerialNumber,Ref_Id,DefectCode,ReworkStatus,EventDate,PartNumber,ComponentPN,MachineName,OperationName,LineName"

// newUploadContext builds a multipart upload request carrying content as the
// "file" form field.
func newUploadContext(t *testing.T, e *echo.Echo, fileName, content string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v2/ingest/upload", &buf)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v2/ingest/upload")
	return c, rec
}

// attachProcessor wires a real ingest pipeline into the test controller.
func attachProcessor(controller *Controller, ds *testStore) {
	controller.Settings.Ingest.Delimiter = "auto"
	controller.Settings.Ingest.SkipLimit = 50
	controller.Processor = ingest.New(controller.Settings, ds)
}

func TestGetIngestRuns(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)

	for i := 0; i < 3; i++ {
		run := &datastore.IngestRun{
			RunID:     fmt.Sprintf("run-%d", i),
			FileName:  fmt.Sprintf("export-%d.csv", i),
			Source:    ingest.SourceFile,
			StartedAt: time.Now().Add(time.Duration(-i) * time.Hour),
			Status:    datastore.RunStatusCompleted,
		}
		require.NoError(t, ds.SaveIngestRun(run))
	}

	c, rec := newQueryContext(e, "/api/v2/ingest/runs", "limit=2")
	require.NoError(t, controller.GetIngestRuns(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var runs []RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	// Most recent first
	assert.Equal(t, "run-0", runs[0].RunID)
	assert.Equal(t, "run-1", runs[1].RunID)
}

func TestGetIngestRun(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)

	run := &datastore.IngestRun{
		RunID:     "run-abc",
		FileName:  "export.csv",
		Source:    ingest.SourceUpload,
		StartedAt: time.Now(),
		Status:    datastore.RunStatusCompleted,
	}
	require.NoError(t, ds.SaveIngestRun(run))

	t.Run("found", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/ingest/runs/:id", "")
		c.SetParamNames("id")
		c.SetParamValues("run-abc")

		require.NoError(t, controller.GetIngestRun(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var response RunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "run-abc", response.RunID)
		assert.Equal(t, "upload", response.Source)
	})

	t.Run("not found", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/ingest/runs/:id", "")
		c.SetParamNames("id")
		c.SetParamValues("no-such-run")

		require.NoError(t, controller.GetIngestRun(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUploadExport(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	attachProcessor(controller, ds)

	content := uploadHeader + "\n" +
		"SN1,R10.1,Bridge,Reworkable,2025-07-01 08:30:00,PCB-A,CAP-100,AOI-1,PostReflow,SMT-1\n" +
		"SN1,R10.1,Bridge,Overridden,2025-07-01 09:00:00,PCB-A,CAP-100,AOI-1,PostReflow,SMT-1\n" +
		"SN2,C5.2,Missing,False call,2025-07-01 09:30:00,PCB-A,RES-22,AOI-1,PostReflow,SMT-1\n"

	c, rec := newUploadContext(t, e, "export.csv", content)
	require.NoError(t, controller.UploadExport(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var response RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "export.csv", response.FileName)
	assert.Equal(t, "upload", response.Source)
	assert.Equal(t, "completed", response.Status)
	assert.Equal(t, 3, response.RowCount)
	assert.Equal(t, 2, response.GroupCount)
	assert.Equal(t, 1, response.RealCount)
	assert.Equal(t, 1, response.FalseCount)

	// Records are in the store, stamped with the run and the uploaded name
	defects, total, err := ds.SearchDefects(&datastore.DefectFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, defect := range defects {
		assert.Equal(t, "export.csv", defect.SourceFile)
		assert.Equal(t, response.RunID, defect.RunID)
	}
}

func TestUploadExportBadFile(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	attachProcessor(controller, ds)

	// Export missing the ReworkStatus column cannot be classified
	content := "SerialNumber,Ref_Id,DefectCode\nSN1,R1,Bridge\n"
	c, rec := newUploadContext(t, e, "broken.csv", content)

	require.NoError(t, controller.UploadExport(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var response RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "failed", response.Status)
	assert.Contains(t, response.Error, "ReworkStatus")

	// The failed run is queryable afterwards
	run, err := ds.GetIngestRun(response.RunID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunStatusFailed, run.Status)
}

func TestUploadExportMissingFile(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	attachProcessor(controller, ds)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/ingest/upload", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, controller.UploadExport(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadExportNoProcessor(t *testing.T) {
	e, _, controller := setupTestEnvironment(t)

	c, rec := newUploadContext(t, e, "export.csv", uploadHeader+"\n")
	require.NoError(t, controller.UploadExport(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
