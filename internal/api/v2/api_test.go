// api_test.go: shared test environment plus controller-level endpoint tests.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/observability"
)

// testStore runs the real query layer against an in-memory database. The
// lifecycle methods are no-ops since the test owns the connection.
type testStore struct {
	*datastore.DataStore
}

func (s *testStore) Open() error  { return nil }
func (s *testStore) Close() error { return nil }

func (s *testStore) Backup(dir string, keep int) (string, error) { return "", nil }

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&datastore.Defect{}, &datastore.DefectReview{}, &datastore.IngestRun{},
		&datastore.Issue{}, &datastore.IssueChange{},
	)
	require.NoError(t, err)

	return &testStore{DataStore: &datastore.DataStore{DB: db}}
}

func testSettings() *conf.Settings {
	settings := &conf.Settings{}
	settings.Version = "1.2.3"
	settings.BuildDate = "2025-05-15"
	settings.WebServer.Enabled = true
	settings.WebServer.Port = "8080"
	settings.WebServer.CacheTTL = 5
	settings.Dashboard.TopLimit = 20
	settings.Dashboard.DedupWindow = 1
	settings.Dashboard.MatrixComponents = 5
	return settings
}

// setupTestEnvironment creates a controller backed by an in-memory store.
func setupTestEnvironment(t *testing.T) (*echo.Echo, *testStore, *Controller) {
	t.Helper()

	e := echo.New()
	ds := newTestStore(t)
	settings := testSettings()

	m, err := observability.NewMetrics()
	require.NoError(t, err)

	controller, err := New(e, ds, settings, nil, log.New(os.Stderr, "test: ", log.LstdFlags), m)
	require.NoError(t, err)
	t.Cleanup(func() { controller.Shutdown() })

	return e, ds, controller
}

// seedAPIDefects loads a fixed defect set covering all outcomes.
func seedAPIDefects(t *testing.T, ds *testStore) {
	t.Helper()

	defects := []datastore.Defect{
		{
			SerialNumber: "SN100", RefID: "R10.1", DefectCode: "Bridge",
			ReworkableCount: 2, Outcome: string(classify.OutcomeReal),
			EventDate:  time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC),
			PartNumber: "PCB-A", ComponentPN: "CAP-100", MachineName: "AOI-1",
			OperationName: "PostReflow", LineName: "SMT-1",
		},
		{
			SerialNumber: "SN100", RefID: "C5.2", DefectCode: "Missing",
			FalseCallCount: 3, Outcome: string(classify.OutcomeFalse),
			EventDate:  time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
			PartNumber: "PCB-A", ComponentPN: "RES-22", MachineName: "AOI-1",
			OperationName: "PostReflow", LineName: "SMT-1",
		},
		{
			SerialNumber: "SN200", RefID: "R10.1", DefectCode: "Bridge",
			ReworkableCount: 1, Outcome: string(classify.OutcomeSuspect),
			EventDate:  time.Date(2025, 7, 2, 10, 15, 0, 0, time.UTC),
			PartNumber: "PCB-B", ComponentPN: "CAP-100", MachineName: "AOI-2",
			OperationName: "PostWave", LineName: "SMT-2",
		},
		{
			SerialNumber: "SN300", RefID: "U1.4", DefectCode: "Lifted Lead",
			OverriddenCount: 1, ReworkableCount: 1, Outcome: string(classify.OutcomeFixed),
			EventDate:  time.Date(2025, 7, 3, 11, 45, 0, 0, time.UTC),
			PartNumber: "PCB-B", ComponentPN: "IC-7", MachineName: "AOI-2",
			OperationName: "PostWave", LineName: "SMT-2",
		},
	}
	require.NoError(t, ds.DB.Create(&defects).Error)
}

// TestHealthCheck verifies the health payload fields and uptime counter.
func TestHealthCheck(t *testing.T) {
	e, _, controller := setupTestEnvironment(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/health", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v2/health")

	require.NoError(t, controller.HealthCheck(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "1.2.3", response["version"])
	assert.Equal(t, "2025-05-15", response["build_date"])
	assert.Equal(t, "connected", response["database_status"])
	assert.Equal(t, "production", response["environment"])

	timestamp, ok := response["timestamp"].(string)
	require.True(t, ok, "timestamp should be a string")
	_, err := time.Parse(time.RFC3339, timestamp)
	assert.NoError(t, err, "timestamp should be in RFC3339 format")

	uptime, ok := response["uptime_seconds"].(float64)
	require.True(t, ok, "uptime_seconds should be a number")
	assert.GreaterOrEqual(t, uptime, float64(0))
}

// TestHandleError checks the JSON error body carries the message, code and
// a correlation ID.
func TestHandleError(t *testing.T) {
	e, _, controller := setupTestEnvironment(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/health", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := controller.HandleError(c, echo.NewHTTPError(http.StatusBadRequest, "Test error"),
		"Error message", http.StatusBadRequest)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "code=400, message=Test error", response.Error)
	assert.Equal(t, "Error message", response.Message)
	assert.Equal(t, http.StatusBadRequest, response.Code)
	assert.Len(t, response.CorrelationID, 8)
}

func TestNewPaginatedResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		total     int64
		limit     int
		offset    int
		wantPage  int
		wantPages int
	}{
		{"first page", 95, 10, 0, 1, 10},
		{"middle page", 95, 10, 40, 5, 10},
		{"exact fit", 100, 10, 90, 10, 10},
		{"empty result", 0, 10, 0, 1, 0},
		{"zero limit", 50, 0, 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := newPaginatedResponse([]string{}, tt.total, tt.limit, tt.offset)
			assert.Equal(t, tt.total, resp.Total)
			assert.Equal(t, tt.wantPage, resp.CurrentPage)
			assert.Equal(t, tt.wantPages, resp.TotalPages)
		})
	}
}

func TestNormalizeQuery(t *testing.T) {
	t.Parallel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v2/analytics/summary?line=SMT-1&start_date=2025-07-01&outcome=real&outcome=fixed", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	// Keys and repeated values come out sorted, so equivalent queries share
	// a cache entry
	got := normalizeQuery(c.QueryParams())
	assert.Equal(t, "line=SMT-1&outcome=fixed&outcome=real&start_date=2025-07-01", got)

	req2 := httptest.NewRequest(http.MethodGet, "/api/v2/analytics/summary?outcome=fixed&outcome=real&start_date=2025-07-01&line=SMT-1", http.NoBody)
	c2 := e.NewContext(req2, httptest.NewRecorder())
	assert.Equal(t, got, normalizeQuery(c2.QueryParams()))
}

func TestGenerateCorrelationID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := generateCorrelationID()
		assert.Len(t, id, 8)
		assert.NotContains(t, id, " ")
		seen[id] = true
	}
	// Collisions in 50 draws from a 4-byte space mean the generator is broken
	assert.Greater(t, len(seen), 45)
}

func TestControllerRequiresSettings(t *testing.T) {
	t.Parallel()

	e := echo.New()
	ds := newTestStore(t)

	_, err := New(e, ds, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings are required")
}

func TestBearerAuthMiddleware(t *testing.T) {
	e, _, controller := setupTestEnvironment(t)
	controller.Settings.WebServer.AuthToken = "secret-token"

	handler := controller.bearerAuthMiddleware()(func(ctx echo.Context) error {
		return ctx.NoContent(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantCode   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
		{"wrong token", "Bearer not-the-token", http.StatusUnauthorized},
		{"valid token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v2/issues", http.NoBody)
			if tt.authHeader != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.authHeader)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler(c)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestBearerAuthMiddlewareDisabled(t *testing.T) {
	e, _, controller := setupTestEnvironment(t)
	controller.Settings.WebServer.AuthToken = ""

	handler := controller.bearerAuthMiddleware()(func(ctx echo.Context) error {
		return ctx.NoContent(http.StatusOK)
	})

	// No token configured means open access
	req := httptest.NewRequest(http.MethodPost, "/api/v2/issues", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryCache(t *testing.T) {
	_, _, controller := setupTestEnvironment(t)

	key := "analytics:test?line=SMT-1"
	_, found := controller.cacheGet(key)
	assert.False(t, found)

	controller.cachePut(key, map[string]int{"real": 3})
	cached, found := controller.cacheGet(key)
	require.True(t, found)
	assert.Equal(t, map[string]int{"real": 3}, cached)
}

func TestRoutesRegistered(t *testing.T) {
	e, _, _ := setupTestEnvironment(t)

	wanted := []string{
		"/api/v2/health",
		"/api/v2/defects",
		"/api/v2/defects/:id",
		"/api/v2/defects/:id/review",
		"/api/v2/analytics/summary",
		"/api/v2/analytics/daily",
		"/api/v2/analytics/refs/top",
		"/api/v2/export/defects",
		"/api/v2/ingest/runs",
		"/api/v2/ingest/upload",
		"/api/v2/issues",
		"/api/v2/issues/:id",
		"/api/v2/system/info",
	}

	registered := make(map[string]bool)
	for _, route := range e.Routes() {
		registered[route.Path] = true
	}
	for _, path := range wanted {
		assert.True(t, registered[path], "route %s should be registered", path)
	}
}

func TestStartupRoutesServeThroughEcho(t *testing.T) {
	e, ds, _ := setupTestEnvironment(t)
	seedAPIDefects(t, ds)

	// Exercise the full middleware chain rather than the handler directly
	req := httptest.NewRequest(http.MethodGet, "/api/v2/defects?outcome=Real", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	var response PaginatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Total)
}

func TestProtectedRouteThroughEcho(t *testing.T) {
	e, _, controller := setupTestEnvironment(t)
	controller.Settings.WebServer.AuthToken = "secret-token"

	body := strings.NewReader(`{"category":"Process-related","description":"paste issue"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v2/issues", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body = strings.NewReader(`{"category":"Process-related","description":"paste issue"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/v2/issues", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer secret-token")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
