// defects_test.go: defect listing, detail, review and filter option tests.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorylens/aoitrack/internal/datastore"
)

// newQueryContext builds an echo context for a GET with the given query.
func newQueryContext(e *echo.Echo, path, query string) (echo.Context, *httptest.ResponseRecorder) {
	target := path
	if query != "" {
		target += "?" + query
	}
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)
	return c, rec
}

func TestGetDefects(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	seedAPIDefects(t, ds)

	t.Run("no filters returns everything", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/defects", "")
		require.NoError(t, controller.GetDefects(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var response PaginatedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, int64(4), response.Total)
		assert.Equal(t, 1, response.CurrentPage)
	})

	t.Run("outcome filter", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/defects", "outcome=Real")
		require.NoError(t, controller.GetDefects(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var response struct {
			Data  []DefectResponse `json:"data"`
			Total int64            `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Equal(t, int64(1), response.Total)
		assert.Equal(t, "SN100", response.Data[0].SerialNumber)
		assert.Equal(t, "Real", response.Data[0].Outcome)
		assert.Equal(t, "unreviewed", response.Data[0].Verified)
	})

	t.Run("line and date range", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/defects",
			"line=SMT-2&start_date=2025-07-02&end_date=2025-07-02")
		require.NoError(t, controller.GetDefects(c))

		var response PaginatedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, int64(1), response.Total)
	})

	t.Run("invalid outcome rejected", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/defects", "outcome=bogus")
		require.NoError(t, controller.GetDefects(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "Invalid filter parameters", response.Message)
	})
}

func TestGetDefect(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	seedAPIDefects(t, ds)

	t.Run("found", func(t *testing.T) {
		var defect datastore.Defect
		require.NoError(t, ds.DB.Where("serial_number = ?", "SN200").First(&defect).Error)

		c, rec := newQueryContext(e, "/api/v2/defects/:id", "")
		c.SetParamNames("id")
		c.SetParamValues(fmt.Sprintf("%d", defect.ID))

		require.NoError(t, controller.GetDefect(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var response DefectResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "SN200", response.SerialNumber)
		assert.Equal(t, "R10.1", response.RefID)
		assert.Equal(t, "Suspect", response.Outcome)
		assert.Equal(t, "2025-07-02 10:15:00", response.EventDate)
	})

	t.Run("not found", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/defects/:id", "")
		c.SetParamNames("id")
		c.SetParamValues("99999")

		require.NoError(t, controller.GetDefect(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReviewDefect(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	seedAPIDefects(t, ds)

	var defect datastore.Defect
	require.NoError(t, ds.DB.Where("serial_number = ?", "SN200").First(&defect).Error)
	id := fmt.Sprintf("%d", defect.ID)

	newReviewContext := func(body string) (echo.Context, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodPost, "/api/v2/defects/"+id+"/review",
			strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/api/v2/defects/:id/review")
		c.SetParamNames("id")
		c.SetParamValues(id)
		return c, rec
	}

	t.Run("confirm suspect", func(t *testing.T) {
		c, rec := newReviewContext(`{"verified":"confirmed","notes":"solder bridge on pad 2","reviewed_by":"inspector1"}`)
		require.NoError(t, controller.ReviewDefect(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)

		review, err := ds.GetDefectReview(defect.ID)
		require.NoError(t, err)
		assert.Equal(t, datastore.ReviewConfirmed, review.Verified)
		assert.Equal(t, "solder bridge on pad 2", review.Notes)
		assert.Equal(t, "inspector1", review.ReviewedBy)
	})

	t.Run("review shows up in defect detail", func(t *testing.T) {
		c, rec := newQueryContext(e, "/api/v2/defects/:id", "")
		c.SetParamNames("id")
		c.SetParamValues(id)
		require.NoError(t, controller.GetDefect(c))

		var response DefectResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "confirmed", response.Verified)
		assert.Equal(t, "inspector1", response.ReviewedBy)
	})

	t.Run("invalid verification status", func(t *testing.T) {
		c, rec := newReviewContext(`{"verified":"maybe"}`)
		require.NoError(t, controller.ReviewDefect(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown defect", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v2/defects/99999/review",
			strings.NewReader(`{"verified":"confirmed"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues("99999")

		require.NoError(t, controller.ReviewDefect(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteDefect(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	seedAPIDefects(t, ds)

	var defect datastore.Defect
	require.NoError(t, ds.DB.Where("serial_number = ?", "SN100").First(&defect).Error)
	id := fmt.Sprintf("%d", defect.ID)

	newDeleteContext := func(id string) (echo.Context, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v2/defects/"+id, http.NoBody)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/api/v2/defects/:id")
		c.SetParamNames("id")
		c.SetParamValues(id)
		return c, rec
	}

	t.Run("delete removes record", func(t *testing.T) {
		c, rec := newDeleteContext(id)
		require.NoError(t, controller.DeleteDefect(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)

		_, err := ds.Get(id)
		assert.Error(t, err)

		var remaining int64
		require.NoError(t, ds.DB.Model(&datastore.Defect{}).Count(&remaining).Error)
		assert.Equal(t, int64(3), remaining)
	})

	t.Run("unknown defect", func(t *testing.T) {
		c, rec := newDeleteContext("99999")
		require.NoError(t, controller.DeleteDefect(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetDefectFilterOptions(t *testing.T) {
	e, ds, controller := setupTestEnvironment(t)
	seedAPIDefects(t, ds)

	c, rec := newQueryContext(e, "/api/v2/defects/filters", "")
	require.NoError(t, controller.GetDefectFilterOptions(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var options datastore.FilterOptions
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &options))
	assert.ElementsMatch(t, []string{"SMT-1", "SMT-2"}, options.Lines)
	assert.ElementsMatch(t, []string{"AOI-1", "AOI-2"}, options.Machines)
	assert.Contains(t, options.DefectCodes, "Bridge")

	// Second call is served from cache and stays consistent
	c2, rec2 := newQueryContext(e, "/api/v2/defects/filters", "")
	require.NoError(t, controller.GetDefectFilterOptions(c2))
	assert.JSONEq(t, rec.Body.String(), rec2.Body.String())
}

func TestBuildDefectFilters(t *testing.T) {
	t.Parallel()
	e := echo.New()

	tests := []struct {
		name    string
		query   string
		wantErr string
		check   func(t *testing.T, f *datastore.DefectFilters)
	}{
		{
			name:  "defaults",
			query: "",
			check: func(t *testing.T, f *datastore.DefectFilters) {
				t.Helper()
				assert.Equal(t, 100, f.Limit)
				assert.Equal(t, 0, f.Offset)
				assert.False(t, f.SortAscending)
			},
		},
		{
			name:  "limit clamped",
			query: "limit=5000&offset=-3",
			check: func(t *testing.T, f *datastore.DefectFilters) {
				t.Helper()
				assert.Equal(t, 1000, f.Limit)
				assert.Equal(t, 0, f.Offset)
			},
		},
		{
			name:  "outcomes collected",
			query: "outcome=Real&outcome=Suspect",
			check: func(t *testing.T, f *datastore.DefectFilters) {
				t.Helper()
				assert.Equal(t, []string{"Real", "Suspect"}, f.Outcomes)
			},
		},
		{
			name:  "sort ascending",
			query: "sort=asc&serial=SN1&ref=R10&search=bridge",
			check: func(t *testing.T, f *datastore.DefectFilters) {
				t.Helper()
				assert.True(t, f.SortAscending)
				assert.Equal(t, "SN1", f.SerialNumber)
				assert.Equal(t, "R10", f.RefID)
				assert.Equal(t, "bridge", f.Search)
			},
		},
		{
			name:    "unknown outcome",
			query:   "outcome=nope",
			wantErr: "unknown outcome",
		},
		{
			name:    "unknown verified state",
			query:   "verified=sort-of",
			wantErr: "unknown verification filter",
		},
		{
			name:    "bad start date",
			query:   "start_date=07/01/2025",
			wantErr: "invalid date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newQueryContext(e, "/api/v2/defects", tt.query)

			filters, err := buildDefectFilters(c)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, filters)
		})
	}
}

func TestParseDateBound(t *testing.T) {
	t.Parallel()

	t.Run("empty is zero", func(t *testing.T) {
		t.Parallel()
		got, err := parseDateBound("", "", false)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("start of day", func(t *testing.T) {
		t.Parallel()
		got, err := parseDateBound("2025-07-01", "", false)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.Local), got)
	})

	t.Run("end of day", func(t *testing.T) {
		t.Parallel()
		got, err := parseDateBound("2025-07-01", "", true)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 7, 1, 23, 59, 59, 0, time.Local), got)
	})

	t.Run("end with time extends to minute end", func(t *testing.T) {
		t.Parallel()
		got, err := parseDateBound("2025-07-01", "14:30", true)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 7, 1, 14, 30, 59, 0, time.Local), got)
	})

	t.Run("start with time", func(t *testing.T) {
		t.Parallel()
		got, err := parseDateBound("2025-07-01", "06:00", false)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 7, 1, 6, 0, 0, 0, time.Local), got)
	})

	t.Run("invalid time", func(t *testing.T) {
		t.Parallel()
		_, err := parseDateBound("2025-07-01", "25:99", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid time")
	})
}

func TestQueryCacheKey(t *testing.T) {
	t.Parallel()
	e := echo.New()

	values := url.Values{}
	values.Set("line", "SMT-1")
	values.Set("start_date", "2025-07-01")

	c, _ := newQueryContext(e, "/api/v2/analytics/summary", values.Encode())
	key := queryCacheKey("analytics:summary", c)
	assert.Equal(t, "analytics:summary?line=SMT-1&start_date=2025-07-01", key)
}
