// issues_test.go: Tests for corrective action issue persistence and changelog
package datastore

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// makeIssue builds a minimal valid issue for tests.
func makeIssue(serial, category, status string, reported time.Time) Issue {
	return Issue{
		DateReported: reported,
		LineName:     "SMT-1",
		SerialNumber: serial,
		Category:     category,
		Status:       status,
		Description:  "solder bridge cluster on " + serial,
	}
}

func TestSaveIssue_CreateDefaults(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	issue := makeIssue("SN500", "Process-related", "", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, ds.SaveIssue(&issue, "op1"))
	require.NotZero(t, issue.ID)
	assert.Equal(t, "Open", issue.Status, "missing status defaults to Open")

	changes, err := ds.GetIssueChangelog(issue.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "status", changes[0].FieldName)
	assert.Equal(t, "", changes[0].OldValue)
	assert.Equal(t, "Created", changes[0].NewValue)
	assert.Equal(t, "System", changes[0].ChangedBy)
}

func TestSaveIssue_Validation(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	reported := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		issue Issue
	}{
		{"unknown category", makeIssue("SN1", "Weather-related", "Open", reported)},
		{"unknown status", makeIssue("SN1", "Other", "Done", reported)},
		{
			"type from wrong category",
			Issue{DateReported: reported, Category: "Machine-related", IssueType: "Tombstoning", Status: "Open"},
		},
		{
			"unknown rca method",
			Issue{DateReported: reported, Category: "Other", Status: "Open", RCAMethod: "Guesswork"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := tt.issue
			assert.Error(t, ds.SaveIssue(&issue, "op1"))
		})
	}
}

func TestSaveIssue_UpdateRecordsChanges(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	issue := makeIssue("SN501", "Machine-related", "Open", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	issue.IssueType = "Mispick"
	require.NoError(t, ds.SaveIssue(&issue, "op1"))
	createdAt := issue.CreatedAt

	updated, err := ds.GetIssue(strconv.Itoa(int(issue.ID)))
	require.NoError(t, err)
	due := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)
	updated.Status = "In Progress"
	updated.ShortTermFix = "manual rework of affected joints"
	updated.DueDate = &due
	require.NoError(t, ds.SaveIssue(&updated, "lead1"))

	changes, err := ds.GetIssueChangelog(issue.ID)
	require.NoError(t, err)
	require.Len(t, changes, 4, "creation entry plus one entry per changed field")

	// Newest first, the creation entry comes last
	assert.Equal(t, "Created", changes[3].NewValue)

	byField := make(map[string]IssueChange)
	for _, c := range changes[:3] {
		assert.Equal(t, "lead1", c.ChangedBy)
		byField[c.FieldName] = c
	}
	require.Contains(t, byField, "status")
	assert.Equal(t, "Open", byField["status"].OldValue)
	assert.Equal(t, "In Progress", byField["status"].NewValue)
	require.Contains(t, byField, "short_term_fix")
	assert.Equal(t, "", byField["short_term_fix"].OldValue)
	require.Contains(t, byField, "due_date")
	assert.Equal(t, "2025-07-15", byField["due_date"].NewValue)

	// The update must not rewrite the creation timestamp
	got, err := ds.GetIssue(strconv.Itoa(int(issue.ID)))
	require.NoError(t, err)
	assert.WithinDuration(t, createdAt, got.CreatedAt, time.Second)
	assert.Equal(t, "In Progress", got.Status)
}

func TestSaveIssue_UpdateWithoutChanges(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	issue := makeIssue("SN502", "Other", "Open", time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, ds.SaveIssue(&issue, "op1"))

	same, err := ds.GetIssue(strconv.Itoa(int(issue.ID)))
	require.NoError(t, err)
	require.NoError(t, ds.SaveIssue(&same, "op2"))

	changes, err := ds.GetIssueChangelog(issue.ID)
	require.NoError(t, err)
	assert.Len(t, changes, 1, "saving an unchanged issue adds no changelog entries")
}

func TestGetIssue_Errors(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	_, err := ds.GetIssue("not-a-number")
	assert.Error(t, err)

	_, err = ds.GetIssue("12345")
	assert.Error(t, err)
}

func TestSearchIssues(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	seed := []Issue{
		makeIssue("SN600", "Process-related", "Open", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)),
		makeIssue("SN601", "Machine-related", "In Progress", time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)),
		makeIssue("SN602", "Process-related", "Closed", time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)),
	}
	seed[1].LineName = "SMT-2"
	for i := range seed {
		require.NoError(t, ds.SaveIssue(&seed[i], "op1"))
	}

	all, total, err := ds.SearchIssues(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, "SN602", all[0].SerialNumber, "default order is newest first")

	open, total, err := ds.SearchIssues(&IssueFilters{Status: "Open"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, open, 1)
	assert.Equal(t, "SN600", open[0].SerialNumber)

	_, total, err = ds.SearchIssues(&IssueFilters{Category: "Process-related"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	_, total, err = ds.SearchIssues(&IssueFilters{LineName: "SMT-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	_, total, err = ds.SearchIssues(&IssueFilters{Search: "SN60"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, total, err = ds.SearchIssues(&IssueFilters{
		DateStart: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC),
		DateEnd:   time.Date(2025, 7, 2, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	page, total, err := ds.SearchIssues(&IssueFilters{Limit: 2, Offset: 2, SortAscending: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, "SN602", page[0].SerialNumber)
}

func TestDeleteIssue(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	issue := makeIssue("SN700", "Other", "Open", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, ds.SaveIssue(&issue, "op1"))
	id := strconv.Itoa(int(issue.ID))

	require.NoError(t, ds.DeleteIssue(id))

	_, err := ds.GetIssue(id)
	assert.Error(t, err)

	var changeCount int64
	require.NoError(t, ds.DB.Model(&IssueChange{}).Where("issue_id = ?", issue.ID).Count(&changeCount).Error)
	assert.Equal(t, int64(0), changeCount, "deleting an issue removes its changelog")

	err = ds.DeleteIssue(id)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestGetIssueSummary(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	pastDue := time.Now().AddDate(0, 0, -3)
	reported := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	open := makeIssue("SN800", "Other", "Open", reported)
	open.DueDate = &pastDue
	inProgress := makeIssue("SN801", "Other", "In Progress", reported)
	closed := makeIssue("SN802", "Other", "Closed", reported)
	closed.DueDate = &pastDue
	onHold := makeIssue("SN803", "Other", "On Hold", reported)
	onHold.DueDate = &pastDue

	for _, issue := range []*Issue{&open, &inProgress, &closed, &onHold} {
		require.NoError(t, ds.SaveIssue(issue, "op1"))
	}

	summary, err := ds.GetIssueSummary()
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Open)
	assert.Equal(t, 1, summary.InProgress)
	assert.Equal(t, 1, summary.Closed)
	assert.Equal(t, 1, summary.OnHold)
	assert.Equal(t, 1, summary.Overdue, "only Open and In Progress issues count as overdue")

	overdue, total, err := ds.SearchIssues(&IssueFilters{OverdueOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, overdue, 1)
	assert.Equal(t, "SN800", overdue[0].SerialNumber)
}

func TestGetIssueDailyCounts(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	seed := []Issue{
		makeIssue("SN900", "Other", "Open", time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)),
		makeIssue("SN901", "Other", "Closed", time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)),
		makeIssue("SN902", "Other", "Open", time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC)),
	}
	for i := range seed {
		require.NoError(t, ds.SaveIssue(&seed[i], "op1"))
	}

	points, err := ds.GetIssueDailyCounts(nil)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, SeriesPoint{Period: "2025-06-30", Count: 2}, points[0])
	assert.Equal(t, SeriesPoint{Period: "2025-07-08", Count: 1}, points[1])
}

func TestGetIssueWeeklyClosure(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	seed := []Issue{
		makeIssue("SN910", "Other", "Closed", time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)),
		makeIssue("SN911", "Other", "Open", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)),
		makeIssue("SN912", "Other", "Open", time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC)),
	}
	for i := range seed {
		require.NoError(t, ds.SaveIssue(&seed[i], "op1"))
	}

	stats, err := ds.GetIssueWeeklyClosure(nil)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	// June 30 and July 1 2025 share ISO week 27
	assert.Equal(t, IssueWeeklyStat{Week: "2025-W27", Total: 2, Closed: 1, ClosureRate: 50}, stats[0])
	assert.Equal(t, IssueWeeklyStat{Week: "2025-W28", Total: 1, Closed: 0, ClosureRate: 0}, stats[1])
}

func TestGetAverageResolutionDays(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	// No closed issues yet
	avg, err := ds.GetAverageResolutionDays(nil)
	require.NoError(t, err)
	assert.Zero(t, avg)

	reported := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	fast := makeIssue("SN920", "Other", "Closed", reported)
	slow := makeIssue("SN921", "Other", "Closed", reported)
	still := makeIssue("SN922", "Other", "Open", reported)
	for _, issue := range []*Issue{&fast, &slow, &still} {
		require.NoError(t, ds.SaveIssue(issue, "op1"))
	}

	// Force the lifecycle timestamps to known spans of 2 and 4 days
	base := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ds.DB.Model(&Issue{}).Where("id = ?", fast.ID).
		UpdateColumns(map[string]any{"created_at": base, "updated_at": base.AddDate(0, 0, 2)}).Error)
	require.NoError(t, ds.DB.Model(&Issue{}).Where("id = ?", slow.ID).
		UpdateColumns(map[string]any{"created_at": base, "updated_at": base.AddDate(0, 0, 4)}).Error)

	avg, err = ds.GetAverageResolutionDays(nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, avg, 0.001, "open issues do not enter the average")
}

func TestIssueVocabularies(t *testing.T) {
	t.Parallel()

	for category := range IssueTypes {
		assert.Contains(t, IssueCategories, category, "every type list belongs to a known category")
	}
	assert.Contains(t, IssueStatuses, "Reopened")
	assert.Contains(t, RCAMethods, "5 Whys")
}
