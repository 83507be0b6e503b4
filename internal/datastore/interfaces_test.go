package datastore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/conf"
)

// batchCopyWithoutID clones a defect the way a fresh ingest pass would
// produce it, without the database-assigned ID.
func batchCopyWithoutID(d Defect) Defect {
	d.ID = 0
	return d
}

// createTestSettings returns minimal settings for datastore tests.
func createTestSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings := &conf.Settings{}
	settings.Main.Name = "aoitrack-test"
	return settings
}

// createDatabase opens a SQLite store against a per-test temp file and
// closes it on cleanup.
func createDatabase(t *testing.T, settings *conf.Settings) Interface {
	t.Helper()
	tempDir := t.TempDir()
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = tempDir + "/test.db"

	dataStore := New(settings)
	require.NoError(t, dataStore.Open(), "Failed to open database")

	t.Cleanup(func() {
		assert.NoError(t, dataStore.Close(), "Failed to close datastore")
	})

	return dataStore
}

func TestNew_SelectsStoreByConfig(t *testing.T) {
	t.Parallel()

	sqliteSettings := &conf.Settings{}
	sqliteSettings.Output.SQLite.Enabled = true
	_, ok := New(sqliteSettings).(*SQLiteStore)
	assert.True(t, ok, "SQLite config should produce a SQLiteStore")

	mysqlSettings := &conf.Settings{}
	mysqlSettings.Output.MySQL.Enabled = true
	_, ok = New(mysqlSettings).(*MySQLStore)
	assert.True(t, ok, "MySQL config should produce a MySQLStore")

	assert.Nil(t, New(&conf.Settings{}), "no enabled output should produce nil")
}

// TestDefectLifecycle exercises the full interface path against a real SQLite
// file: upsert, re-ingest, search, review and delete.
func TestDefectLifecycle(t *testing.T) {
	t.Parallel()

	settings := createTestSettings(t)
	ds := createDatabase(t, settings)

	eventDate := time.Date(2025, 7, 1, 10, 30, 0, 0, time.UTC)
	batch := []Defect{
		{
			SerialNumber:    "SN001",
			RefID:           "R12.1",
			DefectCode:      "Solder Bridge",
			ReworkableCount: 2,
			Outcome:         string(classify.OutcomeSuspect),
			EventDate:       eventDate,
			PartNumber:      "PCB-100",
			ComponentPN:     "C-4711",
			LineName:        "SMT-1",
			SourceFile:      "export_0701.csv",
		},
		{
			SerialNumber:   "SN001",
			RefID:          "C3",
			DefectCode:     "Missing",
			FalseCallCount: 1,
			Outcome:        string(classify.OutcomeFalse),
			EventDate:      eventDate,
			PartNumber:     "PCB-100",
			ComponentPN:    "C-0815",
			LineName:       "SMT-1",
			SourceFile:     "export_0701.csv",
		},
	}

	count, err := ds.UpsertDefects(batch)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Re-ingesting the same file builds fresh records for the same keys.
	// They must replace the stored rows, not duplicate them.
	rebatch := []Defect{
		{
			SerialNumber:    "SN001",
			RefID:           "R12.1",
			DefectCode:      "Solder Bridge",
			ReworkableCount: 3,
			OverriddenCount: 1,
			Outcome:         string(classify.OutcomeReal),
			EventDate:       eventDate,
			PartNumber:      "PCB-100",
			ComponentPN:     "C-4711",
			LineName:        "SMT-1",
			SourceFile:      "export_0701.csv",
		},
		batchCopyWithoutID(batch[1]),
	}
	_, err = ds.UpsertDefects(rebatch)
	require.NoError(t, err)

	defects, total, err := ds.SearchDefects(&DefectFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "re-ingest must not create duplicate records")

	var reworked *Defect
	for i := range defects {
		if defects[i].RefID == "R12.1" {
			reworked = &defects[i]
		}
	}
	require.NotNil(t, reworked)
	assert.Equal(t, 3, reworked.ReworkableCount)
	assert.Equal(t, 1, reworked.OverriddenCount)
	assert.Equal(t, string(classify.OutcomeReal), reworked.Outcome)

	// Review the record and read it back through Get
	require.NoError(t, ds.ReviewDefect(reworked.ID, ReviewConfirmed, "verified at rework bench", "jt"))
	got, err := ds.Get(fmt.Sprintf("%d", reworked.ID))
	require.NoError(t, err)
	assert.Equal(t, ReviewConfirmed, got.Verified)
	require.NotNil(t, got.Review)
	assert.Equal(t, "jt", got.Review.ReviewedBy)

	// Delete removes the record and its review
	require.NoError(t, ds.Delete(fmt.Sprintf("%d", reworked.ID)))
	_, err = ds.Get(fmt.Sprintf("%d", reworked.ID))
	assert.Error(t, err)
	review, err := ds.GetDefectReview(reworked.ID)
	require.NoError(t, err)
	assert.Nil(t, review)
}
