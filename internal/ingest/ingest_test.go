// ingest_test.go: per-file pipeline and worker pool tests.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
)

// testStore adapts an in-memory DataStore to the full store interface.
type testStore struct {
	*datastore.DataStore
}

func (testStore) Open() error                              { return nil }
func (testStore) Close() error                             { return nil }
func (testStore) Backup(dir string, keep int) (string, error) { return "", nil }

// newTestProcessor builds a Processor over an in-memory database. The
// connection pool is capped at one connection so concurrent workers share
// the same :memory: database.
func newTestProcessor(t *testing.T) (*Processor, *datastore.DataStore) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&datastore.Defect{}, &datastore.DefectReview{},
		&datastore.IngestRun{}, &datastore.Issue{}, &datastore.IssueChange{})
	require.NoError(t, err)
	ds := &datastore.DataStore{DB: db}

	settings := &conf.Settings{}
	settings.Ingest.Delimiter = "auto"
	settings.Ingest.SkipLimit = 50
	settings.Ingest.Workers = 2
	settings.Ingest.Watch.Interval = 30

	p := New(settings, testStore{ds})
	p.loc = time.UTC
	p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return p, ds
}

func TestProcessFile_CompletedRun(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)

	content := exportHeader + "\n" +
		"SN1,R1,Bridge,False call,2025-07-01 08:00:00,PCB-A,CAP-100,AOI-1,PostReflow,SMT-1\n" +
		"SN1,R2,Bridge,Reworkable,2025-07-01 08:05:00,PCB-A,CAP-100,AOI-1,PostReflow,SMT-1\n" +
		"SN1,R2,Bridge,Overridden,2025-07-01 08:40:00,PCB-A,CAP-100,AOI-1,PostReflow,SMT-1\n" +
		"SN2,C9,Missing,Overridden,2025-07-01 09:00:00,PCB-A,RES-220,AOI-1,PostReflow,SMT-1\n"
	path := writeExport(t, t.TempDir(), "export.csv", content)

	run, err := p.ProcessFile(context.Background(), path, SourceFile)
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, datastore.RunStatusCompleted, run.Status)
	assert.Equal(t, 4, run.RowCount)
	assert.Equal(t, 0, run.SkippedRows)
	assert.Equal(t, 3, run.GroupCount)
	assert.Equal(t, 1, run.FalseCount)
	assert.Equal(t, 1, run.RealCount)
	assert.Equal(t, 1, run.FixedCount)
	assert.Equal(t, 0, run.SuspectCount)
	assert.Equal(t, "export.csv", run.FileName)
	assert.NotEmpty(t, run.RunID)

	// The run record in the store carries the final state
	stored, err := ds.GetIngestRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.GroupCount)

	// Defects carry provenance back to the run
	defects, total, err := ds.SearchDefects(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	for _, d := range defects {
		assert.Equal(t, run.RunID, d.RunID)
		assert.Equal(t, "export.csv", d.SourceFile)
	}
}

func TestProcessFile_PartialOnSkippedRows(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	content := exportHeader + "\n" +
		"SN1,R1,Bridge,Reworkable,2025-07-01 08:00:00,,,,,\n" +
		"SN2,R2,Bridge,NotAStatus,2025-07-01 08:00:00,,,,,\n"
	path := writeExport(t, t.TempDir(), "export.csv", content)

	run, err := p.ProcessFile(context.Background(), path, SourceFile)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunStatusPartial, run.Status)
	assert.Equal(t, 2, run.RowCount)
	assert.Equal(t, 1, run.SkippedRows)
	assert.Equal(t, 1, run.GroupCount)
}

func TestProcessFile_FailedOnBadHeader(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)

	path := writeExport(t, t.TempDir(), "export.csv", "NotAHeader\nfoo\n")

	run, err := p.ProcessFile(context.Background(), path, SourceFile)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, datastore.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)

	// The failed state is persisted too
	stored, err := ds.GetIngestRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "missing required columns")
}

func TestProcessFile_MissingFileFails(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	run, err := p.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "absent.csv"), SourceFile)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, datastore.RunStatusFailed, run.Status)
}

func TestProcessFile_ReingestReplacesRecords(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)
	dir := t.TempDir()

	first := exportHeader + "\n" +
		"SN1,R1,Bridge,Reworkable,2025-07-01 08:00:00,,,,,\n"
	path := writeExport(t, dir, "export.csv", first)
	_, err := p.ProcessFile(context.Background(), path, SourceFile)
	require.NoError(t, err)

	// Re-exported file with an extra loop pass for the same location
	second := first +
		"SN1,R1,Bridge,Overridden,2025-07-01 09:00:00,,,,,\n"
	path = writeExport(t, dir, "export.csv", second)
	run, err := p.ProcessFile(context.Background(), path, SourceFile)
	require.NoError(t, err)
	assert.Equal(t, 1, run.GroupCount)

	_, total, err := ds.SearchDefects(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "re-ingesting must replace, not duplicate")

	defects, _, err := ds.SearchDefects(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, defects[0].ReworkableCount)
	assert.Equal(t, 1, defects[0].OverriddenCount)
}

func TestProcessFile_CancelledContext(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	path := writeExport(t, t.TempDir(), "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := p.ProcessFile(ctx, path, SourceFile)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, datastore.RunStatusFailed, run.Status)
}

func TestProcessUpload_RecordsClientFileName(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	path := writeExport(t, t.TempDir(), "upload-127345.tmp",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")

	run, err := p.ProcessUpload(context.Background(), path, "line1-shift2.csv")
	require.NoError(t, err)
	assert.Equal(t, "line1-shift2.csv", run.FileName)
	assert.Equal(t, SourceUpload, run.Source)
}

func TestProcessFiles_Pool(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)
	dir := t.TempDir()

	var paths []string
	for i, serial := range []string{"SN1", "SN2", "SN3"} {
		content := exportHeader + "\n" +
			serial + ",R1,Bridge,Reworkable,2025-07-01 08:00:00,,,,,\n"
		paths = append(paths, writeExport(t, dir, "export"+string(rune('a'+i))+".csv", content))
	}

	results := p.ProcessFiles(context.Background(), paths, SourceFile)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, paths[i], res.Path)
		require.NoError(t, res.Err)
		assert.Equal(t, datastore.RunStatusCompleted, res.Run.Status)
	}

	_, total, err := ds.SearchDefects(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestProcessFiles_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	paths := []string{"a.csv", "b.csv"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := p.ProcessFiles(ctx, paths, SourceFile)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Nil(t, res.Run)
	}
}

func TestResolvePaths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	a := writeExport(t, dir, "a.csv", "x")
	b := writeExport(t, dir, "b.csv", "x")
	writeExport(t, dir, "notes.txt", "x")

	t.Run("plain file", func(t *testing.T) {
		t.Parallel()
		paths, err := ResolvePaths([]string{a}, "*.csv")
		require.NoError(t, err)
		assert.Equal(t, []string{a}, paths)
	})

	t.Run("directory expands with pattern", func(t *testing.T) {
		t.Parallel()
		paths, err := ResolvePaths([]string{dir}, "*.csv")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a, b}, paths)
	})

	t.Run("glob", func(t *testing.T) {
		t.Parallel()
		paths, err := ResolvePaths([]string{filepath.Join(dir, "*.csv")}, "*.csv")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a, b}, paths)
	})

	t.Run("no match", func(t *testing.T) {
		t.Parallel()
		_, err := ResolvePaths([]string{filepath.Join(dir, "*.xlsx")}, "*.csv")
		require.Error(t, err)
	})
}
