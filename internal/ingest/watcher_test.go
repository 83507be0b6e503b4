// watcher_test.go: drop-directory watch mode tests.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorylens/aoitrack/internal/datastore"
)

// dropExport writes an export file with a modification time in the past so
// the stability window does not hold it back.
func dropExport(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := writeExport(t, dir, name, content)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	return path
}

func TestScanDropDir_ProcessesNewFiles(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)
	dir := t.TempDir()
	p.Settings.Ingest.Directory = dir
	p.Settings.Ingest.Watch.StabilityWindow = 1

	dropExport(t, dir, "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")
	// Non-matching files are ignored
	dropExport(t, dir, "readme.txt", "not an export")

	processed := make(map[string]fileStamp)
	require.NoError(t, p.scanDropDir(context.Background(), dir, "*.csv", processed))

	runs, err := ds.GetIngestRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, SourceDirectory, runs[0].Source)
	assert.Equal(t, datastore.RunStatusCompleted, runs[0].Status)
	assert.Contains(t, processed, "export.csv")
}

func TestScanDropDir_SkipsAlreadyProcessed(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)
	dir := t.TempDir()
	p.Settings.Ingest.Directory = dir
	p.Settings.Ingest.Watch.StabilityWindow = 1

	dropExport(t, dir, "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")

	processed := make(map[string]fileStamp)
	require.NoError(t, p.scanDropDir(context.Background(), dir, "*.csv", processed))
	require.NoError(t, p.scanDropDir(context.Background(), dir, "*.csv", processed))

	runs, err := ds.GetIngestRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "unchanged file must not be re-ingested")

	// Rewriting the file with new content makes it eligible again
	dropExport(t, dir, "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\nSN2,R2,Bridge,Overridden,2025-07-02,,,,,\n")
	require.NoError(t, p.scanDropDir(context.Background(), dir, "*.csv", processed))

	runs, err = ds.GetIngestRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestScanDropDir_HoldsBackFreshFiles(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)
	dir := t.TempDir()
	p.Settings.Ingest.Directory = dir
	p.Settings.Ingest.Watch.StabilityWindow = 3600

	// Freshly written file, still inside the stability window
	writeExport(t, dir, "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")

	processed := make(map[string]fileStamp)
	require.NoError(t, p.scanDropDir(context.Background(), dir, "*.csv", processed))

	runs, err := ds.GetIngestRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, processed)
}

func TestScanDropDir_ArchivesIngestedFiles(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)
	dir := t.TempDir()
	p.Settings.Ingest.Directory = dir
	p.Settings.Ingest.Watch.StabilityWindow = 1
	p.Settings.Ingest.Archive.Enabled = true
	p.Settings.Ingest.Archive.Directory = "done"

	path := dropExport(t, dir, "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")

	processed := make(map[string]fileStamp)
	require.NoError(t, p.scanDropDir(context.Background(), dir, "*.csv", processed))

	// Moved out of the drop directory into the archive subdirectory
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "done", "export.csv"))
	assert.NoError(t, err)
}

func TestWatch_StopsOnCancel(t *testing.T) {
	t.Parallel()
	p, ds := newTestProcessor(t)
	dir := t.TempDir()
	p.Settings.Ingest.Directory = dir
	p.Settings.Ingest.Watch.StabilityWindow = 1
	p.Settings.Ingest.Watch.Interval = 300

	dropExport(t, dir, "export.csv",
		exportHeader+"\nSN1,R1,Bridge,Reworkable,2025-07-01,,,,,\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	// The initial scan runs before the first interval wait
	require.Eventually(t, func() bool {
		runs, err := ds.GetIngestRuns(10)
		return err == nil && len(runs) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestWatch_FailsWithoutDirectory(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	p.Settings.Ingest.Directory = ""
	err := p.Watch(context.Background())
	require.Error(t, err)

	p.Settings.Ingest.Directory = filepath.Join(t.TempDir(), "missing")
	err = p.Watch(context.Background())
	require.Error(t, err)
}
