//go:build integration

// mysql_integration_test.go: End-to-end tests for the MySQL store against a
// disposable MySQL server.
// Run with: go test -tags=integration ./internal/datastore/...
package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/conf"
)

const mysqlTestImage = "mysql:8.4"

// startMySQL launches a disposable MySQL server and returns settings that
// point the MySQL store at it.
func startMySQL(t *testing.T) *conf.Settings {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcmysql.Run(ctx, mysqlTestImage,
		tcmysql.WithDatabase("aoitrack_test"),
		tcmysql.WithUsername("aoitrack"),
		tcmysql.WithPassword("tracker-secret"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "failed to start MySQL container")

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	settings := createTestSettings(t)
	settings.Output.MySQL.Enabled = true
	settings.Output.MySQL.Host = host
	settings.Output.MySQL.Port = port.Port()
	settings.Output.MySQL.Username = "aoitrack"
	settings.Output.MySQL.Password = "tracker-secret"
	settings.Output.MySQL.Database = "aoitrack_test"
	return settings
}

func openMySQL(t *testing.T) Interface {
	t.Helper()

	ds := New(startMySQL(t))
	require.NoError(t, ds.Open(), "failed to open MySQL store")
	t.Cleanup(func() {
		assert.NoError(t, ds.Close())
	})
	return ds
}

// TestMySQLStore_DefectRoundTrip exercises upsert, replace-on-key, search
// and review against a real MySQL server, the same path the SQLite tests
// cover in-memory. MySQL differs in dialect details (ON DUPLICATE KEY
// UPDATE instead of ON CONFLICT), so the shared GORM code needs proof on
// both backends.
func TestMySQLStore_DefectRoundTrip(t *testing.T) {
	ds := openMySQL(t)

	batch := []Defect{
		{
			SerialNumber: "SN500", RefID: "R1", DefectCode: "Bridge",
			ReworkableCount: 1, Outcome: string(classify.OutcomeSuspect),
			EventDate: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
			LineName:  "SMT-1", MachineName: "M1", OperationName: "PostReflow",
		},
		{
			SerialNumber: "SN501", RefID: "C2", DefectCode: "Missing",
			FalseCallCount: 1, Outcome: string(classify.OutcomeFalse),
			EventDate: time.Date(2025, 7, 2, 11, 0, 0, 0, time.UTC),
			LineName:  "SMT-1", MachineName: "M1", OperationName: "PostReflow",
		},
	}
	count, err := ds.UpsertDefects(batch)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Replaying the same key must replace, not duplicate
	_, err = ds.UpsertDefects([]Defect{{
		SerialNumber: "SN500", RefID: "R1", DefectCode: "Bridge",
		ReworkableCount: 2, OverriddenCount: 1, Outcome: string(classify.OutcomeReal),
		EventDate: time.Date(2025, 7, 1, 10, 5, 0, 0, time.UTC),
		LineName:  "SMT-1", MachineName: "M1", OperationName: "PostReflow",
	}})
	require.NoError(t, err)

	all, total, err := ds.SearchDefects(&DefectFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, all, 2)

	real, _, err := ds.SearchDefects(&DefectFilters{Outcomes: []string{string(classify.OutcomeReal)}})
	require.NoError(t, err)
	require.Len(t, real, 1)
	assert.Equal(t, "SN500", real[0].SerialNumber)
	assert.Equal(t, 2, real[0].ReworkableCount)

	require.NoError(t, ds.ReviewDefect(real[0].ID, ReviewConfirmed, "solder bridge at bench", "op1"))
	confirmed, _, err := ds.SearchDefects(&DefectFilters{Verified: ReviewConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "SN500", confirmed[0].SerialNumber)
}

// TestMySQLStore_IngestRunLifecycle verifies run bookkeeping on MySQL.
func TestMySQLStore_IngestRunLifecycle(t *testing.T) {
	ds := openMySQL(t)

	run := IngestRun{
		RunID:     "4f77a2c1-9a55-4a15-9f5d-2f431c7f9a10",
		FileName:  "export_0701.csv",
		Source:    "watch",
		StartedAt: time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC),
		Status:    RunStatusRunning,
	}
	require.NoError(t, ds.SaveIngestRun(&run))

	run.CompletedAt = run.StartedAt.Add(2 * time.Second)
	run.DurationMS = 2000
	run.RowCount = 40
	run.GroupCount = 12
	run.Status = RunStatusCompleted
	require.NoError(t, ds.UpdateIngestRun(&run))

	got, err := ds.GetIngestRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, 12, got.GroupCount)
}

// TestMySQLStore_BackupUnsupported pins the documented behavior: snapshots
// are a SQLite feature.
func TestMySQLStore_BackupUnsupported(t *testing.T) {
	ds := openMySQL(t)

	_, err := ds.Backup(t.TempDir(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SQLite")
}
