// Background reporting of connection pool and table statistics.
package datastore

import (
	"context"
	"fmt"
	"time"
)

// monitoredTables lists the tables whose row counts are exported as gauges.
var monitoredTables = []string{"defects", "defect_reviews", "ingest_runs", "issues", "issue_changes"}

// StartMonitoring launches the pool and table statistics loops. Both run
// until ctx is cancelled. An interval of zero or less disables that loop.
func (ds *DataStore) StartMonitoring(ctx context.Context, poolInterval, statsInterval time.Duration) {
	if poolInterval > 0 {
		go ds.monitorConnectionPool(ctx, poolInterval)
		getLogger().Info("Started connection pool monitoring", "interval", poolInterval)
	}
	if statsInterval > 0 {
		go ds.monitorTableStats(ctx, statsInterval)
		getLogger().Info("Started table statistics monitoring", "interval", statsInterval)
	}
}

func (ds *DataStore) monitorConnectionPool(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds.reportPoolStats()
		}
	}
}

func (ds *DataStore) reportPoolStats() {
	sqlDB, err := ds.DB.DB()
	if err != nil {
		getLogger().Error("Failed to get SQL DB for pool monitoring", "error", err)
		return
	}

	stats := sqlDB.Stats()
	getLogger().Info("Connection pool statistics",
		"open_connections", stats.OpenConnections,
		"in_use", stats.InUse,
		"idle", stats.Idle,
		"wait_count", stats.WaitCount,
		"wait_duration", stats.WaitDuration,
		"max_idle_closed", stats.MaxIdleClosed,
		"max_lifetime_closed", stats.MaxLifetimeClosed)

	// Waits mean the pool ran dry at least once since open.
	if stats.WaitCount > 0 {
		getLogger().Warn("Connection pool experiencing waits",
			"wait_count", stats.WaitCount,
			"total_wait_duration", stats.WaitDuration)
	}
}

func (ds *DataStore) monitorTableStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds.reportTableStats()
		}
	}
}

func (ds *DataStore) reportTableStats() {
	m := ds.getMetrics()

	size, err := ds.getDatabaseSize()
	switch {
	case err != nil:
		getLogger().Error("Failed to get database size", "error", err)
	case m != nil:
		m.UpdateDatabaseSize(size)
	}

	for _, table := range monitoredTables {
		count, err := ds.getTableRowCount(table)
		switch {
		case err != nil:
			getLogger().Error("Failed to get table row count",
				"table", table,
				"error", err)
		case m != nil:
			m.UpdateTableRowCount(table, count)
		}
	}
}

// getDatabaseSize returns the on-disk size of the database in bytes, using
// the dialect's own accounting.
func (ds *DataStore) getDatabaseSize() (int64, error) {
	var size int64

	switch ds.DB.Name() {
	case "sqlite":
		err := ds.DB.Raw("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Row().Scan(&size)
		if err != nil {
			return 0, fmt.Errorf("failed to get SQLite database size: %w", err)
		}
		return size, nil

	case "mysql":
		var dbName string
		if err := ds.DB.Raw("SELECT DATABASE()").Scan(&dbName).Error; err != nil {
			return 0, fmt.Errorf("failed to get current database name: %w", err)
		}
		err := ds.DB.Raw(`
			SELECT SUM(data_length + index_length)
			FROM information_schema.tables
			WHERE table_schema = ?
		`, dbName).Scan(&size).Error
		if err != nil {
			return 0, fmt.Errorf("failed to get MySQL database size: %w", err)
		}
		return size, nil

	default:
		return 0, fmt.Errorf("unsupported database type: %s", ds.DB.Name())
	}
}

func (ds *DataStore) getTableRowCount(table string) (int64, error) {
	var count int64
	if err := ds.DB.Table(table).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count rows in table %s: %w", table, err)
	}
	return count, nil
}
