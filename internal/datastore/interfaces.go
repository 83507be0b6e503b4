// interfaces.go: the store interface and the shared defect record queries.
package datastore

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/observability/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metrics aliases the observability counter set so datastore code does not
// import the metrics package at every call site.
type Metrics = metrics.DatastoreMetrics

// Interface is what the API, ingest pipeline and CLI program against. Both
// dialect stores satisfy it through the embedded DataStore.
type Interface interface {
	Open() error
	Close() error
	// defect records
	UpsertDefects(defects []Defect) (int, error)
	Get(id string) (Defect, error)
	Delete(id string) error
	SearchDefects(filters *DefectFilters) ([]Defect, int64, error)
	ReviewDefect(defectID uint, verified, notes, reviewedBy string) error
	GetDefectReview(defectID uint) (*DefectReview, error)
	GetFilterOptions() (FilterOptions, error)
	// ingest runs
	SaveIngestRun(run *IngestRun) error
	UpdateIngestRun(run *IngestRun) error
	GetIngestRun(runID string) (IngestRun, error)
	GetIngestRuns(limit int) ([]IngestRun, error)
	// dashboard analytics
	GetOutcomeSummary(filters *AnalyticsFilters) (OutcomeSummary, error)
	GetDailySeries(filters *AnalyticsFilters) ([]SeriesPoint, error)
	GetWeeklySeries(filters *AnalyticsFilters) ([]SeriesPoint, error)
	GetTopRefs(filters *AnalyticsFilters, dedupe bool, windowMinutes, limit int) ([]RefCount, error)
	GetTopComponents(filters *AnalyticsFilters, limit int) ([]ComponentCount, error)
	GetDefectMatrix(filters *AnalyticsFilters, componentLimit int) ([]MatrixCell, error)
	GetSuspectQueue(filters *AnalyticsFilters) ([]Defect, error)
	GetOutcomeCountsBetween(start, end time.Time, lineName string) (OutcomeSummary, error)
	GetNewSerials(runID string) ([]string, error)
	// issue tracker
	SaveIssue(issue *Issue, changedBy string) error
	GetIssue(id string) (Issue, error)
	SearchIssues(filters *IssueFilters) ([]Issue, int64, error)
	DeleteIssue(id string) error
	GetIssueChangelog(issueID uint) ([]IssueChange, error)
	GetIssueSummary() (IssueSummary, error)
	GetIssueDailyCounts(filters *IssueFilters) ([]SeriesPoint, error)
	GetIssueWeeklyClosure(filters *IssueFilters) ([]IssueWeeklyStat, error)
	GetAverageResolutionDays(filters *IssueFilters) (float64, error)
	// maintenance
	Backup(dir string, keep int) (string, error)
	SetMetrics(m *Metrics)
}

// DataStore carries the GORM handle and the shared query implementations.
// The dialect-specific stores embed it.
type DataStore struct {
	DB *gorm.DB

	metricsMu sync.RWMutex // guards metrics
	metrics   *Metrics
}

// New returns the store matching the enabled output in settings, or nil when
// no database output is enabled. Validation rejects that combination before
// any command runs.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		return nil
	}
}

// SetMetrics attaches datastore metrics. Safe to call from any goroutine and
// safe to leave unset, recording helpers tolerate a nil instance.
func (ds *DataStore) SetMetrics(m *Metrics) {
	ds.metricsMu.Lock()
	defer ds.metricsMu.Unlock()
	ds.metrics = m
}

func (ds *DataStore) getMetrics() *Metrics {
	ds.metricsMu.RLock()
	defer ds.metricsMu.RUnlock()
	return ds.metrics
}

// metricsStatus maps an error to the status label used on operation counters.
func metricsStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// DefectFilters narrows a defect search. Zero values mean "no filter".
// The text fields match as substrings; DefectCode matches exactly so matrix
// drill-downs land on the right cell. Time-of-day bounds ride on the date
// range, callers fold them into DateStart/DateEnd.
type DefectFilters struct {
	SerialNumber  string
	RefID         string
	DefectCode    string
	Outcomes      []string
	LineName      string
	MachineName   string
	OperationName string
	PartNumber    string
	ComponentPN   string
	Verified      string // "confirmed", "false_call" or "unreviewed"
	Search        string // free text across serial, reference, component and defect code
	DateStart     time.Time
	DateEnd       time.Time

	SortAscending bool
	Limit         int
	Offset        int
}

// FilterOptions holds the distinct values the UI offers in filter dropdowns.
type FilterOptions struct {
	Outcomes    []string `json:"outcomes"`
	Lines       []string `json:"lines"`
	Machines    []string `json:"machines"`
	Operations  []string `json:"operations"`
	Parts       []string `json:"parts"`
	Components  []string `json:"components"`
	DefectCodes []string `json:"defect_codes"`
}

// UpsertDefects writes a batch of aggregated defect records. Rows that share
// a serial/reference/defect-code key with an existing record replace its
// counts, outcome and metadata instead of inserting a duplicate. Returns the
// number of records written.
func (ds *DataStore) UpsertDefects(defects []Defect) (int, error) {
	if len(defects) == 0 {
		return 0, nil
	}

	start := time.Now()
	result := ds.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "serial_number"}, {Name: "ref_id"}, {Name: "defect_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"false_call_count", "overridden_count", "reworkable_count", "outcome",
			"event_date", "part_number", "component_pn", "machine_name",
			"operation_name", "line_name", "source_file", "run_id", "updated_at",
		}),
	}).CreateInBatches(&defects, 200)

	if m := ds.getMetrics(); m != nil {
		m.RecordDefectOperation("upsert_batch", metricsStatus(result.Error))
		m.RecordDefectOperationDuration("upsert_batch", time.Since(start).Seconds())
	}
	if result.Error != nil {
		return 0, fmt.Errorf("upserting %d defect records: %w", len(defects), result.Error)
	}
	return len(defects), nil
}

// Get retrieves a defect record by its ID, with its review preloaded.
func (ds *DataStore) Get(id string) (Defect, error) {
	defectID, err := strconv.Atoi(id)
	if err != nil {
		return Defect{}, fmt.Errorf("converting ID to integer: %w", err)
	}

	var defect Defect
	if err := ds.DB.Preload("Review").First(&defect, defectID).Error; err != nil {
		return Defect{}, fmt.Errorf("getting defect with ID %d: %w", defectID, err)
	}
	if defect.Review != nil {
		defect.Verified = defect.Review.Verified
	}
	return defect, nil
}

// Delete removes a defect record and its review. The two deletes share a
// transaction so a failure cannot orphan the review row.
func (ds *DataStore) Delete(id string) error {
	defectID, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("converting ID to integer: %w", err)
	}

	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("defect_id = ?", defectID).Delete(&DefectReview{}).Error; err != nil {
			return fmt.Errorf("deleting review for defect ID %d: %w", defectID, err)
		}
		if err := tx.Delete(&Defect{}, defectID).Error; err != nil {
			return fmt.Errorf("deleting defect with ID %d: %w", defectID, err)
		}
		return nil
	})
}

// SearchDefects retrieves defect records matching the given filters along
// with the total match count before pagination.
func (ds *DataStore) SearchDefects(filters *DefectFilters) ([]Defect, int64, error) {
	start := time.Now()
	defects, total, err := ds.searchDefects(filters)
	if m := ds.getMetrics(); m != nil {
		m.RecordSearchOperation(metricsStatus(err))
		m.RecordSearchDuration(time.Since(start).Seconds())
		if err == nil {
			m.RecordSearchResultSize(len(defects))
		}
	}
	return defects, total, err
}

func (ds *DataStore) searchDefects(filters *DefectFilters) ([]Defect, int64, error) {
	query := applyDefectFilters(ds.DB.Model(&Defect{}), filters)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting matching defects: %w", err)
	}

	sortOrder := sortAscendingString(filters != nil && filters.SortAscending)
	query = query.Order("event_date " + sortOrder).Order("defects.id " + sortOrder)
	if filters != nil && filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters != nil && filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var defects []Defect
	if err := query.Preload("Review").Find(&defects).Error; err != nil {
		return nil, 0, fmt.Errorf("error searching defects: %w", err)
	}
	for i := range defects {
		if defects[i].Review != nil {
			defects[i].Verified = defects[i].Review.Verified
		}
	}
	return defects, total, nil
}

// applyDefectFilters translates a DefectFilters value into WHERE clauses.
func applyDefectFilters(query *gorm.DB, filters *DefectFilters) *gorm.DB {
	if filters == nil {
		return query
	}
	// Substring matches for the text columns
	likeColumns := []struct {
		column string
		value  string
	}{
		{"serial_number", filters.SerialNumber},
		{"ref_id", filters.RefID},
		{"line_name", filters.LineName},
		{"machine_name", filters.MachineName},
		{"operation_name", filters.OperationName},
		{"part_number", filters.PartNumber},
		{"component_pn", filters.ComponentPN},
	}
	for _, lc := range likeColumns {
		if lc.value != "" {
			query = query.Where(lc.column+" LIKE ?", "%"+lc.value+"%")
		}
	}
	if filters.DefectCode != "" {
		query = query.Where("defect_code = ?", filters.DefectCode)
	}
	if len(filters.Outcomes) > 0 {
		query = query.Where("outcome IN ?", filters.Outcomes)
	}
	if !filters.DateStart.IsZero() {
		query = query.Where("event_date >= ?", filters.DateStart)
	}
	if !filters.DateEnd.IsZero() {
		query = query.Where("event_date <= ?", filters.DateEnd)
	}
	if filters.Search != "" {
		like := "%" + filters.Search + "%"
		query = query.Where(
			"serial_number LIKE ? OR ref_id LIKE ? OR component_pn LIKE ? OR defect_code LIKE ? OR part_number LIKE ?",
			like, like, like, like, like)
	}
	switch filters.Verified {
	case "":
		// no review filter
	case "unreviewed":
		query = query.Joins("LEFT JOIN defect_reviews ON defect_reviews.defect_id = defects.id").
			Where("defect_reviews.id IS NULL")
	default:
		query = query.Joins("JOIN defect_reviews ON defect_reviews.defect_id = defects.id").
			Where("defect_reviews.verified = ?", filters.Verified)
	}
	return query
}

// ReviewDefect records an operator verdict on a defect record, replacing any
// previous verdict for the same record.
func (ds *DataStore) ReviewDefect(defectID uint, verified, notes, reviewedBy string) error {
	if verified != ReviewConfirmed && verified != ReviewFalseCall {
		return fmt.Errorf("invalid verification status: %s", verified)
	}

	start := time.Now()
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		// Make sure the defect exists before attaching a review to it
		var defect Defect
		if err := tx.First(&defect, defectID).Error; err != nil {
			return fmt.Errorf("getting defect with ID %d: %w", defectID, err)
		}

		var review DefectReview
		err := tx.Where("defect_id = ?", defectID).First(&review).Error
		switch {
		case err == nil:
			review.Verified = verified
			review.Notes = notes
			review.ReviewedBy = reviewedBy
			if err := tx.Save(&review).Error; err != nil {
				return fmt.Errorf("updating review: %w", err)
			}
		case err == gorm.ErrRecordNotFound:
			review = DefectReview{
				DefectID:   defectID,
				Verified:   verified,
				Notes:      notes,
				ReviewedBy: reviewedBy,
			}
			if err := tx.Create(&review).Error; err != nil {
				return fmt.Errorf("creating review: %w", err)
			}
		default:
			return fmt.Errorf("looking up existing review: %w", err)
		}
		return nil
	})

	if m := ds.getMetrics(); m != nil {
		m.RecordDefectOperation("review", metricsStatus(err))
		m.RecordDefectOperationDuration("review", time.Since(start).Seconds())
	}
	return err
}

// GetDefectReview retrieves the review for a defect record, or nil when the
// record has not been reviewed.
func (ds *DataStore) GetDefectReview(defectID uint) (*DefectReview, error) {
	var review DefectReview
	if err := ds.DB.Where("defect_id = ?", defectID).First(&review).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting review for defect ID %d: %w", defectID, err)
	}
	return &review, nil
}

// GetFilterOptions returns the distinct values present in the filterable
// defect columns.
func (ds *DataStore) GetFilterOptions() (FilterOptions, error) {
	var options FilterOptions

	columns := []struct {
		name string
		dest *[]string
	}{
		{"outcome", &options.Outcomes},
		{"line_name", &options.Lines},
		{"machine_name", &options.Machines},
		{"operation_name", &options.Operations},
		{"part_number", &options.Parts},
		{"component_pn", &options.Components},
		{"defect_code", &options.DefectCodes},
	}

	for _, col := range columns {
		err := ds.DB.Model(&Defect{}).
			Distinct(col.name).
			Where(col.name + " != ''").
			Order(col.name + " ASC").
			Pluck(col.name, col.dest).Error
		if err != nil {
			return FilterOptions{}, fmt.Errorf("getting distinct values for %s: %w", col.name, err)
		}
	}

	return options, nil
}

// SaveIngestRun persists a new ingest run record.
func (ds *DataStore) SaveIngestRun(run *IngestRun) error {
	if err := ds.DB.Create(run).Error; err != nil {
		return fmt.Errorf("saving ingest run: %w", err)
	}
	return nil
}

// UpdateIngestRun updates an ingest run record, matching on the run UUID.
func (ds *DataStore) UpdateIngestRun(run *IngestRun) error {
	result := ds.DB.Model(&IngestRun{}).Where("run_id = ?", run.RunID).Updates(map[string]any{
		"completed_at":  run.CompletedAt,
		"duration_ms":   run.DurationMS,
		"row_count":     run.RowCount,
		"skipped_rows":  run.SkippedRows,
		"group_count":   run.GroupCount,
		"false_count":   run.FalseCount,
		"real_count":    run.RealCount,
		"fixed_count":   run.FixedCount,
		"suspect_count": run.SuspectCount,
		"status":        run.Status,
		"error":         run.Error,
	})
	if result.Error != nil {
		return fmt.Errorf("updating ingest run %s: %w", run.RunID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating ingest run %s: no such run", run.RunID)
	}
	return nil
}

// GetIngestRun retrieves an ingest run record by its UUID.
func (ds *DataStore) GetIngestRun(runID string) (IngestRun, error) {
	var run IngestRun
	if err := ds.DB.Where("run_id = ?", runID).First(&run).Error; err != nil {
		return IngestRun{}, fmt.Errorf("getting ingest run %s: %w", runID, err)
	}
	return run, nil
}

// GetIngestRuns retrieves the most recent ingest runs.
func (ds *DataStore) GetIngestRuns(limit int) ([]IngestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []IngestRun
	if err := ds.DB.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("getting ingest runs: %w", err)
	}
	return runs, nil
}

// performAutoMigration brings the schema up to date for every model.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&Defect{}, &DefectReview{}, &IngestRun{}, &Issue{}, &IssueChange{}); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %v", dbType, err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// sortAscendingString maps the filter's sort direction to its SQL keyword.
func sortAscendingString(asc bool) string {
	if asc {
		return "ASC"
	}
	return "DESC"
}
