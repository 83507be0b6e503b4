// internal/datastore/analytics.go
package datastore

import (
	"fmt"
	"sort"
	"time"

	"github.com/factorylens/aoitrack/internal/classify"
	"gorm.io/gorm"
)

// OutcomeSummary contains defect record counts per classification outcome
type OutcomeSummary struct {
	Real      int `json:"real"`
	Suspect   int `json:"suspect"`
	Fixed     int `json:"fixed"`
	FalseCall int `json:"false"`
	Total     int `json:"total"`
}

// SeriesPoint represents defect counts for one period and outcome
type SeriesPoint struct {
	Period  string `json:"period"` // "2025-07-01" for daily, "2025-W27" for weekly
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// RefCount represents defect counts for one board reference
type RefCount struct {
	RefBase string `json:"ref_base"`
	Count   int    `json:"count"`
}

// ComponentCount represents defect counts for one component part number
type ComponentCount struct {
	ComponentPN string `json:"component_pn"`
	Count       int    `json:"count"`
}

// MatrixCell is one cell of the part/component/reference defect matrix.
// Serials counts distinct boards, repeated hits on the same board collapse.
type MatrixCell struct {
	PartNumber  string `json:"part_number"`
	ComponentPN string `json:"component_pn"`
	RefBase     string `json:"ref_base"`
	DefectCode  string `json:"defect_code"`
	Serials     int    `json:"serials"`
}

// AnalyticsFilters narrows dashboard queries. Zero values mean "no filter".
type AnalyticsFilters struct {
	DateStart  time.Time
	DateEnd    time.Time
	LineName   string
	PartNumber string
}

// applyAnalyticsFilters translates an AnalyticsFilters value into WHERE clauses.
func applyAnalyticsFilters(query *gorm.DB, filters *AnalyticsFilters) *gorm.DB {
	if filters == nil {
		return query
	}
	if !filters.DateStart.IsZero() {
		query = query.Where("event_date >= ?", filters.DateStart)
	}
	if !filters.DateEnd.IsZero() {
		query = query.Where("event_date <= ?", filters.DateEnd)
	}
	if filters.LineName != "" {
		query = query.Where("line_name = ?", filters.LineName)
	}
	if filters.PartNumber != "" {
		query = query.Where("part_number = ?", filters.PartNumber)
	}
	return query
}

// GetDateFormat returns the database-specific SQL fragment for formatting the
// event date column as a calendar day.
func (ds *DataStore) GetDateFormat() string {
	return ds.dateFormatExpr("event_date")
}

// dateFormatExpr returns the day-formatting SQL fragment for any date column.
func (ds *DataStore) dateFormatExpr(column string) string {
	switch ds.DB.Dialector.Name() {
	case "sqlite":
		return fmt.Sprintf("strftime('%%Y-%%m-%%d', %s)", column)
	case "mysql":
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-%%d')", column)
	default:
		return ""
	}
}

// GetRefBaseExpr returns the database-specific SQL fragment that strips the
// pin suffix from a reference designator, "R12.3" and "R12.7" both become
// "R12" so per-pin repeats of the same joint group together.
func (ds *DataStore) GetRefBaseExpr() string {
	switch ds.DB.Dialector.Name() {
	case "sqlite":
		return "CASE WHEN instr(ref_id, '.') > 0 THEN substr(ref_id, 1, instr(ref_id, '.') - 1) ELSE ref_id END"
	case "mysql":
		return "SUBSTRING_INDEX(ref_id, '.', 1)"
	default:
		return ""
	}
}

// GetTimeBucketExpr returns the database-specific SQL fragment that buckets
// the event date into windowMinutes-wide slots.
func (ds *DataStore) GetTimeBucketExpr(windowMinutes int) string {
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	seconds := windowMinutes * 60
	switch ds.DB.Dialector.Name() {
	case "sqlite":
		return fmt.Sprintf("CAST(strftime('%%s', event_date) AS INTEGER) / %d", seconds)
	case "mysql":
		return fmt.Sprintf("FLOOR(UNIX_TIMESTAMP(event_date) / %d)", seconds)
	default:
		return ""
	}
}

// recordAnalytics records outcome and duration for one analytics query.
func (ds *DataStore) recordAnalytics(analyticsType string, start time.Time, err error) {
	if m := ds.getMetrics(); m != nil {
		m.RecordAnalyticsOperation(analyticsType, metricsStatus(err))
		m.RecordAnalyticsDuration(analyticsType, time.Since(start).Seconds())
	}
}

// GetOutcomeSummary retrieves defect record counts per classification outcome.
func (ds *DataStore) GetOutcomeSummary(filters *AnalyticsFilters) (summary OutcomeSummary, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("summary", start, err) }()

	var rows []struct {
		Outcome string
		Count   int
	}

	query := applyAnalyticsFilters(ds.DB.Table("defects"), filters).
		Select("outcome, COUNT(*) as count").
		Group("outcome")

	if err = query.Scan(&rows).Error; err != nil {
		return OutcomeSummary{}, fmt.Errorf("error getting outcome summary: %w", err)
	}

	for _, row := range rows {
		switch row.Outcome {
		case string(classify.OutcomeReal):
			summary.Real = row.Count
		case string(classify.OutcomeSuspect):
			summary.Suspect = row.Count
		case string(classify.OutcomeFixed):
			summary.Fixed = row.Count
		case string(classify.OutcomeFalse):
			summary.FalseCall = row.Count
		}
		summary.Total += row.Count
	}

	return summary, nil
}

// GetOutcomeCountsBetween retrieves outcome counts for a date range and line.
// Used to snapshot AOI counts onto issue records when they are filed.
func (ds *DataStore) GetOutcomeCountsBetween(start, end time.Time, lineName string) (OutcomeSummary, error) {
	return ds.GetOutcomeSummary(&AnalyticsFilters{
		DateStart: start,
		DateEnd:   end,
		LineName:  lineName,
	})
}

// GetDailySeries retrieves defect counts grouped by calendar day and outcome.
func (ds *DataStore) GetDailySeries(filters *AnalyticsFilters) (points []SeriesPoint, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("daily", start, err) }()

	dateFormat := ds.GetDateFormat()
	if dateFormat == "" {
		return nil, fmt.Errorf("unsupported database dialect for daily series: %s", ds.DB.Dialector.Name())
	}

	query := applyAnalyticsFilters(ds.DB.Table("defects"), filters).
		Select(fmt.Sprintf("%s as period, outcome, COUNT(*) as count", dateFormat)).
		Group(dateFormat + ", outcome").
		Order("period, outcome")

	if err = query.Scan(&points).Error; err != nil {
		return nil, fmt.Errorf("error getting daily series: %w", err)
	}

	return points, nil
}

// GetWeeklySeries retrieves defect counts grouped by ISO week and outcome.
// The week label follows the ISO 8601 year and week number, "2025-W27".
// Grouping happens in Go because the databases disagree with ISO week
// numbering around year boundaries.
func (ds *DataStore) GetWeeklySeries(filters *AnalyticsFilters) (points []SeriesPoint, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("weekly", start, err) }()

	daily, err := ds.GetDailySeries(filters)
	if err != nil {
		return nil, err
	}

	type weekKey struct {
		period  string
		outcome string
	}
	weekly := make(map[weekKey]int)
	for _, point := range daily {
		day, parseErr := time.Parse("2006-01-02", point.Period)
		if parseErr != nil {
			return nil, fmt.Errorf("error parsing day %q in weekly series: %w", point.Period, parseErr)
		}
		year, week := day.ISOWeek()
		key := weekKey{fmt.Sprintf("%d-W%02d", year, week), point.Outcome}
		weekly[key] += point.Count
	}

	points = make([]SeriesPoint, 0, len(weekly))
	for key, count := range weekly {
		points = append(points, SeriesPoint{Period: key.period, Outcome: key.outcome, Count: count})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Period != points[j].Period {
			return points[i].Period < points[j].Period
		}
		return points[i].Outcome < points[j].Outcome
	})

	return points, nil
}

// GetTopRefs retrieves the board references with the most defect records.
// With dedupe enabled, hits on the same board, reference, defect code and
// time slot count once, so a connector with thirty bad pins reported in one
// inspection pass scores one, not thirty.
func (ds *DataStore) GetTopRefs(filters *AnalyticsFilters, dedupe bool, windowMinutes, limit int) (refs []RefCount, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("top_refs", start, err) }()

	refBase := ds.GetRefBaseExpr()
	if refBase == "" {
		return nil, fmt.Errorf("unsupported database dialect for top references: %s", ds.DB.Dialector.Name())
	}
	if limit <= 0 {
		limit = 20
	}

	if !dedupe {
		query := applyAnalyticsFilters(ds.DB.Table("defects"), filters).
			Select(fmt.Sprintf("%s as ref_base, COUNT(*) as count", refBase)).
			Group(refBase).
			Order("count DESC").
			Limit(limit)
		if err = query.Scan(&refs).Error; err != nil {
			return nil, fmt.Errorf("error getting top references: %w", err)
		}
		return refs, nil
	}

	bucket := ds.GetTimeBucketExpr(windowMinutes)

	// Collapse repeats first, then count per reference
	subquery := applyAnalyticsFilters(ds.DB.Model(&Defect{}), filters).
		Select(fmt.Sprintf("DISTINCT serial_number, %s AS ref_base, %s AS event_slot, defect_code", refBase, bucket))

	err = ds.DB.Table("(?) AS dd", subquery).
		Select("ref_base, COUNT(*) as count").
		Group("ref_base").
		Order("count DESC").
		Limit(limit).
		Scan(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("error getting deduplicated top references: %w", err)
	}

	return refs, nil
}

// GetTopComponents retrieves the component part numbers with the most defect records.
func (ds *DataStore) GetTopComponents(filters *AnalyticsFilters, limit int) (components []ComponentCount, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("top_components", start, err) }()

	if limit <= 0 {
		limit = 20
	}

	query := applyAnalyticsFilters(ds.DB.Table("defects"), filters).
		Select("component_pn, COUNT(*) as count").
		Where("component_pn != ''").
		Group("component_pn").
		Order("count DESC").
		Limit(limit)

	if err = query.Scan(&components).Error; err != nil {
		return nil, fmt.Errorf("error getting top components: %w", err)
	}

	return components, nil
}

// GetDefectMatrix retrieves the defect matrix restricted to the most frequent
// components. Each cell counts distinct boards per part, component, reference
// and defect code.
func (ds *DataStore) GetDefectMatrix(filters *AnalyticsFilters, componentLimit int) (cells []MatrixCell, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("matrix", start, err) }()

	refBase := ds.GetRefBaseExpr()
	if refBase == "" {
		return nil, fmt.Errorf("unsupported database dialect for defect matrix: %s", ds.DB.Dialector.Name())
	}
	if componentLimit <= 0 {
		componentLimit = 5
	}

	top, err := ds.GetTopComponents(filters, componentLimit)
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return []MatrixCell{}, nil
	}
	components := make([]string, 0, len(top))
	for _, c := range top {
		components = append(components, c.ComponentPN)
	}

	query := applyAnalyticsFilters(ds.DB.Table("defects"), filters).
		Select(fmt.Sprintf("part_number, component_pn, %s as ref_base, defect_code, COUNT(DISTINCT serial_number) as serials", refBase)).
		Where("component_pn IN ?", components).
		Group("part_number, component_pn, " + refBase + ", defect_code").
		Order("part_number, component_pn, ref_base, defect_code")

	if err = query.Scan(&cells).Error; err != nil {
		return nil, fmt.Errorf("error getting defect matrix: %w", err)
	}

	return cells, nil
}

// GetNewSerials retrieves the board serials whose first appearance in the
// store came with the given ingest run. Used for run summary notifications.
func (ds *DataStore) GetNewSerials(runID string) (serials []string, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("new_serials", start, err) }()

	err = ds.DB.Model(&Defect{}).
		Distinct("serial_number").
		Where("run_id = ?", runID).
		Where("serial_number NOT IN (?)",
			ds.DB.Model(&Defect{}).Distinct("serial_number").Where("run_id != ?", runID)).
		Order("serial_number ASC").
		Pluck("serial_number", &serials).Error
	if err != nil {
		return nil, fmt.Errorf("error getting new serials for run %s: %w", runID, err)
	}

	return serials, nil
}

// GetSuspectQueue retrieves the defect records still awaiting rework,
// ordered by board serial so operators can work through one board at a time.
func (ds *DataStore) GetSuspectQueue(filters *AnalyticsFilters) (defects []Defect, err error) {
	start := time.Now()
	defer func() { ds.recordAnalytics("suspect_queue", start, err) }()

	query := applyAnalyticsFilters(ds.DB.Model(&Defect{}), filters).
		Where("outcome = ?", string(classify.OutcomeSuspect)).
		Order("serial_number ASC, ref_id ASC")

	if err = query.Find(&defects).Error; err != nil {
		return nil, fmt.Errorf("error getting suspect queue: %w", err)
	}

	return defects, nil
}
