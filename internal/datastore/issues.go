// issues.go: corrective action issue records and their changelog
package datastore

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Issue categories offered by the tracker. IssueTypes lists the defect
// types that belong to each category.
var IssueCategories = []string{
	"Component-related",
	"Process-related",
	"Machine-related",
	"Operator error",
	"Other",
}

// IssueTypes maps each category to its issue types.
var IssueTypes = map[string][]string{
	"Component-related": {"Wrong polarity", "Missing component", "Tombstoning", "Wrong value", "Damaged component"},
	"Process-related":   {"Solder paste issues", "Placement offset", "Reflow profile", "Insufficient paste", "Paste bridging"},
	"Machine-related":   {"Mispick", "Misfeed", "Vision alignment", "Nozzle issues", "Feeder jam"},
	"Operator error":    {"Manual touch-up damage", "Mislabeling", "Wrong setup", "Handling damage", "Process deviation"},
	"Other":             {"Unknown", "Environmental", "Material quality", "Design issue"},
}

// IssueStatuses enumerates the issue lifecycle states.
var IssueStatuses = []string{"Open", "In Progress", "Closed", "On Hold", "Reopened"}

// RCAMethods enumerates the supported root cause analysis methods.
var RCAMethods = []string{"5 Whys", "Fishbone", "8D", "FMEA", "Other"}

// IssueFilters narrows an issue search. Zero values mean "no filter".
type IssueFilters struct {
	Status      string
	Category    string
	LineName    string
	ComponentPN string
	OverdueOnly bool   // due date passed and still Open or In Progress
	Search      string // free text across serial, component, reference, description and what
	DateStart   time.Time
	DateEnd     time.Time

	SortAscending bool
	Limit         int
	Offset        int
}

// overdueStatuses are the lifecycle states in which a passed due date counts
// as overdue. On Hold and Reopened issues are deliberately excluded.
var overdueStatuses = []string{"Open", "In Progress"}

// IssueSummary holds the headline counts shown on the tracker.
type IssueSummary struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Closed     int `json:"closed"`
	OnHold     int `json:"on_hold"`
	Reopened   int `json:"reopened"`
	Overdue    int `json:"overdue"`
}

// validateIssue checks the vocabulary fields against the known lists.
func validateIssue(issue *Issue) error {
	if !slices.Contains(IssueCategories, issue.Category) {
		return fmt.Errorf("unknown issue category: %q", issue.Category)
	}
	if issue.IssueType != "" && !slices.Contains(IssueTypes[issue.Category], issue.IssueType) {
		return fmt.Errorf("issue type %q does not belong to category %q", issue.IssueType, issue.Category)
	}
	if !slices.Contains(IssueStatuses, issue.Status) {
		return fmt.Errorf("unknown issue status: %q", issue.Status)
	}
	if issue.RCAMethod != "" && !slices.Contains(RCAMethods, issue.RCAMethod) {
		return fmt.Errorf("unknown RCA method: %q", issue.RCAMethod)
	}
	return nil
}

// issueField is one named field value used for changelog diffing.
type issueField struct {
	name  string
	value string
}

// issueFieldValues flattens the editable issue fields into comparable strings,
// in a fixed order so old and new snapshots line up index by index.
func issueFieldValues(issue *Issue) []issueField {
	dueDate := ""
	if issue.DueDate != nil {
		dueDate = issue.DueDate.Format("2006-01-02")
	}
	return []issueField{
		{"date_reported", issue.DateReported.Format("2006-01-02")},
		{"line_name", issue.LineName},
		{"shift", issue.Shift},
		{"serial_number", issue.SerialNumber},
		{"component_pn", issue.ComponentPN},
		{"ref_id", issue.RefID},
		{"issue_category", issue.Category},
		{"issue_type", issue.IssueType},
		{"description", issue.Description},
		{"what_issue", issue.WhatIssue},
		{"where_occurred", issue.WhereOccurred},
		{"why_preliminary", issue.WhyPreliminary},
		{"when_happened", issue.WhenHappened},
		{"who_detected", issue.WhoDetected},
		{"how_detected", issue.HowDetected},
		{"how_much_impact", issue.HowMuchImpact},
		{"short_term_fix", issue.ShortTermFix},
		{"long_term_action", issue.LongTermAction},
		{"responsible_person", issue.ResponsiblePerson},
		{"due_date", dueDate},
		{"status", issue.Status},
		{"rca_completed", strconv.FormatBool(issue.RCACompleted)},
		{"rca_method", issue.RCAMethod},
		{"root_cause_final", issue.RootCauseFinal},
		{"effectiveness_check", strconv.FormatBool(issue.EffectivenessCheck)},
		{"disposition", issue.Disposition},
		{"rework_time_mins", strconv.FormatFloat(issue.ReworkTimeMins, 'f', -1, 64)},
		{"rework_cost", strconv.FormatFloat(issue.ReworkCost, 'f', -1, 64)},
	}
}

// SaveIssue persists an issue record. New issues get a "Created" changelog
// entry; updates get one changelog entry per changed field, attributed to
// changedBy.
func (ds *DataStore) SaveIssue(issue *Issue, changedBy string) error {
	if issue.Status == "" {
		issue.Status = "Open"
	}
	if err := validateIssue(issue); err != nil {
		return err
	}

	if issue.ID == 0 {
		return ds.createIssue(issue)
	}
	return ds.updateIssue(issue, changedBy)
}

func (ds *DataStore) createIssue(issue *Issue) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(issue).Error; err != nil {
			return fmt.Errorf("creating issue: %w", err)
		}
		entry := IssueChange{
			IssueID:   issue.ID,
			FieldName: "status",
			OldValue:  "",
			NewValue:  "Created",
			ChangedBy: "System",
			ChangedAt: time.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("recording issue creation: %w", err)
		}
		return nil
	})
}

func (ds *DataStore) updateIssue(issue *Issue, changedBy string) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var existing Issue
		if err := tx.First(&existing, issue.ID).Error; err != nil {
			return fmt.Errorf("getting issue with ID %d: %w", issue.ID, err)
		}

		// Diff field by field against the stored record
		oldFields := issueFieldValues(&existing)
		newFields := issueFieldValues(issue)
		now := time.Now()
		var changes []IssueChange
		for i := range newFields {
			if oldFields[i].value == newFields[i].value {
				continue
			}
			changes = append(changes, IssueChange{
				IssueID:   issue.ID,
				FieldName: newFields[i].name,
				OldValue:  oldFields[i].value,
				NewValue:  newFields[i].value,
				ChangedBy: changedBy,
				ChangedAt: now,
			})
		}

		issue.CreatedAt = existing.CreatedAt
		if err := tx.Save(issue).Error; err != nil {
			return fmt.Errorf("updating issue with ID %d: %w", issue.ID, err)
		}
		if len(changes) > 0 {
			if err := tx.Create(&changes).Error; err != nil {
				return fmt.Errorf("recording issue changes: %w", err)
			}
		}
		return nil
	})
}

// GetIssue retrieves an issue by its ID from the database.
func (ds *DataStore) GetIssue(id string) (Issue, error) {
	issueID, err := strconv.Atoi(id)
	if err != nil {
		return Issue{}, fmt.Errorf("converting ID to integer: %w", err)
	}

	var issue Issue
	if err := ds.DB.First(&issue, issueID).Error; err != nil {
		return Issue{}, fmt.Errorf("getting issue with ID %d: %w", issueID, err)
	}
	return issue, nil
}

// applyIssueFilters translates an IssueFilters value into WHERE clauses.
func applyIssueFilters(query *gorm.DB, filters *IssueFilters) *gorm.DB {
	if filters == nil {
		return query
	}
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Category != "" {
		query = query.Where("category = ?", filters.Category)
	}
	if filters.LineName != "" {
		query = query.Where("line_name LIKE ?", "%"+filters.LineName+"%")
	}
	if filters.ComponentPN != "" {
		query = query.Where("component_pn LIKE ?", "%"+filters.ComponentPN+"%")
	}
	if filters.OverdueOnly {
		query = query.Where("due_date IS NOT NULL AND due_date < ? AND status IN ?",
			time.Now(), overdueStatuses)
	}
	if !filters.DateStart.IsZero() {
		query = query.Where("date_reported >= ?", filters.DateStart)
	}
	if !filters.DateEnd.IsZero() {
		query = query.Where("date_reported <= ?", filters.DateEnd)
	}
	if filters.Search != "" {
		like := "%" + filters.Search + "%"
		query = query.Where(
			"serial_number LIKE ? OR component_pn LIKE ? OR ref_id LIKE ? OR description LIKE ? OR what_issue LIKE ?",
			like, like, like, like, like)
	}
	return query
}

// SearchIssues retrieves issue records matching the given filters along with
// the total match count before pagination.
func (ds *DataStore) SearchIssues(filters *IssueFilters) ([]Issue, int64, error) {
	query := applyIssueFilters(ds.DB.Model(&Issue{}), filters)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting matching issues: %w", err)
	}

	sortOrder := sortAscendingString(filters != nil && filters.SortAscending)
	query = query.Order("date_reported " + sortOrder).Order("id " + sortOrder)
	if filters != nil && filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters != nil && filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var issues []Issue
	if err := query.Find(&issues).Error; err != nil {
		return nil, 0, fmt.Errorf("error searching issues: %w", err)
	}
	return issues, total, nil
}

// DeleteIssue removes an issue and its changelog from the database.
func (ds *DataStore) DeleteIssue(id string) error {
	issueID, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("converting ID to integer: %w", err)
	}

	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("issue_id = ?", issueID).Delete(&IssueChange{}).Error; err != nil {
			return fmt.Errorf("deleting changelog for issue ID %d: %w", issueID, err)
		}
		result := tx.Delete(&Issue{}, issueID)
		if result.Error != nil {
			return fmt.Errorf("deleting issue with ID %d: %w", issueID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting issue with ID %d: %w", issueID, gorm.ErrRecordNotFound)
		}
		return nil
	})
}

// GetIssueChangelog retrieves the changelog for an issue, newest first.
func (ds *DataStore) GetIssueChangelog(issueID uint) ([]IssueChange, error) {
	var changes []IssueChange
	err := ds.DB.Where("issue_id = ?", issueID).
		Order("changed_at DESC, id DESC").
		Find(&changes).Error
	if err != nil {
		return nil, fmt.Errorf("getting changelog for issue ID %d: %w", issueID, err)
	}
	return changes, nil
}

// GetIssueSummary retrieves the headline issue counts for the tracker.
func (ds *DataStore) GetIssueSummary() (IssueSummary, error) {
	var summary IssueSummary

	var rows []struct {
		Status string
		Count  int
	}
	err := ds.DB.Table("issues").
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return IssueSummary{}, fmt.Errorf("error getting issue summary: %w", err)
	}

	for _, row := range rows {
		switch row.Status {
		case "Open":
			summary.Open = row.Count
		case "In Progress":
			summary.InProgress = row.Count
		case "Closed":
			summary.Closed = row.Count
		case "On Hold":
			summary.OnHold = row.Count
		case "Reopened":
			summary.Reopened = row.Count
		}
		summary.Total += row.Count
	}

	var overdue int64
	err = ds.DB.Model(&Issue{}).
		Where("due_date IS NOT NULL AND due_date < ? AND status IN ?", time.Now(), overdueStatuses).
		Count(&overdue).Error
	if err != nil {
		return IssueSummary{}, fmt.Errorf("error counting overdue issues: %w", err)
	}
	summary.Overdue = int(overdue)

	return summary, nil
}

// IssueWeeklyStat aggregates the issues reported in one ISO week and how many
// of them have been closed since.
type IssueWeeklyStat struct {
	Week        string  `json:"week"` // "2025-W27"
	Total       int     `json:"total"`
	Closed      int     `json:"closed"`
	ClosureRate float64 `json:"closure_rate"` // percentage, 0-100
}

// GetIssueDailyCounts retrieves how many issues were reported per day. The
// returned points carry an empty outcome, only Period and Count are set.
func (ds *DataStore) GetIssueDailyCounts(filters *IssueFilters) ([]SeriesPoint, error) {
	dateFormat := ds.dateFormatExpr("date_reported")
	if dateFormat == "" {
		return nil, fmt.Errorf("unsupported database dialect for issue counts: %s", ds.DB.Dialector.Name())
	}

	var points []SeriesPoint
	err := applyIssueFilters(ds.DB.Table("issues"), filters).
		Select(dateFormat + " as period, COUNT(*) as count").
		Group(dateFormat).
		Order("period").
		Scan(&points).Error
	if err != nil {
		return nil, fmt.Errorf("error getting daily issue counts: %w", err)
	}
	return points, nil
}

// GetIssueWeeklyClosure retrieves per-week closure statistics. Issues group
// into the ISO week they were reported in; the closed count says how many of
// that week's issues are Closed now.
func (ds *DataStore) GetIssueWeeklyClosure(filters *IssueFilters) ([]IssueWeeklyStat, error) {
	var rows []struct {
		DateReported time.Time
		Status       string
	}
	err := applyIssueFilters(ds.DB.Model(&Issue{}), filters).
		Select("date_reported, status").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error getting weekly closure data: %w", err)
	}

	type weekCounts struct {
		total  int
		closed int
	}
	weeks := make(map[string]*weekCounts)
	for _, row := range rows {
		year, week := row.DateReported.ISOWeek()
		key := fmt.Sprintf("%d-W%02d", year, week)
		counts := weeks[key]
		if counts == nil {
			counts = &weekCounts{}
			weeks[key] = counts
		}
		counts.total++
		if row.Status == "Closed" {
			counts.closed++
		}
	}

	stats := make([]IssueWeeklyStat, 0, len(weeks))
	for week, counts := range weeks {
		stats = append(stats, IssueWeeklyStat{
			Week:        week,
			Total:       counts.total,
			Closed:      counts.closed,
			ClosureRate: 100 * float64(counts.closed) / float64(counts.total),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Week < stats[j].Week })
	return stats, nil
}

// GetAverageResolutionDays retrieves the mean time from creation to last
// update across Closed issues, in whole days per issue. Returns zero when no
// matching issue has been closed.
func (ds *DataStore) GetAverageResolutionDays(filters *IssueFilters) (float64, error) {
	var rows []struct {
		CreatedAt time.Time
		UpdatedAt time.Time
	}
	err := applyIssueFilters(ds.DB.Model(&Issue{}), filters).
		Where("status = ?", "Closed").
		Select("created_at, updated_at").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("error getting resolution times: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var totalDays int
	for _, row := range rows {
		totalDays += int(row.UpdatedAt.Sub(row.CreatedAt).Hours() / 24)
	}
	return float64(totalDays) / float64(len(rows)), nil
}
