package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/errors"
)

// overdueSweepInterval is how often serve mode re-checks for overdue
// issues. The per-day dedup below keeps a faster interval harmless.
const overdueSweepInterval = 24 * time.Hour

// IssueSearcher is the slice of the datastore the overdue sweep needs.
// Satisfied by datastore.Interface.
type IssueSearcher interface {
	SearchIssues(filters *datastore.IssueFilters) ([]datastore.Issue, int64, error)
}

// WatchOverdue runs the overdue issue sweep until the context is cancelled.
// It fires one sweep immediately and then once per sweep interval. A no-op
// when overdue notifications are switched off.
func (d *Dispatcher) WatchOverdue(ctx context.Context, store IssueSearcher) {
	if !d.settings.Notification.Enabled || !d.settings.Notification.NotifyOn.IssueOverdue {
		return
	}

	d.log.Info("Overdue issue sweep started", "interval", overdueSweepInterval.String())
	d.SweepOverdue(ctx, store)

	ticker := time.NewTicker(overdueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Overdue issue sweep stopped")
			return
		case <-ticker.C:
			d.SweepOverdue(ctx, store)
		}
	}
}

// SweepOverdue notifies about every issue past its due date that has not
// been alerted today, and returns how many notifications went out. Issues
// that leave the overdue set (closed, put on hold, due date moved) are
// forgotten so a later relapse alerts again.
func (d *Dispatcher) SweepOverdue(ctx context.Context, store IssueSearcher) int {
	issues, _, err := store.SearchIssues(&datastore.IssueFilters{OverdueOnly: true})
	if err != nil {
		enhancedErr := errors.New(err).
			Component("notify").
			Category(errors.CategoryDatabase).
			Context("operation", "overdue_sweep").
			Build()
		d.log.Error("Overdue issue sweep failed", "error", enhancedErr)
		return 0
	}

	today := time.Now().Format("2006-01-02")
	notified := 0

	d.mu.Lock()
	seen := make(map[uint]bool, len(issues))
	due := make([]datastore.Issue, 0, len(issues))
	for i := range issues {
		seen[issues[i].ID] = true
		if d.lastOverdue[issues[i].ID] != today {
			due = append(due, issues[i])
			d.lastOverdue[issues[i].ID] = today
		}
	}
	for id := range d.lastOverdue {
		if !seen[id] {
			delete(d.lastOverdue, id)
		}
	}
	d.mu.Unlock()

	for i := range due {
		issue := &due[i]
		d.Dispatch(ctx, overdueEvent(issue))
		notified++
		if ctx.Err() != nil {
			break
		}
	}

	if notified > 0 {
		d.log.Info("Overdue issue sweep complete", "overdue", len(issues), "notified", notified)
	}
	return notified
}

// overdueEvent renders one overdue issue as a notification event.
func overdueEvent(issue *datastore.Issue) *Event {
	dueDate := ""
	if issue.DueDate != nil {
		dueDate = issue.DueDate.Format("2006-01-02")
	}
	return &Event{
		Event: EventIssueOverdue,
		Title: fmt.Sprintf("Issue #%d overdue", issue.ID),
		Message: fmt.Sprintf("Issue #%d (%s, %s) passed its due date %s and is still %s",
			issue.ID, issue.SerialNumber, issue.ComponentPN, dueDate, issue.Status),
		Timestamp: time.Now(),
		Fields: map[string]any{
			"issue_id":    issue.ID,
			"serial":      issue.SerialNumber,
			"component":   issue.ComponentPN,
			"due_date":    dueDate,
			"status":      issue.Status,
			"responsible": issue.ResponsiblePerson,
		},
	}
}
