// publisher.go: run summary publication to the factory bus.
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/errors"
)

// defaultTopicPrefix is used when the configuration leaves the prefix empty.
const defaultTopicPrefix = "aoitrack"

// Publisher emits run records and cumulative outcome counts to the factory
// bus after each ingestion run. It implements ingest.RunPublisher.
type Publisher struct {
	client Client
	ds     datastore.Interface
	node   string
	prefix string
}

// NewPublisher creates a Publisher bound to the given client and datastore.
// The datastore supplies the cumulative outcome counts for the summary topic.
func NewPublisher(client Client, ds datastore.Interface, settings *conf.Settings) *Publisher {
	prefix := settings.MQTT.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	node := settings.Main.Name
	if node == "" {
		node = defaultTopicPrefix
	}
	return &Publisher{
		client: client,
		ds:     ds,
		node:   node,
		prefix: prefix,
	}
}

// runMessage is the payload published to <prefix>/runs. NewSerials lists the
// board serials first seen in this run, so subscribers can tell fresh failures
// from boards already in the shop.
type runMessage struct {
	Node        string   `json:"node"`
	RunID       string   `json:"run_id"`
	FileName    string   `json:"file_name"`
	Source      string   `json:"source"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
	Rows        int      `json:"rows"`
	Skipped     int      `json:"skipped"`
	Groups      int      `json:"groups"`
	False       int      `json:"false"`
	Real        int      `json:"real"`
	Fixed       int      `json:"fixed"`
	Suspect     int      `json:"suspect"`
	NewBoards   int      `json:"new_boards"`
	NewSerials  []string `json:"new_serials,omitempty"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
}

// summaryMessage is the payload published to <prefix>/summary. It carries
// the cumulative outcome counts across the whole store, so a dashboard
// subscribing late still sees current numbers from the retained message.
type summaryMessage struct {
	Node      string `json:"node"`
	False     int    `json:"false"`
	Real      int    `json:"real"`
	Fixed     int    `json:"fixed"`
	Suspect   int    `json:"suspect"`
	Total     int    `json:"total"`
	UpdatedAt string `json:"updated_at"`
}

// PublishRun publishes the run record and a refreshed cumulative summary.
func (p *Publisher) PublishRun(ctx context.Context, run *datastore.IngestRun) error {
	serials, err := p.ds.GetNewSerials(run.RunID)
	if err != nil {
		getLogger().Warn("Failed to query new serials for run message",
			"run_id", run.RunID, "error", err)
		serials = nil
	}

	msg := runMessage{
		Node:       p.node,
		RunID:      run.RunID,
		FileName:   run.FileName,
		Source:     run.Source,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
		DurationMS: run.DurationMS,
		Rows:       run.RowCount,
		Skipped:    run.SkippedRows,
		Groups:     run.GroupCount,
		False:      run.FalseCount,
		Real:       run.RealCount,
		Fixed:      run.FixedCount,
		Suspect:    run.SuspectCount,
		NewBoards:  len(serials),
		NewSerials: serials,
		Status:     run.Status,
		Error:      run.Error,
	}
	if !run.CompletedAt.IsZero() {
		msg.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}

	if err := p.publishJSON(ctx, p.prefix+"/runs", msg); err != nil {
		return err
	}
	return p.publishSummary(ctx)
}

// publishSummary queries the cumulative outcome counts and publishes them.
func (p *Publisher) publishSummary(ctx context.Context) error {
	counts, err := p.ds.GetOutcomeSummary(&datastore.AnalyticsFilters{})
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryDatabase).
			Context("operation", "summary_counts").
			Build()
	}

	msg := summaryMessage{
		Node:      p.node,
		False:     counts.FalseCall,
		Real:      counts.Real,
		Fixed:     counts.Fixed,
		Suspect:   counts.Suspect,
		Total:     counts.Total,
		UpdatedAt: time.Now().Format(time.RFC3339),
	}
	return p.publishJSON(ctx, p.prefix+"/summary", msg)
}

// publishJSON marshals the payload and hands it to the client.
func (p *Publisher) publishJSON(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	if err := p.client.Publish(ctx, topic, string(data)); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	getLogger().Info("Published to factory bus", "topic", topic, "bytes", len(data))
	return nil
}
