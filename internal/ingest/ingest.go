// Package ingest implements the machine export ingestion pipeline: decoding
// export files, collapsing repeated inspection loops into aggregated defect
// records, classifying them and writing the result to the datastore.
// One-shot ingestion, batch ingestion through a bounded worker pool, the
// drop-directory watch mode and API uploads all run through the same
// per-file pipeline, and every pass over a file is recorded as an ingest
// run.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/errors"
	"github.com/factorylens/aoitrack/internal/logging"
	"github.com/factorylens/aoitrack/internal/observability/metrics"
)

// Source labels recorded on ingest runs.
const (
	SourceFile      = "file"
	SourceDirectory = "directory"
	SourceUpload    = "upload"
)

// maxWorkers caps the ingestion worker pool regardless of configuration.
const maxWorkers = 8

// Package-level logger for the ingestion pipeline
var (
	serviceLogger   *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
	loggerOnce      sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		serviceLevelVar.Set(slog.LevelInfo)
		var err error
		serviceLogger, closeLogger, err = logging.NewFileLogger("logs/ingest.log", "ingest", serviceLevelVar)
		if err != nil || serviceLogger == nil {
			serviceLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
			closeLogger = func() error { return nil }
		}
	})
	return serviceLogger
}

// CloseLogger releases the ingest log file.
func CloseLogger() error {
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}

// RunPublisher receives completed run records for publication on the
// factory bus. Implemented by mqtt.Publisher.
type RunPublisher interface {
	PublishRun(ctx context.Context, run *datastore.IngestRun) error
}

// FailureNotifier delivers alerts about failed ingestion runs. Implemented
// by notify.Dispatcher.
type FailureNotifier interface {
	IngestFailed(ctx context.Context, fileName, reason string)
}

// Processor runs the per-file ingestion pipeline against one datastore.
type Processor struct {
	Settings *conf.Settings
	Store    datastore.Interface

	metrics   *metrics.IngestMetrics
	publisher RunPublisher
	notifier  FailureNotifier
	loc       *time.Location
	log       *slog.Logger
}

// New creates a Processor bound to the given settings and store. Event
// timestamps parse in the configured timezone, system local time when the
// configuration does not name one.
func New(settings *conf.Settings, store datastore.Interface) *Processor {
	loc := time.Local
	if tz := settings.Main.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			getLogger().Warn("Invalid timezone in config, using system local time",
				"timezone", tz, "error", err)
		}
	}
	return &Processor{Settings: settings, Store: store, loc: loc}
}

// SetMetrics attaches ingestion metrics. Safe to leave unset.
func (p *Processor) SetMetrics(m *metrics.IngestMetrics) {
	p.metrics = m
}

// SetPublisher attaches a factory bus publisher for completed run summaries.
func (p *Processor) SetPublisher(pub RunPublisher) {
	p.publisher = pub
}

// SetNotifier attaches a notifier for failed runs.
func (p *Processor) SetNotifier(n FailureNotifier) {
	p.notifier = n
}

func (p *Processor) logger() *slog.Logger {
	if p.log != nil {
		return p.log
	}
	return getLogger()
}

// ProcessFile ingests a single export file and records the pass as an
// ingest run. The returned run carries the final counts and status; it is
// non-nil whenever the initial run record could be written, failed runs
// included.
func (p *Processor) ProcessFile(ctx context.Context, path, source string) (*datastore.IngestRun, error) {
	return p.processNamed(ctx, path, filepath.Base(path), source)
}

// ProcessUpload ingests content stored at path but records fileName, the
// name the client uploaded, in the run record.
func (p *Processor) ProcessUpload(ctx context.Context, path, fileName string) (*datastore.IngestRun, error) {
	return p.processNamed(ctx, path, fileName, SourceUpload)
}

func (p *Processor) processNamed(ctx context.Context, path, fileName, source string) (*datastore.IngestRun, error) {
	start := time.Now()
	run := &datastore.IngestRun{
		RunID:     uuid.New().String(),
		FileName:  fileName,
		Source:    source,
		StartedAt: start,
		Status:    datastore.RunStatusRunning,
	}
	if err := p.Store.SaveIngestRun(run); err != nil {
		return nil, errors.New(err).
			Component("ingest").
			Category(errors.CategoryDatabase).
			Context("file", fileName).
			Context("operation", "save_ingest_run").
			Build()
	}

	ingestErr := p.ingestFile(ctx, path, run)

	run.CompletedAt = time.Now()
	run.DurationMS = time.Since(start).Milliseconds()
	switch {
	case ingestErr != nil:
		run.Status = datastore.RunStatusFailed
		run.Error = ingestErr.Error()
	case run.SkippedRows > 0:
		run.Status = datastore.RunStatusPartial
	default:
		run.Status = datastore.RunStatusCompleted
	}
	if err := p.Store.UpdateIngestRun(run); err != nil {
		p.logger().Error("Failed to update ingest run record", "run_id", run.RunID, "error", err)
	}

	if p.metrics != nil {
		status := "success"
		if ingestErr != nil {
			status = "error"
		}
		p.metrics.RecordFileProcessed(source, status)
		p.metrics.ObserveFileProcessDuration(source, time.Since(start).Seconds())
	}

	if ingestErr != nil {
		p.logger().Error("Ingestion run failed",
			"run_id", run.RunID, "file", fileName, "source", source, "error", ingestErr)
		if p.notifier != nil {
			p.notifier.IngestFailed(ctx, fileName, ingestErr.Error())
		}
		return run, ingestErr
	}

	p.logger().Info("Ingestion run finished",
		"run_id", run.RunID,
		"file", fileName,
		"source", source,
		"status", run.Status,
		"rows", run.RowCount,
		"skipped", run.SkippedRows,
		"groups", run.GroupCount,
		"duration_ms", run.DurationMS)

	if p.publisher != nil {
		if err := p.publisher.PublishRun(ctx, run); err != nil {
			p.logger().Warn("Failed to publish run summary", "run_id", run.RunID, "error", err)
		}
	}
	return run, nil
}

// ingestFile does the read, collapse, classify and upsert work for one file
// and fills the counting fields on the run record as it goes.
func (p *Processor) ingestFile(ctx context.Context, path string, run *datastore.IngestRun) error {
	if p.metrics != nil {
		if info, err := os.Stat(path); err == nil {
			p.metrics.ObserveFileSize(run.Source, info.Size())
		}
	}

	rows, stats, err := readExport(path, &p.Settings.Ingest, p.loc)
	run.RowCount = stats.read
	run.SkippedRows = stats.totalSkipped()
	if p.metrics != nil {
		p.metrics.AddRowsRead(stats.read)
		for reason, n := range stats.skipped {
			p.metrics.AddRowsSkipped(reason, n)
		}
	}
	if err != nil {
		return err
	}
	for reason, n := range stats.skipped {
		p.logger().Warn("Skipped invalid rows",
			"file", run.FileName, "reason", reason, "count", n)
	}

	if err := ctx.Err(); err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryCancellation).
			Context("file", run.FileName).
			Build()
	}

	defects, err := Collapse(rows)
	if err != nil {
		return err
	}
	for i := range defects {
		defects[i].SourceFile = run.FileName
		defects[i].RunID = run.RunID
	}

	written, err := p.Store.UpsertDefects(defects)
	if err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryDatabase).
			Context("file", run.FileName).
			Context("groups", len(defects)).
			Build()
	}
	run.GroupCount = written

	for i := range defects {
		switch classify.Outcome(defects[i].Outcome) {
		case classify.OutcomeFalse:
			run.FalseCount++
		case classify.OutcomeReal:
			run.RealCount++
		case classify.OutcomeFixed:
			run.FixedCount++
		case classify.OutcomeSuspect:
			run.SuspectCount++
		}
	}
	if p.metrics != nil {
		p.metrics.AddDefectsUpserted(written)
		p.metrics.AddOutcome(string(classify.OutcomeFalse), run.FalseCount)
		p.metrics.AddOutcome(string(classify.OutcomeReal), run.RealCount)
		p.metrics.AddOutcome(string(classify.OutcomeFixed), run.FixedCount)
		p.metrics.AddOutcome(string(classify.OutcomeSuspect), run.SuspectCount)
	}
	return nil
}

// FileResult pairs one input path with its run outcome.
type FileResult struct {
	Path string
	Run  *datastore.IngestRun
	Err  error
}

// ProcessFiles ingests a batch of files through a bounded worker pool and
// returns one result per path, in input order. Cancelling the context stops
// the pool between files; files that never started report the context
// error without a run record.
func (p *Processor) ProcessFiles(ctx context.Context, paths []string, source string) []FileResult {
	if len(paths) == 0 {
		return nil
	}

	numWorkers := p.Settings.Ingest.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = clampInt(numWorkers, 1, maxWorkers)
	if numWorkers > len(paths) {
		numWorkers = len(paths)
	}

	type job struct {
		index int
		path  string
	}
	jobChan := make(chan job)
	results := make([]FileResult, len(paths))

	var active atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobChan {
				if err := ctx.Err(); err != nil {
					results[j.index] = FileResult{Path: j.path, Err: err}
					continue
				}
				if p.metrics != nil {
					p.metrics.UpdateActiveWorkers(int(active.Add(1)))
				}
				run, err := p.ProcessFile(ctx, j.path, source)
				if p.metrics != nil {
					p.metrics.UpdateActiveWorkers(int(active.Add(-1)))
				}
				results[j.index] = FileResult{Path: j.path, Run: run, Err: err}
			}
		}()
	}

	queued := len(paths)
	for i, path := range paths {
		jobChan <- job{index: i, path: path}
		queued--
		if p.metrics != nil {
			p.metrics.UpdateQueuedFiles(queued)
		}
	}
	close(jobChan)
	wg.Wait()

	if p.metrics != nil {
		p.metrics.UpdateQueuedFiles(0)
		p.metrics.UpdateActiveWorkers(0)
	}
	return results
}

// ResolvePaths expands one-shot ingestion arguments: plain files pass
// through, directories expand to files matching the pattern inside them,
// and anything else is tried as a glob.
func ResolvePaths(args []string, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.csv"
	}

	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		switch {
		case err == nil && info.IsDir():
			matches, err := filepath.Glob(filepath.Join(arg, pattern))
			if err != nil {
				return nil, errors.New(err).
					Component("ingest").
					Category(errors.CategoryConfiguration).
					Context("pattern", pattern).
					Build()
			}
			paths = append(paths, matches...)
		case err == nil:
			paths = append(paths, arg)
		default:
			matches, globErr := filepath.Glob(arg)
			if globErr != nil || len(matches) == 0 {
				return nil, errors.Newf("no export files match %q", arg).
					Component("ingest").
					Category(errors.CategoryNotFound).
					Build()
			}
			paths = append(paths, matches...)
		}
	}
	return paths, nil
}

// clampInt bounds value to [minValue, maxValue]
func clampInt(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
