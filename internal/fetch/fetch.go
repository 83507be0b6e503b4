// Package fetch pulls inspection export files from remote machine shares
// into the local drop directory, where the ingest watcher picks them up.
// FTP and SFTP sources are supported; each configured source is polled
// independently so one unreachable machine does not block the others.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/errors"
	"github.com/factorylens/aoitrack/internal/logging"
	"github.com/factorylens/aoitrack/internal/observability/metrics"
)

// defaultDialTimeout is used when a source does not set its own timeout.
const defaultDialTimeout = 30 * time.Second

// defaultLoopInterval is the pause between passes when the configured
// interval is missing or invalid.
const defaultLoopInterval = 300

// tempPrefix marks partially downloaded files in the drop directory. The
// ingest watcher never matches these because exports are picked up by
// glob pattern, and completed downloads are renamed into place.
const tempPrefix = ".fetch-"

var (
	serviceLogger   *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
	loggerOnce      sync.Once
	loggerMutex     sync.RWMutex
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		var err error
		logFilePath := filepath.Join("logs", "fetch.log")
		initialLevel := slog.LevelInfo
		serviceLevelVar.Set(initialLevel)

		loggerMutex.Lock()
		defer loggerMutex.Unlock()
		serviceLogger, closeLogger, err = logging.NewFileLogger(logFilePath, "fetch", serviceLevelVar)
		if err != nil {
			descriptiveErr := errors.Newf("fetch: failed to initialize file logger at %s: %w", logFilePath, err).
				Component("fetch").
				Category(errors.CategoryFileIO).
				Context("log_path", logFilePath).
				Build()
			logging.Error("Failed to initialize fetch file logger", "error", descriptiveErr)
			fbHandler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
			serviceLogger = slog.New(fbHandler).With("service", "fetch")
			closeLogger = func() error { return nil }
		}
	})
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return serviceLogger
}

// CloseLogger releases the file handle used by the fetch log.
func CloseLogger() error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}

// remoteFile describes one file visible on a remote source. Names are
// base names relative to the source's configured path.
type remoteFile struct {
	name string
	size int64
}

// source lists and retrieves export files from one remote machine share.
// Implementations are not safe for concurrent use; the fetcher drives
// each source from a single goroutine.
type source interface {
	List(ctx context.Context) ([]remoteFile, error)
	Retrieve(ctx context.Context, name string, w io.Writer) error
	Remove(ctx context.Context, name string) error
	Close() error
}

// SourceResult summarizes one pass over a single remote source.
type SourceResult struct {
	Source     string
	Downloaded int
	Skipped    int
	Err        error
}

// Fetcher polls the configured remote sources and drops new export files
// into the ingest directory.
type Fetcher struct {
	Settings *conf.Settings

	metrics *metrics.FetchMetrics
	log     *slog.Logger

	// openSource dials a remote source, replaced in tests
	openSource func(ctx context.Context, cfg *conf.RemoteSource) (source, error)
}

// New creates a Fetcher for the configured sources.
func New(settings *conf.Settings) *Fetcher {
	return &Fetcher{
		Settings:   settings,
		openSource: dialSource,
	}
}

// SetMetrics attaches fetch metrics to the fetcher.
func (f *Fetcher) SetMetrics(m *metrics.FetchMetrics) {
	f.metrics = m
}

func (f *Fetcher) logger() *slog.Logger {
	if f.log != nil {
		return f.log
	}
	return getLogger()
}

// Run performs one pass over every configured source. Per-source failures
// are reported in the returned results; the error return is reserved for
// configuration problems that prevent any source from being polled.
func (f *Fetcher) Run(ctx context.Context) ([]SourceResult, error) {
	sources := f.Settings.Fetch.Sources
	if len(sources) == 0 {
		return nil, errors.Newf("no fetch sources configured").
			Component("fetch").
			Category(errors.CategoryConfiguration).
			Build()
	}

	dropDir := f.Settings.Ingest.Directory
	if dropDir == "" {
		return nil, errors.Newf("ingest directory is not configured").
			Component("fetch").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.MkdirAll(dropDir, 0o755); err != nil {
		return nil, errors.New(err).
			Component("fetch").
			Category(errors.CategoryFileIO).
			Context("directory", dropDir).
			Build()
	}

	results := make([]SourceResult, 0, len(sources))
	for i := range sources {
		if ctx.Err() != nil {
			break
		}
		results = append(results, f.fetchSource(ctx, &sources[i], dropDir))
	}
	return results, nil
}

// Loop polls the sources until the context is cancelled. Passes are paced
// by the configured interval; a pass that takes longer than the interval
// delays the next one instead of overlapping it.
func (f *Fetcher) Loop(ctx context.Context) error {
	interval := f.Settings.Fetch.Interval
	if interval <= 0 {
		interval = defaultLoopInterval
	}

	f.logger().Info("Starting fetch loop",
		"sources", len(f.Settings.Fetch.Sources),
		"interval_seconds", interval)

	limiter := rate.NewLimiter(rate.Every(time.Duration(interval)*time.Second), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			f.logger().Info("Fetch loop stopped")
			return nil
		}
		results, err := f.Run(ctx)
		if err != nil {
			return err
		}
		downloaded, failed := 0, 0
		for i := range results {
			downloaded += results[i].Downloaded
			if results[i].Err != nil {
				failed++
			}
		}
		f.logger().Info("Fetch pass complete",
			"sources", len(results),
			"downloaded", downloaded,
			"failed_sources", failed)
	}
}

// fetchSource downloads the new files from one remote source.
func (f *Fetcher) fetchSource(ctx context.Context, cfg *conf.RemoteSource, dropDir string) SourceResult {
	res := SourceResult{Source: cfg.Name}

	if err := validateSource(cfg); err != nil {
		res.Err = err
		f.logger().Error("Invalid fetch source", "source", cfg.Name, "error", err)
		return res
	}

	protocol := strings.ToLower(cfg.Protocol)
	src, err := f.openSource(ctx, cfg)
	if f.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		f.metrics.RecordRemoteConnection(protocol, status)
	}
	if err != nil {
		res.Err = err
		f.logger().Error("Failed to connect to source",
			"source", cfg.Name, "protocol", protocol, "host", cfg.Host, "error", err)
		return res
	}
	defer func() {
		if err := src.Close(); err != nil {
			f.logger().Debug("Failed to close source connection", "source", cfg.Name, "error", err)
		}
	}()

	files, err := src.List(ctx)
	if err != nil {
		res.Err = err
		f.logger().Error("Failed to list remote files", "source", cfg.Name, "error", err)
		return res
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*.csv"
	}

	for i := range files {
		if ctx.Err() != nil {
			break
		}
		name := filepath.Base(files[i].name)
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			res.Err = errors.Newf("invalid fetch pattern %q: %w", pattern, err).
				Component("fetch").
				Category(errors.CategoryConfiguration).
				Context("source", cfg.Name).
				Build()
			return res
		}
		if !matched {
			continue
		}

		localPath := filepath.Join(dropDir, name)
		if info, err := os.Stat(localPath); err == nil && info.Size() == files[i].size {
			res.Skipped++
			f.logger().Debug("Skipping file already in drop directory",
				"source", cfg.Name, "file", name, "size", files[i].size)
			continue
		}

		start := time.Now()
		err = f.downloadFile(ctx, src, files[i], localPath)
		if f.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			f.metrics.RecordFileDownloaded(cfg.Name, status)
		}
		if err != nil {
			// A failed transfer usually means the connection is gone,
			// so give up on this source until the next pass.
			res.Err = err
			f.logger().Error("Failed to download file",
				"source", cfg.Name, "file", name, "error", err)
			return res
		}
		if f.metrics != nil {
			f.metrics.ObserveDownloadDuration(cfg.Name, time.Since(start).Seconds())
			f.metrics.AddDownloadBytes(cfg.Name, files[i].size)
		}
		res.Downloaded++
		f.logger().Info("Downloaded export file",
			"source", cfg.Name, "file", name,
			"size", files[i].size,
			"duration_ms", time.Since(start).Milliseconds())

		if cfg.DeleteAfter {
			if err := src.Remove(ctx, files[i].name); err != nil {
				// The local copy is safe and its size now matches, so the
				// next pass skips the file instead of downloading it again.
				f.logger().Warn("Failed to delete remote file",
					"source", cfg.Name, "file", name, "error", err)
			}
		}
	}

	if res.Err == nil && ctx.Err() == nil && f.metrics != nil {
		f.metrics.UpdateLastFetchTime(cfg.Name)
	}
	f.logger().Info("Source pass complete",
		"source", cfg.Name,
		"downloaded", res.Downloaded,
		"skipped", res.Skipped)
	return res
}

// downloadFile retrieves one remote file into the drop directory. The
// transfer goes to a temp file first and is renamed into place only when
// complete, so the watcher never picks up a half-written export.
func (f *Fetcher) downloadFile(ctx context.Context, src source, rf remoteFile, localPath string) error {
	dir := filepath.Dir(localPath)
	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return errors.New(err).
			Component("fetch").
			Category(errors.CategoryFileIO).
			Context("directory", dir).
			Build()
	}
	tmpPath := tmp.Name()

	if err := src.Retrieve(ctx, rf.name, tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.New(err).
			Component("fetch").
			Category(errors.CategoryFileIO).
			Context("file", tmpPath).
			Build()
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.New(err).
			Component("fetch").
			Category(errors.CategoryFileIO).
			Context("file", localPath).
			Build()
	}
	return nil
}

// dialSource opens a connection for the configured protocol.
func dialSource(ctx context.Context, cfg *conf.RemoteSource) (source, error) {
	switch strings.ToLower(cfg.Protocol) {
	case "ftp":
		return newFTPSource(ctx, cfg)
	case "sftp":
		return newSFTPSource(ctx, cfg)
	default:
		return nil, errors.Newf("unsupported fetch protocol %q", cfg.Protocol).
			Component("fetch").
			Category(errors.CategoryConfiguration).
			Context("source", cfg.Name).
			Build()
	}
}

// validateSource checks the fields every protocol needs.
func validateSource(cfg *conf.RemoteSource) error {
	var problems []string
	if cfg.Name == "" {
		problems = append(problems, "name is required")
	}
	switch strings.ToLower(cfg.Protocol) {
	case "ftp", "sftp":
	default:
		problems = append(problems, fmt.Sprintf("protocol must be ftp or sftp, got %q", cfg.Protocol))
	}
	if cfg.Host == "" {
		problems = append(problems, "host is required")
	}
	if cfg.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Timeout); err != nil {
			problems = append(problems, fmt.Sprintf("invalid timeout %q", cfg.Timeout))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid fetch source %q: %s", cfg.Name, strings.Join(problems, "; ")).
		Component("fetch").
		Category(errors.CategoryConfiguration).
		Build()
}

// sourceTimeout returns the dial timeout for a source.
func sourceTimeout(cfg *conf.RemoteSource) time.Duration {
	if cfg.Timeout == "" {
		return defaultDialTimeout
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil || d <= 0 {
		return defaultDialTimeout
	}
	return d
}

// sourceAddr returns the host:port dial address for a source.
func sourceAddr(cfg *conf.RemoteSource, defaultPort int) string {
	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", cfg.Host, port)
}

// joinRemote joins a remote directory and file name with forward slashes.
func joinRemote(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}

// remoteFetchError wraps a transfer failure with source context.
func remoteFetchError(err error, cfg *conf.RemoteSource, operation string) error {
	var enhanced *errors.EnhancedError
	if errors.As(err, &enhanced) {
		return err
	}
	return errors.New(err).
		Component("fetch").
		Category(errors.CategoryRemoteFetch).
		Context("source", cfg.Name).
		Context("protocol", strings.ToLower(cfg.Protocol)).
		Context("operation", operation).
		Build()
}
