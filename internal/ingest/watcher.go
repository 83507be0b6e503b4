// watcher.go: drop-directory watch mode.
package ingest

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/factorylens/aoitrack/internal/errors"
)

// stabilityProbeDelay is how long the watcher waits between the two size
// checks that decide whether a file is still being written.
const stabilityProbeDelay = 500 * time.Millisecond

// fileStamp identifies a processed file by size and modification time, so a
// re-dropped file with new content is picked up again while an unchanged
// one is not.
type fileStamp struct {
	size    int64
	modTime time.Time
}

// Watch polls the drop directory for new export files until the context is
// cancelled. Each eligible file runs through the normal per-file pipeline;
// successfully ingested files are optionally moved to the archive
// directory.
func (p *Processor) Watch(ctx context.Context) error {
	cfg := &p.Settings.Ingest
	dir := cfg.Directory
	if dir == "" {
		return errors.Newf("ingest directory is not configured").
			Component("ingest").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := os.Stat(dir); err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("directory", dir).
			Build()
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*.csv"
	}
	interval := cfg.Watch.Interval
	if interval <= 0 {
		interval = 30
	}
	jitter := cfg.Watch.Jitter
	if jitter < 0 {
		jitter = 0
	}

	processed := make(map[string]fileStamp)

	p.logger().Info("Watching drop directory",
		"directory", dir, "pattern", pattern, "interval_s", interval, "jitter_s", jitter)

	// First scan runs immediately, later scans follow the jittered interval.
	if err := p.scanDropDir(ctx, dir, pattern, processed); err != nil {
		p.logger().Error("Drop directory scan failed", "directory", dir, "error", err)
	}

	for {
		sleep := time.Duration(interval) * time.Second
		if jitter > 0 {
			sleep += time.Duration(rand.Intn(jitter+1)) * time.Second
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger().Info("Drop directory watch stopped", "directory", dir)
			return nil
		case <-timer.C:
			if err := p.scanDropDir(ctx, dir, pattern, processed); err != nil {
				p.logger().Error("Drop directory scan failed", "directory", dir, "error", err)
			}
		}
	}
}

// scanDropDir runs one pass over the drop directory: list files matching
// the pattern, skip ones already processed or still being written, ingest
// the rest.
func (p *Processor) scanDropDir(ctx context.Context, dir, pattern string, processed map[string]fileStamp) error {
	if p.metrics != nil {
		p.metrics.IncrementWatcherScans()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("directory", dir).
			Build()
	}

	seen := make(map[string]bool, len(entries))
	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match, err := filepath.Match(pattern, name)
		if err != nil {
			return errors.New(err).
				Component("ingest").
				Category(errors.CategoryConfiguration).
				Context("pattern", pattern).
				Build()
		}
		if !match {
			continue
		}
		seen[name] = true

		info, err := entry.Info()
		if err != nil {
			// File disappeared between list and stat
			continue
		}
		if stamp, ok := processed[name]; ok && stamp.size == info.Size() && stamp.modTime.Equal(info.ModTime()) {
			continue
		}
		if !p.readyForPickup(filepath.Join(dir, name), info) {
			continue
		}
		candidates = append(candidates, name)
	}

	// Forget processed entries whose files are gone so the map does not
	// grow across archive moves and deletions.
	for name := range processed {
		if !seen[name] {
			delete(processed, name)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	p.logger().Info("Found new export files", "directory", dir, "count", len(candidates))
	if p.metrics != nil {
		p.metrics.UpdateQueuedFiles(len(candidates))
	}

	for i, name := range candidates {
		if ctx.Err() != nil {
			break
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		// Stamp at pickup time: a file rewritten while processing gets a
		// different stamp on the next scan and is retried.
		processed[name] = fileStamp{size: info.Size(), modTime: info.ModTime()}

		_, err = p.ProcessFile(ctx, path, SourceDirectory)
		if p.metrics != nil {
			p.metrics.UpdateQueuedFiles(len(candidates) - i - 1)
		}
		if err != nil {
			// Failed files keep their stamp so a poisoned file is not
			// retried every scan; rewriting it changes the stamp.
			continue
		}

		if p.Settings.Ingest.Archive.Enabled {
			if err := p.archiveFile(path); err != nil {
				p.logger().Warn("Failed to archive ingested file", "file", name, "error", err)
			}
		}
	}

	if p.metrics != nil {
		p.metrics.UpdateQueuedFiles(0)
	}
	return nil
}

// readyForPickup reports whether a file looks fully written: non-empty,
// last modified outside the stability window, and size holding steady
// across a short re-check.
func (p *Processor) readyForPickup(path string, info os.FileInfo) bool {
	if info.Size() == 0 {
		return false
	}

	window := time.Duration(p.Settings.Ingest.Watch.StabilityWindow) * time.Second
	if window > 0 && time.Since(info.ModTime()) < window {
		p.logger().Debug("File modified too recently, waiting",
			"file", filepath.Base(path),
			"age", time.Since(info.ModTime()).Round(time.Second))
		return false
	}

	// A growing file is still being copied in
	firstSize := info.Size()
	time.Sleep(stabilityProbeDelay)
	again, err := os.Stat(path)
	if err != nil {
		return false
	}
	if again.Size() != firstSize {
		p.logger().Debug("File still growing, waiting",
			"file", filepath.Base(path),
			"size_before", firstSize, "size_after", again.Size())
		return false
	}
	return true
}

// archiveFile moves an ingested file into the archive directory. A relative
// archive directory resolves under the drop directory. Name collisions get
// a timestamp prefix instead of overwriting the earlier archive copy.
func (p *Processor) archiveFile(path string) error {
	archiveDir := p.Settings.Ingest.Archive.Directory
	if archiveDir == "" {
		archiveDir = "archive"
	}
	if !filepath.IsAbs(archiveDir) {
		archiveDir = filepath.Join(p.Settings.Ingest.Directory, archiveDir)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("directory", archiveDir).
			Build()
	}

	target := filepath.Join(archiveDir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(archiveDir,
			time.Now().Format("20060102T150405")+"_"+filepath.Base(path))
	}

	if err := os.Rename(path, target); err != nil {
		// Rename fails across filesystems, fall back to copy and delete
		if copyErr := copyFile(path, target); copyErr != nil {
			return errors.New(copyErr).
				Component("ingest").
				Category(errors.CategoryFileIO).
				Context("file", filepath.Base(path)).
				Context("target", target).
				Build()
		}
		if err := os.Remove(path); err != nil {
			return errors.New(err).
				Component("ingest").
				Category(errors.CategoryFileIO).
				Context("file", filepath.Base(path)).
				Build()
		}
	}

	p.logger().Debug("Archived ingested file", "file", filepath.Base(path), "target", target)
	return nil
}

// copyFile copies src to dst, creating or truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
