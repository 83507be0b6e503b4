package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorylens/aoitrack/internal/conf"
)

// fakeSource stands in for a remote share during tests.
type fakeSource struct {
	files        map[string]string
	removed      []string
	failList     bool
	failRetrieve bool
}

func (s *fakeSource) List(ctx context.Context) ([]remoteFile, error) {
	if s.failList {
		return nil, fmt.Errorf("listing failed")
	}
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	files := make([]remoteFile, 0, len(names))
	for _, name := range names {
		files = append(files, remoteFile{name: name, size: int64(len(s.files[name]))})
	}
	return files, nil
}

func (s *fakeSource) Retrieve(ctx context.Context, name string, w io.Writer) error {
	if s.failRetrieve {
		return fmt.Errorf("transfer aborted")
	}
	content, ok := s.files[name]
	if !ok {
		return fmt.Errorf("no such file: %s", name)
	}
	_, err := io.Copy(w, bytes.NewReader([]byte(content)))
	return err
}

func (s *fakeSource) Remove(ctx context.Context, name string) error {
	if _, ok := s.files[name]; !ok {
		return fmt.Errorf("no such file: %s", name)
	}
	delete(s.files, name)
	s.removed = append(s.removed, name)
	return nil
}

func (s *fakeSource) Close() error { return nil }

// newTestFetcher wires one fake source per entry in fakes, named
// "line-1", "line-2" and so on, and returns the drop directory.
func newTestFetcher(t *testing.T, fakes ...*fakeSource) (*Fetcher, string) {
	t.Helper()

	dir := t.TempDir()
	settings := &conf.Settings{}
	settings.Ingest.Directory = dir

	byName := make(map[string]*fakeSource, len(fakes))
	for i, fake := range fakes {
		name := fmt.Sprintf("line-%d", i+1)
		settings.Fetch.Sources = append(settings.Fetch.Sources, conf.RemoteSource{
			Name:     name,
			Protocol: "ftp",
			Host:     "inspection-host",
			Pattern:  "*.csv",
		})
		byName[name] = fake
	}

	f := New(settings)
	f.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	f.openSource = func(ctx context.Context, cfg *conf.RemoteSource) (source, error) {
		return byName[cfg.Name], nil
	}
	return f, dir
}

func TestRun_DownloadsMatchingFiles(t *testing.T) {
	t.Parallel()

	fake := &fakeSource{files: map[string]string{
		"board_a.csv": "SerialNumber,Ref_Id\nSN1,R1\n",
		"notes.txt":   "not an export",
	}}
	f, dir := newTestFetcher(t, fake)

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Downloaded)
	assert.Equal(t, 0, results[0].Skipped)

	content, err := os.ReadFile(filepath.Join(dir, "board_a.csv"))
	require.NoError(t, err)
	assert.Equal(t, fake.files["board_a.csv"], string(content))

	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.True(t, os.IsNotExist(err), "non-matching file should not be downloaded")
}

func TestRun_SkipsSameSizeLocalFile(t *testing.T) {
	t.Parallel()

	fake := &fakeSource{files: map[string]string{"board_a.csv": "bbb"}}
	f, dir := newTestFetcher(t, fake)

	local := filepath.Join(dir, "board_a.csv")
	require.NoError(t, os.WriteFile(local, []byte("aaa"), 0o644))

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Downloaded)
	assert.Equal(t, 1, results[0].Skipped)

	content, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(content), "skipped file should not be overwritten")
}

func TestRun_RedownloadsWhenSizeDiffers(t *testing.T) {
	t.Parallel()

	fake := &fakeSource{files: map[string]string{"board_a.csv": "abc"}}
	f, dir := newTestFetcher(t, fake)

	local := filepath.Join(dir, "board_a.csv")
	require.NoError(t, os.WriteFile(local, []byte("aa"), 0o644))

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Downloaded)

	content, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestRun_DeleteAfterRemovesRemoteFile(t *testing.T) {
	t.Parallel()

	fake := &fakeSource{files: map[string]string{"board_a.csv": "data"}}
	f, _ := newTestFetcher(t, fake)
	f.Settings.Fetch.Sources[0].DeleteAfter = true

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Downloaded)
	assert.Equal(t, []string{"board_a.csv"}, fake.removed)
}

func TestRun_LeavesNoTempFilesOnFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeSource{
		files:        map[string]string{"board_a.csv": "data"},
		failRetrieve: true,
	}
	f, dir := newTestFetcher(t, fake)

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)

	_, err = os.Stat(filepath.Join(dir, "board_a.csv"))
	assert.True(t, os.IsNotExist(err), "failed download should not leave the target file")

	leftovers, err := filepath.Glob(filepath.Join(dir, tempPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "failed download should not leave temp files")
}

func TestRun_SourceFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	broken := &fakeSource{failList: true}
	healthy := &fakeSource{files: map[string]string{"board_b.csv": "data"}}
	f, dir := newTestFetcher(t, broken, healthy)

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Downloaded)

	_, err = os.Stat(filepath.Join(dir, "board_b.csv"))
	assert.NoError(t, err)
}

func TestRun_ConnectFailure(t *testing.T) {
	t.Parallel()

	f, _ := newTestFetcher(t, &fakeSource{})
	f.openSource = func(ctx context.Context, cfg *conf.RemoteSource) (source, error) {
		return nil, fmt.Errorf("connection refused")
	}

	results, err := f.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "connection refused")
}

func TestRun_NoSourcesConfigured(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Ingest.Directory = t.TempDir()
	f := New(settings)
	f.log = slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := f.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fetch sources configured")
}

func TestValidateSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     conf.RemoteSource
		wantErr string
	}{
		{
			name: "valid ftp",
			cfg:  conf.RemoteSource{Name: "line-1", Protocol: "ftp", Host: "h"},
		},
		{
			name: "valid sftp with timeout",
			cfg:  conf.RemoteSource{Name: "line-1", Protocol: "sftp", Host: "h", Timeout: "45s"},
		},
		{
			name:    "missing name",
			cfg:     conf.RemoteSource{Protocol: "ftp", Host: "h"},
			wantErr: "name is required",
		},
		{
			name:    "missing host",
			cfg:     conf.RemoteSource{Name: "line-1", Protocol: "ftp"},
			wantErr: "host is required",
		},
		{
			name:    "bad protocol",
			cfg:     conf.RemoteSource{Name: "line-1", Protocol: "smb", Host: "h"},
			wantErr: "protocol must be ftp or sftp",
		},
		{
			name:    "bad timeout",
			cfg:     conf.RemoteSource{Name: "line-1", Protocol: "ftp", Host: "h", Timeout: "soon"},
			wantErr: "invalid timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateSource(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSourceAddr(t *testing.T) {
	t.Parallel()

	ftpCfg := &conf.RemoteSource{Host: "machine-1"}
	assert.Equal(t, "machine-1:21", sourceAddr(ftpCfg, 21))
	assert.Equal(t, "machine-1:22", sourceAddr(ftpCfg, 22))

	explicit := &conf.RemoteSource{Host: "machine-1", Port: 2121}
	assert.Equal(t, "machine-1:2121", sourceAddr(explicit, 21))
}

func TestSourceTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultDialTimeout, sourceTimeout(&conf.RemoteSource{}))
	assert.Equal(t, 5*time.Second, sourceTimeout(&conf.RemoteSource{Timeout: "5s"}))
	assert.Equal(t, defaultDialTimeout, sourceTimeout(&conf.RemoteSource{Timeout: "bogus"}))
	assert.Equal(t, defaultDialTimeout, sourceTimeout(&conf.RemoteSource{Timeout: "-1s"}))
}

func TestJoinRemote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "export.csv", joinRemote("", "export.csv"))
	assert.Equal(t, "/exports/export.csv", joinRemote("/exports", "export.csv"))
	assert.Equal(t, "exports/export.csv", joinRemote("exports/", "export.csv"))
}

func TestDialSource_UnsupportedProtocol(t *testing.T) {
	t.Parallel()

	_, err := dialSource(context.Background(), &conf.RemoteSource{Name: "line-1", Protocol: "smb", Host: "h"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported fetch protocol")
}

func TestLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()

	fake := &fakeSource{files: map[string]string{"board_a.csv": "data"}}
	f, dir := newTestFetcher(t, fake)
	f.Settings.Fetch.Interval = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.Loop(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "board_a.csv"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "first pass should download the file")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after context cancellation")
	}
}
