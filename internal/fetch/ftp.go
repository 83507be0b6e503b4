package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/jlaffaye/ftp"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/errors"
)

// ftpSource pulls export files from an FTP share.
type ftpSource struct {
	cfg  *conf.RemoteSource
	conn *ftp.ServerConn
}

// newFTPSource dials and logs in to an FTP source. The dial runs in a
// goroutine so a stalled server cannot outlive the caller's context.
func newFTPSource(ctx context.Context, cfg *conf.RemoteSource) (source, error) {
	addr := sourceAddr(cfg, 21)
	timeout := sourceTimeout(cfg)

	connChan := make(chan *ftp.ServerConn, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout))
		if err != nil {
			errChan <- fmt.Errorf("failed to connect to FTP server: %w", err)
			return
		}

		username := cfg.Username
		if username == "" {
			username = "anonymous"
		}
		if err := conn.Login(username, cfg.Password); err != nil {
			_ = conn.Quit()
			errChan <- fmt.Errorf("failed to login to FTP server: %w", err)
			return
		}

		connChan <- conn
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errChan:
		return nil, errors.New(err).
			Component("fetch").
			Category(errors.CategoryRemoteFetch).
			Context("source", cfg.Name).
			Context("protocol", "ftp").
			Context("host", cfg.Host).
			Build()
	case conn := <-connChan:
		return &ftpSource{cfg: cfg, conn: conn}, nil
	}
}

// List returns the files in the source's remote directory.
func (s *ftpSource) List(ctx context.Context) ([]remoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := s.cfg.Path
	if dir == "" {
		dir = "."
	}
	entries, err := s.conn.List(dir)
	if err != nil {
		return nil, remoteFetchError(fmt.Errorf("failed to list %s: %w", dir, err), s.cfg, "list")
	}

	files := make([]remoteFile, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		files = append(files, remoteFile{name: entry.Name, size: int64(entry.Size)})
	}
	return files, nil
}

// Retrieve writes the named remote file to w.
func (s *ftpSource) Retrieve(ctx context.Context, name string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := s.conn.Retr(joinRemote(s.cfg.Path, name))
	if err != nil {
		return remoteFetchError(fmt.Errorf("failed to retrieve %s: %w", name, err), s.cfg, "retrieve")
	}
	defer func() { _ = resp.Close() }()

	if _, err := io.Copy(w, resp); err != nil {
		return remoteFetchError(fmt.Errorf("transfer of %s failed: %w", name, err), s.cfg, "retrieve")
	}
	return nil
}

// Remove deletes the named remote file.
func (s *ftpSource) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.conn.Delete(joinRemote(s.cfg.Path, name)); err != nil {
		return remoteFetchError(fmt.Errorf("failed to delete %s: %w", name, err), s.cfg, "remove")
	}
	return nil
}

// Close ends the FTP session.
func (s *ftpSource) Close() error {
	return s.conn.Quit()
}
