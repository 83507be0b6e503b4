package fetch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/errors"
)

// sftpSource pulls export files from an SFTP share.
type sftpSource struct {
	cfg    *conf.RemoteSource
	ssh    *ssh.Client
	client *sftp.Client
}

// newSFTPSource dials an SFTP source, authenticating with the configured
// private key when one is set and the password otherwise.
func newSFTPSource(ctx context.Context, cfg *conf.RemoteSource) (source, error) {
	config := &ssh.ClientConfig{
		User:            cfg.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Note: In production, use ssh.FixedHostKey() or ssh.KnownHosts()
		Timeout:         sourceTimeout(cfg),
	}

	switch {
	case cfg.KeyFile != "":
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Newf("failed to read private key file: %w", err).
				Component("fetch").
				Category(errors.CategoryConfiguration).
				Context("source", cfg.Name).
				Context("key_file", cfg.KeyFile).
				Build()
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Newf("failed to parse private key: %w", err).
				Component("fetch").
				Category(errors.CategoryConfiguration).
				Context("source", cfg.Name).
				Context("key_file", cfg.KeyFile).
				Build()
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case cfg.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	default:
		return nil, errors.Newf("no authentication method configured for source %q", cfg.Name).
			Component("fetch").
			Category(errors.CategoryConfiguration).
			Context("source", cfg.Name).
			Build()
	}

	type connResult struct {
		src *sftpSource
		err error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		sshConn, err := ssh.Dial("tcp", sourceAddr(cfg, 22), config)
		if err != nil {
			resultChan <- connResult{err: fmt.Errorf("failed to connect to SFTP server: %w", err)}
			return
		}
		client, err := sftp.NewClient(sshConn)
		if err != nil {
			_ = sshConn.Close()
			resultChan <- connResult{err: fmt.Errorf("failed to create SFTP client: %w", err)}
			return
		}
		resultChan <- connResult{src: &sftpSource{cfg: cfg, ssh: sshConn, client: client}}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChan:
		if result.err != nil {
			return nil, errors.New(result.err).
				Component("fetch").
				Category(errors.CategoryRemoteFetch).
				Context("source", cfg.Name).
				Context("protocol", "sftp").
				Context("host", cfg.Host).
				Build()
		}
		return result.src, nil
	}
}

// List returns the files in the source's remote directory.
func (s *sftpSource) List(ctx context.Context) ([]remoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := s.cfg.Path
	if dir == "" {
		dir = "."
	}
	entries, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, remoteFetchError(fmt.Errorf("failed to list %s: %w", dir, err), s.cfg, "list")
	}

	files := make([]remoteFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, remoteFile{name: entry.Name(), size: entry.Size()})
	}
	return files, nil
}

// Retrieve writes the named remote file to w.
func (s *sftpSource) Retrieve(ctx context.Context, name string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rf, err := s.client.Open(joinRemote(s.cfg.Path, name))
	if err != nil {
		return remoteFetchError(fmt.Errorf("failed to open %s: %w", name, err), s.cfg, "retrieve")
	}
	defer func() { _ = rf.Close() }()

	if _, err := io.Copy(w, rf); err != nil {
		return remoteFetchError(fmt.Errorf("transfer of %s failed: %w", name, err), s.cfg, "retrieve")
	}
	return nil
}

// Remove deletes the named remote file.
func (s *sftpSource) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.client.Remove(joinRemote(s.cfg.Path, name)); err != nil {
		return remoteFetchError(fmt.Errorf("failed to delete %s: %w", name, err), s.cfg, "remove")
	}
	return nil
}

// Close ends the SFTP session and the underlying SSH connection.
func (s *sftpSource) Close() error {
	clientErr := s.client.Close()
	sshErr := s.ssh.Close()
	if clientErr != nil {
		return clientErr
	}
	return sshErr
}
