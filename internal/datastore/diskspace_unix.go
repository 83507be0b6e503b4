//go:build !windows

package datastore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// freeDiskBytes returns the space available to unprivileged writers on the
// filesystem holding path.
func freeDiskBytes(path string) (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, err
	}
	// Bsize must be positive before the uint64 conversion
	if fs.Bsize <= 0 {
		return 0, fmt.Errorf("statfs reported block size %d for %s", fs.Bsize, path)
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}
