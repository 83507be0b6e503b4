//go:build windows

package datastore

import "golang.org/x/sys/windows"

// freeDiskBytes returns the space available to the calling user on the
// volume holding path.
func freeDiskBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var availToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &availToCaller, &total, &totalFree); err != nil {
		return 0, err
	}
	return availToCaller, nil
}
