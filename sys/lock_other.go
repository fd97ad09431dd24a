//go:build !unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("file is locked by another owner")

// AcquireOSFileLock falls back to an exclusive-create lock file on platforms
// without flock. A stale file left by a crash must be removed by hand.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			return func() error {
				cerr := f.Close()
				if rerr := os.Remove(lockPath); rerr != nil {
					return rerr
				}
				return cerr
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func isUnsupportedDirSync(err error) bool {
	// Directories cannot be fsynced on windows.
	return true
}
