package sys

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeDiskBytes reports the bytes available to unprivileged users on the
// filesystem holding path.
func FreeDiskBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}

// EnsureFreeSpace fails when fewer than minFree bytes are available under path.
// A zero minFree disables the check.
func EnsureFreeSpace(path string, minFree uint64) error {
	if minFree == 0 {
		return nil
	}
	free, err := FreeDiskBytes(path)
	if err != nil {
		return err
	}
	if free < minFree {
		return fmt.Errorf("only %d bytes free under %s, need %d", free, path, minFree)
	}
	return nil
}
