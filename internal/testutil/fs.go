package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/INLOpen/nexusregion/storefile"
	"github.com/INLOpen/nexusregion/wal"
)

// Crasher is anything that can be dropped without flushing.
type Crasher interface {
	Abort() error
}

// Crash drops a region the way a dying process would: nothing buffered is
// flushed and the log is left as written.
func Crash(t *testing.T, c Crasher, log wal.DurableLog) {
	t.Helper()
	if err := c.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if log != nil {
		if err := log.Close(); err != nil {
			t.Fatalf("close log: %v", err)
		}
	}
}

// RowCounter counts visible rows.
type RowCounter interface {
	RowCount(ctx context.Context) (int, error)
}

// CountRows fails the test on error.
func CountRows(t *testing.T, r RowCounter) int {
	t.Helper()
	n, err := r.RowCount(context.Background())
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	return n
}

// ListSegmentFiles returns the log segments under walDir.
func ListSegmentFiles(t *testing.T, walDir string) []string {
	t.Helper()
	segments, err := wal.ListSegments(walDir)
	if err != nil {
		t.Fatalf("list segments in %s: %v", walDir, err)
	}
	return segments
}

// ListStoreFiles returns the finished store files of a family directory.
func ListStoreFiles(t *testing.T, familyDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(familyDir)
	if err != nil {
		t.Fatalf("read %s: %v", familyDir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), storefile.FileExt) {
			files = append(files, filepath.Join(familyDir, e.Name()))
		}
	}
	return files
}

// RemoveStoreFiles deletes every store file of a family directory.
func RemoveStoreFiles(t *testing.T, familyDir string) {
	t.Helper()
	for _, f := range ListStoreFiles(t, familyDir) {
		if err := os.Remove(f); err != nil {
			t.Fatalf("remove %s: %v", f, err)
		}
	}
}
