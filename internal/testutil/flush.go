package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/INLOpen/nexusregion/store"
	"github.com/INLOpen/nexusregion/storefile"
)

// ErrInjectedFlush is returned by FailingFlushExecutor.
var ErrInjectedFlush = errors.New("injected flush failure")

// ErrInjectedSync is returned by SyncFailingLog.
var ErrInjectedSync = errors.New("injected sync failure")

// FailingFlushExecutor persists snapshots like the default executor but fails
// the next Failures attempts for Family.
type FailingFlushExecutor struct {
	Family string

	mu       sync.Mutex
	failures int
	attempts map[string]int
}

func NewFailingFlushExecutor(family string, failures int) *FailingFlushExecutor {
	return &FailingFlushExecutor{Family: family, failures: failures, attempts: make(map[string]int)}
}

func (f *FailingFlushExecutor) Persist(ctx context.Context, st *store.Store, snap *store.Snapshot) (*storefile.Reader, error) {
	f.mu.Lock()
	f.attempts[st.Family()]++
	fail := st.Family() == f.Family && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, ErrInjectedFlush
	}
	return st.FlushSnapshot(ctx, snap)
}

// Attempts returns how often a family was persisted or tried.
func (f *FailingFlushExecutor) Attempts(family string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[family]
}

// Remaining returns the failures still to be injected.
func (f *FailingFlushExecutor) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}
