package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/store"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerGateLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inner, err := wal.Open(wal.Options{Dir: dir, SyncMode: wal.SyncDisabled})
	require.NoError(t, err)
	log := NewMarkerGateLog(inner)

	require.NoError(t, log.StartFlushMarker(ctx, "p1", []string{"a"}, 5))
	log.SuppressCompletion(true)
	require.NoError(t, log.CompleteFlushMarker(ctx, "p1", 5))
	log.SuppressCompletion(false)
	require.NoError(t, log.AbortFlushMarker(ctx, "p1", 6))
	require.NoError(t, log.Close())

	starts, completes, aborts := log.Markers()
	assert.Equal(t, []uint64{5}, starts)
	assert.Empty(t, completes)
	assert.Equal(t, []uint64{6}, aborts)

	var types []wal.RecordType
	for _, seg := range ListSegmentFiles(t, dir) {
		_, err := wal.ReadFile(seg, core.WALMagicNumber, func(rec *wal.Record, _ int64) error {
			types = append(types, rec.Type)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []wal.RecordType{wal.RecordFlushStart, wal.RecordFlushAbort}, types)
}

func TestMarkerGateLog_Gate(t *testing.T) {
	inner, err := wal.Open(wal.Options{Dir: t.TempDir(), SyncMode: wal.SyncDisabled})
	require.NoError(t, err)
	defer inner.Close()
	log := NewMarkerGateLog(inner)
	log.Gate()

	done := make(chan error, 1)
	go func() { done <- log.CompleteFlushMarker(context.Background(), "p1", 3) }()
	select {
	case <-done:
		t.Fatal("completion marker passed a closed gate")
	case <-time.After(50 * time.Millisecond):
	}
	log.Release()
	require.NoError(t, <-done)
	_, completes, _ := log.Markers()
	assert.Equal(t, []uint64{3}, completes)
}

func TestFailingFlushExecutor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(store.Options{Dir: filepath.Join(dir, "a"), Family: "a"})
	require.NoError(t, err)
	defer st.Close()
	st.Add(&core.KeyValue{Row: []byte("r"), Qualifier: []byte("q"), Timestamp: 1, Type: core.CellTypePut, Seq: 1})

	exec := NewFailingFlushExecutor("a", 1)
	snap := st.Snapshot(1)
	require.NotNil(t, snap)
	_, err = exec.Persist(ctx, st, snap)
	assert.ErrorIs(t, err, ErrInjectedFlush)
	assert.Equal(t, 0, exec.Remaining())

	r, err := exec.Persist(ctx, st, snap)
	require.NoError(t, err)
	st.Commit(snap, r)
	assert.Equal(t, 2, exec.Attempts("a"))
	assert.Len(t, ListStoreFiles(t, filepath.Join(dir, "a")), 1)
}
