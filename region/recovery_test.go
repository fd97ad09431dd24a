package region

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/internal/testutil"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/splitter"
	"github.com/INLOpen/nexusregion/storefile"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replayListener(out *hooks.ReplayPayload) func(*Options) {
	return func(o *Options) {
		hm := hooks.NewHookManager(nil)
		hm.Register(hooks.EventPostReplay, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
			*out = ev.Payload().(hooks.ReplayPayload)
			return nil
		}))
		o.HookManager = hm
	}
}

func buildBulkFile(t *testing.T, rows int, prefix string) string {
	t.Helper()
	w, err := storefile.NewWriter(storefile.WriterOptions{Dir: t.TempDir(), ID: 1})
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		require.NoError(t, w.Add(&core.KeyValue{
			Row:       []byte(fmt.Sprintf("%s-%03d", prefix, i)),
			Qualifier: []byte("q"),
			Timestamp: 1,
			Type:      core.CellTypePut,
			Value:     []byte("bulk"),
		}))
	}
	path, _, err := w.Finish(storefile.Meta{BulkLoad: true})
	require.NoError(t, err)
	return path
}

func TestRecovery_ReplaysEveryUnflushedEdit(t *testing.T) {
	h := newHarness(t, "a", "b", "c")
	r := h.open()
	for i := 0; i < 1000; i++ {
		for _, f := range h.families {
			h.put(fmt.Sprintf("row-%04d", i), f, "q", "v")
		}
	}
	writePoint := r.MVCC().WritePoint()
	require.Equal(t, uint64(3000), writePoint)
	h.crash()

	files := h.split(nil)
	require.Len(t, files, 1)
	assert.Equal(t, 3000, files[testPartition].Edits)
	assert.Equal(t, recovered.FileName(writePoint), filepath.Base(files[testPartition].Path))

	r = h.open()
	assert.Equal(t, writePoint, r.OpenSeq()-1)
	assert.Equal(t, r.OpenSeq()-1, r.MVCC().WritePoint())
	assert.Equal(t, 3000, r.ReplayResult().Replayed)
	assert.Equal(t, 3000, h.cellCount())
	assert.Equal(t, 1000, testutil.CountRows(t, r))

	// Replayed edits are flushed and the recovered-edits file is gone.
	left, err := recovered.List(testPartition, r.Dir())
	require.NoError(t, err)
	assert.Empty(t, left)
	for _, f := range h.families {
		assert.Len(t, testutil.ListStoreFiles(t, h.familyDir(f)), 1)
	}
	marker, err := recovered.MaxSeqIDMarker(r.Dir())
	require.NoError(t, err)
	assert.Equal(t, writePoint, marker)

	// New writes continue past the replayed sequence numbers.
	assert.Equal(t, writePoint+1, h.put("row-new", "a", "q", "v"))
}

func TestRecovery_MergesTwoRecoveredEditsFiles(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()

	writeLog := func(dir string, seqs ...uint64) {
		w, err := wal.Open(wal.Options{Dir: dir, SyncMode: wal.SyncDisabled})
		require.NoError(t, err)
		for _, seq := range seqs {
			edit := &core.Edit{Partition: testPartition, Seq: seq, WriteTime: int64(seq), Cells: []core.Cell{{
				Row: []byte(fmt.Sprintf("row-%02d", seq)), Family: "a", Qualifier: []byte("q"),
				Timestamp: 1, Type: core.CellTypePut, Value: []byte("v"),
			}}}
			_, err := w.Append(ctx, testPartition, seq, edit)
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())
	}
	first, second := t.TempDir(), t.TempDir()
	writeLog(first, 1, 2, 3, 4, 5)
	// The second process logged edit 5 again before it learned of the first.
	writeLog(second, 5, 6, 7, 8, 9, 10)

	s := splitter.New(splitter.Options{RootDir: h.root})
	_, err := s.SplitDir(ctx, first)
	require.NoError(t, err)
	_, err = s.SplitDir(ctx, second)
	require.NoError(t, err)
	files, err := recovered.List(testPartition, filepath.Join(h.root, string(testPartition)))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, []uint64{5, 10}, []uint64{files[0].MaxSeq, files[1].MaxSeq})

	r := h.open()
	res := r.ReplayResult()
	assert.Equal(t, 10, res.Replayed)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, uint64(11), r.OpenSeq())
	assert.Equal(t, uint64(10), r.MVCC().WritePoint())
	assert.Equal(t, 10, testutil.CountRows(t, r))
}

func TestRecovery_BulkLoadedRegion(t *testing.T) {
	h := newHarness(t, "a")
	r := h.open()
	seq, err := r.BulkLoad(h.ctx, "a", buildBulkFile(t, 10, "bulk"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(2), h.put("plain", "a", "q", "v"))
	assert.Equal(t, 11, testutil.CountRows(t, r))

	r = h.recover()
	assert.Equal(t, 11, testutil.CountRows(t, r))
	assert.Equal(t, 1, r.ReplayResult().Replayed)
	assert.Equal(t, uint64(3), r.OpenSeq())
}

func TestRecovery_BulkLoadAfterUnflushedWrite(t *testing.T) {
	h := newHarness(t, "a")
	r := h.open()
	putSeq := h.put("plain", "a", "q", "v")
	seq, err := r.BulkLoad(h.ctx, "a", buildBulkFile(t, 10, "bulk"))
	require.NoError(t, err)
	assert.Greater(t, seq, putSeq)
	assert.Zero(t, r.stores["a"].MemstoreSize(), "the family is flushed before the file is added")
	assert.Len(t, testutil.ListStoreFiles(t, h.familyDir("a")), 2)

	r = h.recover()
	assert.Equal(t, 11, testutil.CountRows(t, r))
	cells, err := r.Get(h.ctx, []byte("plain"))
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, []byte("v"), cells[0].Value)
	assert.Equal(t, seq+1, r.OpenSeq())
}

func TestRecovery_CompactedBulkFilesKeepTheirSequenceNumbers(t *testing.T) {
	h := newHarness(t, "a")
	r := h.open()
	for i := 0; i < 3; i++ {
		_, err := r.BulkLoad(h.ctx, "a", buildBulkFile(t, 10, fmt.Sprintf("bulk%d", i)))
		require.NoError(t, err)
	}
	putSeq := h.put("plain", "a", "q", "v")
	assert.Equal(t, uint64(4), putSeq)

	res, err := r.Compact(h.ctx, "a")
	require.NoError(t, err)
	assert.Len(t, res.Inputs, 3)
	assert.Equal(t, uint64(3), res.MaxSeq)
	assert.Len(t, testutil.ListStoreFiles(t, h.familyDir("a")), 1)
	assert.Equal(t, 31, testutil.CountRows(t, r))

	r = h.recover()
	assert.Equal(t, 31, testutil.CountRows(t, r))
	assert.Equal(t, 1, r.ReplayResult().Replayed)
	assert.Equal(t, putSeq+1, r.OpenSeq())
}

func TestRecovery_SkipsFamiliesThatWereFlushed(t *testing.T) {
	h := newHarness(t, "a", "b", "c")
	h.open()
	for i := 0; i < 5; i++ {
		h.putRow(fmt.Sprintf("a-only-%d", i), "a")
	}
	for i := 0; i < 10; i++ {
		h.putRow(fmt.Sprintf("row-%02d", i), "a", "b", "c")
	}
	res, err := h.region.Flush(h.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Flushed, res.Result)
	assert.Equal(t, uint64(15), res.FlushSeq)
	st, _ := h.region.Store("a")
	assert.Equal(t, uint64(15), st.MaxSequenceID())
	assert.Equal(t, uint64(0), h.region.MaxFlushedSeq())

	var payload hooks.ReplayPayload
	r := h.recover(replayListener(&payload))
	assert.Equal(t, 10, payload.Replayed)
	assert.Equal(t, 5, payload.Skipped)
	assert.Equal(t, uint64(16), payload.OpenSeq)
	assert.Equal(t, 15, testutil.CountRows(t, r))
	assert.Equal(t, 35, h.cellCount())
	// Family a was not written again.
	assert.Len(t, testutil.ListStoreFiles(t, h.familyDir("a")), 1)
}

func TestRecovery_RestoresFamilyWhoseFilesWereLost(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.open()
	for i := 0; i < 10; i++ {
		h.putRow(fmt.Sprintf("row-%02d", i), "a", "b")
	}
	_, err := h.region.Flush(h.ctx)
	require.NoError(t, err)
	h.crash()
	testutil.RemoveStoreFiles(t, h.familyDir("b"))

	h.split(nil)
	r := h.open()
	assert.Equal(t, 10, r.ReplayResult().Replayed)
	assert.Equal(t, 20, h.cellCount())
	cells, err := r.Get(h.ctx, []byte("row-03"))
	require.NoError(t, err)
	assert.Len(t, cells, 2)
}

func TestRecovery_FailedFlushBlocksWritesUntilRetried(t *testing.T) {
	h := newHarness(t, "a", "b")
	exec := testutil.NewFailingFlushExecutor("b", 1)
	h.open(func(o *Options) { o.FlushExecutor = exec })
	for i := 0; i < 10; i++ {
		h.putRow(fmt.Sprintf("row-%02d", i), "a", "b")
	}

	_, err := h.region.Flush(h.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrFlushFailure)
	assert.ErrorIs(t, err, testutil.ErrInjectedFlush)
	p, ok := core.PartitionOf(err)
	require.True(t, ok)
	assert.Equal(t, testPartition, p)

	_, err = h.region.Put(h.ctx, []byte("row-x"), "a", []byte("q"), []byte("v"))
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.ErrorIs(t, err, core.ErrFlushFailure)
	assert.False(t, h.region.Stats().Writable)
	assert.Equal(t, uint64(10), h.region.MVCC().WritePoint())

	res, err := h.region.Flush(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Families)
	assert.Equal(t, uint64(10), res.FlushSeq)
	assert.NoError(t, h.region.Writable())
	assert.Equal(t, 2, exec.Attempts("b"))

	for i := 10; i < 20; i++ {
		h.putRow(fmt.Sprintf("row-%02d", i), "a", "b")
	}
	r := h.recover()
	assert.Equal(t, 20, testutil.CountRows(t, r))
	assert.Equal(t, 40, h.cellCount())
	for i := 0; i < 20; i++ {
		cells, err := r.Get(h.ctx, []byte(fmt.Sprintf("row-%02d", i)))
		require.NoError(t, err)
		assert.Len(t, cells, 2)
	}
}

func TestRecovery_FlushRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, "a")
	exec := testutil.NewFailingFlushExecutor("a", 2)
	h.open(func(o *Options) {
		o.FlushExecutor = exec
		o.FlushRetries = 2
	})
	h.putRow("r1", "a")

	res, err := h.region.Flush(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, Flushed, res.Result)
	assert.Equal(t, 3, exec.Attempts("a"))
	assert.NoError(t, h.region.Writable())

	h.crash()
	var starts, completes, aborts []uint64
	for _, seg := range testutil.ListSegmentFiles(t, h.walDir) {
		_, err := wal.ReadFile(seg, core.WALMagicNumber, func(rec *wal.Record, _ int64) error {
			switch rec.Type {
			case wal.RecordFlushStart:
				starts = append(starts, rec.FlushSeq)
			case wal.RecordFlushComplete:
				completes = append(completes, rec.FlushSeq)
			case wal.RecordFlushAbort:
				aborts = append(aborts, rec.FlushSeq)
			}
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 1, 1}, starts)
	assert.Equal(t, []uint64{1}, completes)
	assert.Equal(t, []uint64{1, 1}, aborts)
}

func TestRecovery_UnknownFamiliesDeletesAndReplayFlushes(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()
	w, err := wal.Open(wal.Options{Dir: h.walDir, SyncMode: wal.SyncDisabled})
	require.NoError(t, err)
	cell := func(row, family string, ts int64, typ core.CellType) core.Cell {
		c := core.Cell{Row: []byte(row), Family: family, Qualifier: []byte("q"), Timestamp: ts, Type: typ}
		if typ == core.CellTypePut {
			c.Value = []byte("v")
		}
		return c
	}
	edits := [][]core.Cell{
		{cell("r1", "a", 100, core.CellTypePut)},
		{cell("r2", "a", 100, core.CellTypePut)},
		{cell("r1", "zzz", 100, core.CellTypePut)},
		{{Row: []byte("r2"), Family: "a", Timestamp: 200, Type: core.CellTypeDeleteFamily}},
		{cell("r3", "a", 100, core.CellTypePut), cell("r3", "zzz", 100, core.CellTypePut)},
	}
	for i, cells := range edits {
		seq := uint64(i + 1)
		_, err := w.Append(ctx, testPartition, seq, &core.Edit{Partition: testPartition, Seq: seq, WriteTime: int64(seq), Cells: cells})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	h.split(nil)

	r := h.open(func(o *Options) { o.ReplayFlushSize = 1 })
	res := r.ReplayResult()
	assert.Equal(t, 4, res.Replayed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.SkippedUnknownFamily)
	assert.Equal(t, 4, res.Flushes)
	assert.Equal(t, uint64(5), res.MaxReplayedSeq)
	assert.Equal(t, uint64(6), r.OpenSeq())
	assert.Len(t, testutil.ListStoreFiles(t, h.familyDir("a")), 4)

	assert.Equal(t, 2, testutil.CountRows(t, r))
	cells, err := r.Get(h.ctx, []byte("r2"))
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestRecovery_PendingFlushKeepsEditsForReplay(t *testing.T) {
	testCases := []struct {
		name     string
		suppress bool
		wantFile bool
	}{
		{name: "completion marker lost", suppress: true, wantFile: true},
		{name: "completion marker written", suppress: false, wantFile: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "a")
			var gate *testutil.MarkerGateLog
			h.open(func(o *Options) {
				gate = testutil.NewMarkerGateLog(o.Log)
				o.Log = gate
			})
			for i := 0; i < 10; i++ {
				h.putRow(fmt.Sprintf("row-%02d", i), "a")
			}
			gate.SuppressCompletion(tc.suppress)
			res, err := h.region.Flush(h.ctx)
			require.NoError(t, err)
			require.Equal(t, Flushed, res.Result)
			readPoint := h.region.MVCC().ReadPoint()
			flushed := h.region.MaxFlushedSeq()
			require.Equal(t, readPoint, flushed)

			starts, completes, _ := gate.Markers()
			assert.Equal(t, []uint64{readPoint}, starts)
			if tc.suppress {
				assert.Empty(t, completes)
			} else {
				assert.Equal(t, []uint64{readPoint}, completes)
			}

			h.crash()
			files := h.split(splitter.LastFlushedFunc(func(core.PartitionID) uint64 { return flushed }))
			if !tc.wantFile {
				assert.Empty(t, files)
			} else {
				require.Contains(t, files, testPartition)
				assert.Equal(t, recovered.FileName(readPoint), filepath.Base(files[testPartition].Path))
				assert.Equal(t, 10, files[testPartition].Edits)
			}

			r := h.open()
			// The store already holds every edit, so nothing is applied twice.
			assert.Equal(t, 0, r.ReplayResult().Replayed)
			assert.Equal(t, 10, testutil.CountRows(t, r))
			assert.Equal(t, readPoint+1, r.OpenSeq())
		})
	}
}

func TestRecovery_CorruptRecoveredEditsFailsOpen(t *testing.T) {
	h := newHarness(t, "a")
	h.open()
	for i := 0; i < 5; i++ {
		h.putRow(fmt.Sprintf("row-%02d", i), "a")
	}
	h.crash()
	files := h.split(nil)
	path := files[testPartition].Path
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	_, err = h.tryOpen()
	require.Error(t, err)
	var rf *core.RecoveryFailure
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, testPartition, rf.Partition)
	assert.ErrorIs(t, err, core.ErrRecoveryFailure)
	assert.ErrorIs(t, err, core.ErrCorruptLog)
	assert.FileExists(t, path, "a file that failed to replay must be kept")
}

func TestRecovery_SequenceMarkerKeepsNumbersMonotonic(t *testing.T) {
	h := newHarness(t, "a")
	h.open()
	for i := 0; i < 5; i++ {
		h.putRow(fmt.Sprintf("row-%02d", i), "a")
	}
	r := h.recover()
	assert.Equal(t, uint64(6), r.OpenSeq())

	// Lose every store file: only the marker remembers how far numbering got.
	require.NoError(t, r.Abort())
	require.NoError(t, h.log.Close())
	h.region, h.log = nil, nil
	testutil.RemoveStoreFiles(t, h.familyDir("a"))

	r = h.open()
	assert.Equal(t, uint64(6), r.OpenSeq())
	assert.Equal(t, uint64(6), h.put("row-new", "a", "q", "v"))
}
