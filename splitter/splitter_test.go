package splitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEdit(partition core.PartitionID, seq uint64) *core.Edit {
	return &core.Edit{
		Partition: partition,
		Seq:       seq,
		WriteTime: int64(seq) * 1000,
		Cells: []core.Cell{{
			Row:       []byte(fmt.Sprintf("row-%04d", seq)),
			Family:    "a",
			Qualifier: []byte("q"),
			Timestamp: int64(seq),
			Type:      core.CellTypePut,
			Value:     []byte(fmt.Sprintf("v-%s-%d", partition, seq)),
		}},
	}
}

// logWriter scripts the content of one log directory.
type logWriter struct {
	t   *testing.T
	ctx context.Context
	w   *wal.WAL
}

func openLog(t *testing.T, dir string) *logWriter {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: dir, SyncMode: wal.SyncDisabled})
	require.NoError(t, err)
	return &logWriter{t: t, ctx: context.Background(), w: w}
}

func (l *logWriter) edits(p core.PartitionID, seqs ...uint64) *logWriter {
	for _, s := range seqs {
		_, err := l.w.Append(l.ctx, p, s, testEdit(p, s))
		require.NoError(l.t, err)
	}
	return l
}

func (l *logWriter) start(p core.PartitionID, seq uint64) *logWriter {
	require.NoError(l.t, l.w.StartFlushMarker(l.ctx, p, []string{"a"}, seq))
	return l
}

func (l *logWriter) complete(p core.PartitionID, seq uint64) *logWriter {
	require.NoError(l.t, l.w.CompleteFlushMarker(l.ctx, p, seq))
	return l
}

func (l *logWriter) abort(p core.PartitionID, seq uint64) *logWriter {
	require.NoError(l.t, l.w.AbortFlushMarker(l.ctx, p, seq))
	return l
}

func (l *logWriter) roll() *logWriter {
	require.NoError(l.t, l.w.Roll(l.ctx))
	return l
}

func (l *logWriter) close() {
	require.NoError(l.t, l.w.Close())
}

func readEdits(t *testing.T, path string) []*core.Edit {
	t.Helper()
	var out []*core.Edit
	_, err := recovered.Read(path, func(e *core.Edit) error {
		out = append(out, e)
		return nil
	})
	require.NoError(t, err)
	return out
}

func seqsOf(edits []*core.Edit) []uint64 {
	out := make([]uint64, len(edits))
	for i, e := range edits {
		out[i] = e.Seq
	}
	return out
}

func TestSplit_GroupsEditsByPartition(t *testing.T) {
	walDir, root := t.TempDir(), t.TempDir()
	openLog(t, walDir).edits("p1", 1, 2).edits("p2", 1).roll().edits("p1", 3).edits("p2", 2, 3).close()

	s := New(Options{RootDir: root})
	files, err := s.SplitDir(context.Background(), walDir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	for p, want := range map[core.PartitionID][]uint64{"p1": {1, 2, 3}, "p2": {1, 2, 3}} {
		f := files[p]
		assert.Equal(t, filepath.Join(recovered.Dir(filepath.Join(root, string(p))), recovered.FileName(3)), f.Path)
		assert.Equal(t, uint64(3), f.MaxSeq)
		assert.Equal(t, len(want), f.Edits)

		got := readEdits(t, f.Path)
		var expected []*core.Edit
		for _, seq := range want {
			expected = append(expected, testEdit(p, seq))
		}
		if diff := cmp.Diff(expected, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("edits of %s mismatch (-want +got):\n%s", p, diff)
		}
	}
}

func TestSplit_DropsDuplicateSequenceNumbers(t *testing.T) {
	walDir, root := t.TempDir(), t.TempDir()
	// The same record in two segments, as a roll after a failed sync leaves it.
	openLog(t, walDir).edits("p1", 1, 2).roll().close()
	second := openLog(t, walDir)
	second.edits("p1", 2, 3).close()

	files, err := New(Options{RootDir: root}).SplitDir(context.Background(), walDir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seqsOf(readEdits(t, files["p1"].Path)))
}

func TestSplit_ThresholdFollowsFlushBrackets(t *testing.T) {
	lastFlushed := LastFlushedFunc(func(core.PartitionID) uint64 { return 4 })

	testCases := []struct {
		name   string
		script func(l *logWriter)
		want   []uint64
	}{
		{
			name:   "no markers uses the provider",
			script: func(l *logWriter) { l.edits("p1", 1, 2, 3, 4, 5, 6) },
			want:   []uint64{5, 6},
		},
		{
			name: "completed flush uses the provider",
			script: func(l *logWriter) {
				l.edits("p1", 1, 2, 3, 4).start("p1", 4).complete("p1", 4).edits("p1", 5, 6)
			},
			want: []uint64{5, 6},
		},
		{
			name: "pending flush keeps everything after the last completion",
			script: func(l *logWriter) {
				l.edits("p1", 1, 2).start("p1", 2).complete("p1", 2).edits("p1", 3, 4).start("p1", 4).edits("p1", 5, 6)
			},
			want: []uint64{3, 4, 5, 6},
		},
		{
			name: "aborted flush keeps its edits",
			script: func(l *logWriter) {
				l.edits("p1", 1, 2, 3, 4).start("p1", 4).abort("p1", 4).edits("p1", 5, 6)
			},
			want: []uint64{1, 2, 3, 4, 5, 6},
		},
		{
			name: "retry after abort completes",
			script: func(l *logWriter) {
				l.edits("p1", 1, 2, 3, 4).start("p1", 4).abort("p1", 4).start("p1", 4).complete("p1", 4).edits("p1", 5, 6)
			},
			want: []uint64{5, 6},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			walDir, root := t.TempDir(), t.TempDir()
			l := openLog(t, walDir)
			tc.script(l)
			l.close()

			files, err := New(Options{RootDir: root, LastFlushed: lastFlushed}).SplitDir(context.Background(), walDir)
			require.NoError(t, err)
			require.Contains(t, files, core.PartitionID("p1"))
			assert.Equal(t, tc.want, seqsOf(readEdits(t, files["p1"].Path)))
		})
	}
}

func TestBracketTracker_State(t *testing.T) {
	tr := newBracketTracker()
	assert.Equal(t, FlushComplete, tr.State("p1"))
	tr.observe(&wal.Record{Type: wal.RecordFlushStart, Partition: "p1", FlushSeq: 5})
	assert.Equal(t, FlushPending, tr.State("p1"))
	assert.Equal(t, uint64(0), tr.skipThreshold("p1", 9))

	// A completion of an older start leaves the newer one open.
	tr.observe(&wal.Record{Type: wal.RecordFlushComplete, Partition: "p1", FlushSeq: 3})
	assert.Equal(t, FlushPending, tr.State("p1"))
	assert.Equal(t, uint64(3), tr.skipThreshold("p1", 9))

	tr.observe(&wal.Record{Type: wal.RecordFlushComplete, Partition: "p1", FlushSeq: 5})
	assert.Equal(t, FlushComplete, tr.State("p1"))
	assert.Equal(t, uint64(9), tr.skipThreshold("p1", 9))
	assert.Equal(t, "FlushComplete", tr.State("p1").String())
}

func TestSplit_NothingLeftWritesNoFile(t *testing.T) {
	walDir, root := t.TempDir(), t.TempDir()
	openLog(t, walDir).edits("p1", 1, 2).close()

	all := LastFlushedFunc(func(core.PartitionID) uint64 { return 2 })
	files, err := New(Options{RootDir: root, LastFlushed: all}).SplitDir(context.Background(), walDir)
	require.NoError(t, err)
	assert.Empty(t, files)
	_, err = os.Stat(recovered.Dir(filepath.Join(root, "p1")))
	assert.True(t, os.IsNotExist(err))
}

func TestSplit_ToleratesTornTailButNotMidSegmentDamage(t *testing.T) {
	t.Run("torn tail", func(t *testing.T) {
		walDir, root := t.TempDir(), t.TempDir()
		openLog(t, walDir).edits("p1", 1, 2, 3).close()
		segs, err := wal.ListSegments(walDir)
		require.NoError(t, err)
		require.Len(t, segs, 1)
		info, err := os.Stat(segs[0])
		require.NoError(t, err)
		require.NoError(t, os.Truncate(segs[0], info.Size()-3))

		files, err := New(Options{RootDir: root}).Split(context.Background(), segs)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2}, seqsOf(readEdits(t, files["p1"].Path)))
	})

	t.Run("damaged record before the tail", func(t *testing.T) {
		walDir, root := t.TempDir(), t.TempDir()
		openLog(t, walDir).edits("p1", 1, 2, 3).close()
		segs, err := wal.ListSegments(walDir)
		require.NoError(t, err)
		data, err := os.ReadFile(segs[0])
		require.NoError(t, err)
		data[core.FileHeaderSize+6] ^= 0xff
		require.NoError(t, os.WriteFile(segs[0], data, 0o644))

		_, err = New(Options{RootDir: root}).Split(context.Background(), segs)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrCorruptLog)
		var cle *core.CorruptLogError
		require.ErrorAs(t, err, &cle)
		assert.Equal(t, segs[0], cle.Path)
	})
}

func TestSplitDir_RefusesLiveLog(t *testing.T) {
	walDir, root := t.TempDir(), t.TempDir()
	l := openLog(t, walDir).edits("p1", 1)
	defer l.close()

	_, err := New(Options{RootDir: root}).SplitDir(context.Background(), walDir)
	assert.ErrorIs(t, err, ErrLogOwned)
}

func TestSplitDir_ArchivesSegments(t *testing.T) {
	walDir, root := t.TempDir(), t.TempDir()
	openLog(t, walDir).edits("p1", 1).roll().edits("p1", 2).close()
	before, err := wal.ListSegments(walDir)
	require.NoError(t, err)
	require.Len(t, before, 2)

	var payload hooks.SplitPayload
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostSplit, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		payload = ev.Payload().(hooks.SplitPayload)
		return nil
	}))

	files, err := New(Options{RootDir: root, ArchiveSegments: true, HookManager: hm}).SplitDir(context.Background(), walDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	after, err := wal.ListSegments(walDir)
	require.NoError(t, err)
	assert.Empty(t, after)
	for _, seg := range before {
		_, err := os.Stat(filepath.Join(walDir, ArchiveDirName, filepath.Base(seg)))
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, payload.Partitions)
	assert.Equal(t, 2, payload.EditsWritten)
	assert.Len(t, payload.Segments, 2)
}

func TestSplit_IsIdempotent(t *testing.T) {
	walDir, root := t.TempDir(), t.TempDir()
	openLog(t, walDir).edits("p1", 1, 2, 3).close()
	segs, err := wal.ListSegments(walDir)
	require.NoError(t, err)

	s := New(Options{RootDir: root})
	first, err := s.Split(context.Background(), segs)
	require.NoError(t, err)
	a, err := os.ReadFile(first["p1"].Path)
	require.NoError(t, err)

	second, err := s.Split(context.Background(), segs)
	require.NoError(t, err)
	b, err := os.ReadFile(second["p1"].Path)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	listed, err := recovered.List("p1", filepath.Join(root, "p1"))
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
