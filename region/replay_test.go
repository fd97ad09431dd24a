package region

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openReplayStores(t *testing.T, dir string, families ...string) map[string]*store.Store {
	t.Helper()
	stores := make(map[string]*store.Store, len(families))
	for _, f := range families {
		st, err := store.Open(store.Options{Dir: filepath.Join(dir, f), Family: f})
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		stores[f] = st
	}
	return stores
}

func writeRecoveredEdits(t *testing.T, dir string, seqs ...uint64) recovered.File {
	t.Helper()
	edits := make([]*core.Edit, len(seqs))
	for i, seq := range seqs {
		edits[i] = &core.Edit{Partition: testPartition, Seq: seq, WriteTime: int64(seq), Cells: []core.Cell{{
			Row: []byte(fmt.Sprintf("row-%02d", seq)), Family: "a", Qualifier: []byte("q"),
			Timestamp: 1, Type: core.CellTypePut, Value: []byte("v"),
		}}}
	}
	f, err := recovered.Write(testPartition, dir, edits)
	require.NoError(t, err)
	return f
}

func TestReplayer_Open(t *testing.T) {
	dir := t.TempDir()
	stores := openReplayStores(t, dir, "a")
	f := writeRecoveredEdits(t, dir, 1, 2, 3)

	res, err := (&Replayer{}).Open(context.Background(), testPartition, stores, []recovered.File{f})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	assert.Equal(t, uint64(3), res.MaxReplayedSeq)
	assert.Equal(t, uint64(4), res.OpenSeq)
	assert.Positive(t, stores["a"].MemstoreSize())
}

func TestReplayer_CorruptFileIsRecoveryFailure(t *testing.T) {
	dir := t.TempDir()
	stores := openReplayStores(t, dir, "a")
	f := writeRecoveredEdits(t, dir, 1, 2, 3)
	info, err := os.Stat(f.Path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(f.Path, info.Size()-2))

	_, err = (&Replayer{}).Open(context.Background(), testPartition, stores, []recovered.File{f})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRecoveryFailure)
	assert.ErrorIs(t, err, core.ErrCorruptLog)
	p, ok := core.PartitionOf(err)
	require.True(t, ok)
	assert.Equal(t, testPartition, p)
	assert.Zero(t, stores["a"].MemstoreSize(), "nothing is applied from a file that fails to read")
}

func TestReplayer_FlushErrorIsWrappedOnce(t *testing.T) {
	dir := t.TempDir()
	stores := openReplayStores(t, dir, "a")
	f := writeRecoveredEdits(t, dir, 1, 2)
	errDisk := errors.New("disk full")

	p := &Replayer{
		ReplayFlushSize: 1,
		Flush:           func(context.Context, uint64) error { return errDisk },
	}
	_, err := p.Open(context.Background(), testPartition, stores, []recovered.File{f})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)
	var rf *core.RecoveryFailure
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, errDisk, rf.Err)
}
