package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/INLOpen/nexusregion/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kv(row, qual string, ts int64, seq uint64, typ core.CellType, val string) *core.KeyValue {
	return &core.KeyValue{Row: []byte(row), Qualifier: []byte(qual), Timestamp: ts, Seq: seq, Type: typ, Value: []byte(val)}
}

func TestMemtable_PutAndOrder(t *testing.T) {
	m := New()
	m.Put(kv("b", "q", 10, 3, core.CellTypePut, "b3"))
	m.Put(kv("a", "q", 10, 1, core.CellTypePut, "a1"))
	m.Put(kv("a", "q", 10, 2, core.CellTypePut, "a2"))
	m.Put(kv("a", "", 10, 4, core.CellTypeDeleteFamily, ""))

	require.Equal(t, 4, m.Len())
	assert.Equal(t, uint64(4), m.MaxSeq())
	assert.Equal(t, uint64(1), m.MinSeq())

	var got []string
	iter := m.NewIterator()
	for iter.Next() {
		e := iter.At()
		got = append(got, fmt.Sprintf("%s/%s/%d", e.Row, e.Qualifier, e.Seq))
	}
	require.NoError(t, iter.Close())
	assert.Equal(t, []string{"a//4", "a/q/2", "a/q/1", "b/q/3"}, got)
}

func TestMemtable_DuplicateVersionReplaces(t *testing.T) {
	m := New()
	m.Put(kv("r", "q", 1, 7, core.CellTypePut, "short"))
	sizeBefore := m.Size()
	m.Put(kv("r", "q", 1, 7, core.CellTypePut, "a much longer value"))

	assert.Equal(t, 1, m.Len())
	assert.Greater(t, m.Size(), sizeBefore)
	assert.Equal(t, kv("r", "q", 1, 7, core.CellTypePut, "a much longer value").Size(), m.Size())

	// Shrinking the value again gives back the original size.
	m.Put(kv("r", "q", 1, 7, core.CellTypePut, "short"))
	assert.Equal(t, sizeBefore, m.Size())
	rows := m.RowCells([]byte("r"))
	require.Len(t, rows, 1)
	assert.Equal(t, "a much longer value", string(rows[0].Value))
}

func TestMemtable_RowCells(t *testing.T) {
	m := New()
	m.Put(kv("row1", "a", 5, 1, core.CellTypePut, "x"))
	m.Put(kv("row1", "b", 5, 2, core.CellTypePut, "y"))
	m.Put(kv("row2", "a", 5, 3, core.CellTypePut, "z"))
	m.Put(kv("row10", "a", 5, 4, core.CellTypePut, "w"))

	got := m.RowCells([]byte("row1"))
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Qualifier))
	assert.Equal(t, "b", string(got[1].Qualifier))

	assert.Empty(t, m.RowCells([]byte("missing")))
	assert.Empty(t, m.RowCells([]byte("zzz")))
}

func TestMemtable_EmptyState(t *testing.T) {
	m := New()
	assert.True(t, m.IsEmpty())
	assert.Equal(t, uint64(0), m.MaxSeq())
	assert.Equal(t, uint64(0), m.MinSeq())
	assert.Equal(t, int64(0), m.Size())

	iter := m.NewIterator()
	assert.False(t, iter.Next())
	require.NoError(t, iter.Close())
	require.NoError(t, iter.Close())
}

func TestMemtable_ConcurrentPut(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Put(kv(fmt.Sprintf("row-%d", i), "q", 1, uint64(w*100+i+1), core.CellTypePut, "v"))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, m.Len())
	assert.Equal(t, uint64(800), m.MaxSeq())

	count := 0
	m.Range(func(*core.KeyValue) bool { count++; return count < 10 })
	assert.Equal(t, 10, count)
}
