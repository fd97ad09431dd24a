package wal

import (
	"testing"

	"github.com/INLOpen/nexusregion/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEncoding(t *testing.T) {
	edit := &core.Edit{
		Partition: "t1,,1700000000",
		Seq:       42,
		WriteTime: -5,
		Cells: []core.Cell{
			{Row: []byte("r"), Family: "a", Qualifier: []byte("q1"), Timestamp: 9, Type: core.CellTypePut, Value: []byte("v")},
			{Row: []byte("r"), Family: "c", Timestamp: 9, Type: core.CellTypeDeleteFamily},
		},
	}
	got, err := UnmarshalRecord(MarshalRecord(EditRecord(edit)))
	require.NoError(t, err)
	assert.Equal(t, RecordEdit, got.Type)
	back := got.Edit()
	assert.Equal(t, edit.Partition, back.Partition)
	assert.Equal(t, edit.Seq, back.Seq)
	assert.Equal(t, edit.WriteTime, back.WriteTime)
	require.Len(t, back.Cells, 2)
	assert.Equal(t, "v", string(back.Cells[0].Value))
	assert.Equal(t, core.CellTypeDeleteFamily, back.Cells[1].Type)
	assert.Equal(t, "c", back.Cells[1].Family)
	assert.Equal(t, []string{"a", "c"}, back.Families())

	marker, err := UnmarshalRecord(MarshalRecord(&Record{Type: RecordFlushStart, Partition: "p", Families: []string{"a", "b"}, FlushSeq: 7}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, marker.Families)
	assert.Equal(t, uint64(7), marker.FlushSeq)
}

func TestUnmarshalRecordRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRecord([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = UnmarshalRecord(MarshalRecord(&Record{Type: RecordEdit, Partition: "p"}))
	assert.Error(t, err, "edits need a sequence number")

	_, err = UnmarshalRecord(MarshalRecord(&Record{Type: RecordType(99), Partition: "p"}))
	assert.Error(t, err)
}
