package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	testCases := []struct {
		name string
		err  error
		kind error
	}{
		{"io", &IOFailure{Op: "sync", Path: "/tmp/x", Err: cause}, ErrIOFailure},
		{"corrupt", &CorruptLogError{Path: "00000001.wal", Offset: 42, Err: cause}, ErrCorruptLog},
		{"recovery", &RecoveryFailure{Partition: "r1", Err: cause}, ErrRecoveryFailure},
		{"flush", &FlushFailure{Partition: "r1", Families: []string{"a"}, Err: cause}, ErrFlushFailure},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.kind)
			assert.ErrorIs(t, wrapped, cause)
			for _, other := range []error{ErrIOFailure, ErrCorruptLog, ErrRecoveryFailure, ErrFlushFailure} {
				if other != tc.kind {
					assert.False(t, errors.Is(wrapped, other), "unexpected match with %v", other)
				}
			}
		})
	}
}

func TestPartitionOf(t *testing.T) {
	err := fmt.Errorf("open: %w", &RecoveryFailure{Partition: "users,,1", Err: ErrCorruptLog})
	p, ok := PartitionOf(err)
	require.True(t, ok)
	assert.Equal(t, PartitionID("users,,1"), p)
	assert.Contains(t, err.Error(), "users,,1")

	_, ok = PartitionOf(io.EOF)
	assert.False(t, ok)
}

func TestCompareKeyValues(t *testing.T) {
	base := KeyValue{Row: []byte("r"), Qualifier: []byte("q"), Timestamp: 10, Seq: 5, Type: CellTypePut}

	newerTS := base
	newerTS.Timestamp = 11
	assert.Equal(t, -1, CompareKeyValues(&newerTS, &base), "newer timestamp sorts first")

	higherSeq := base
	higherSeq.Seq = 6
	assert.Equal(t, -1, CompareKeyValues(&higherSeq, &base), "higher seq sorts first")

	familyDelete := KeyValue{Row: []byte("r"), Timestamp: 1, Type: CellTypeDeleteFamily}
	assert.Equal(t, -1, CompareKeyValues(&familyDelete, &base), "family delete precedes columns")

	other := base
	other.Row = []byte("s")
	assert.Equal(t, -1, CompareKeyValues(&base, &other))
	assert.Equal(t, 0, CompareKeyValues(&base, &base))
}

func TestPartitionIDValidate(t *testing.T) {
	assert.NoError(t, PartitionID("table,row,123").Validate())
	assert.Error(t, PartitionID("").Validate())
	assert.Error(t, PartitionID("a/b").Validate())
	assert.Error(t, PartitionID("..").Validate())
}

func TestFileHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := NewFileHeader(WALMagicNumber)
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadFileHeader(&buf, WALMagicNumber)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ReadFileHeader(&bytes.Buffer{}, WALMagicNumber)
	assert.ErrorIs(t, err, ErrShortHeader)
}
