package wal

import (
	"context"

	"github.com/INLOpen/nexusregion/core"
)

// Offset locates a record in the log. Offsets compare in append order.
type Offset struct {
	Segment  uint64
	Position int64
}

// Compare returns -1, 0 or 1 as o is before, equal to or after p.
func (o Offset) Compare(p Offset) int {
	switch {
	case o.Segment < p.Segment:
		return -1
	case o.Segment > p.Segment:
		return 1
	case o.Position < p.Position:
		return -1
	case o.Position > p.Position:
		return 1
	}
	return 0
}

// DurableLog is what a partition needs from its write-ahead log.
type DurableLog interface {
	// Append adds an edit for partition. seq must exceed every sequence number
	// previously appended for the same partition.
	Append(ctx context.Context, partition core.PartitionID, seq uint64, edit *core.Edit) (Offset, error)
	// Sync makes every appended record durable.
	Sync(ctx context.Context) error
	// StartFlushMarker opens a flush bracket covering edits up to flushSeq.
	StartFlushMarker(ctx context.Context, partition core.PartitionID, families []string, flushSeq uint64) error
	// CompleteFlushMarker closes the bracket once the flushed files are durable.
	CompleteFlushMarker(ctx context.Context, partition core.PartitionID, flushSeq uint64) error
	// AbortFlushMarker records that the bracketed flush failed.
	AbortFlushMarker(ctx context.Context, partition core.PartitionID, flushSeq uint64) error
	Close() error
}

var _ DurableLog = (*WAL)(nil)
