package splitter

import (
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/wal"
)

// FlushState is the bracket state of a partition during a split.
type FlushState int

const (
	// FlushComplete means every start marker seen so far was matched.
	FlushComplete FlushState = iota
	// FlushPending means a start marker has no matching completion.
	FlushPending
)

func (s FlushState) String() string {
	if s == FlushPending {
		return "FlushPending"
	}
	return "FlushComplete"
}

type bracket struct {
	state        FlushState
	pendingSeq   uint64
	completedSeq uint64
}

// bracketTracker holds the flush-bracket state of every partition seen in a
// split. It lives only for the duration of one Split call.
type bracketTracker struct {
	byPartition map[core.PartitionID]*bracket
}

func newBracketTracker() *bracketTracker {
	return &bracketTracker{byPartition: make(map[core.PartitionID]*bracket)}
}

func (t *bracketTracker) get(p core.PartitionID) *bracket {
	b := t.byPartition[p]
	if b == nil {
		b = &bracket{}
		t.byPartition[p] = b
	}
	return b
}

func (t *bracketTracker) observe(rec *wal.Record) {
	b := t.get(rec.Partition)
	switch rec.Type {
	case wal.RecordFlushStart:
		b.state = FlushPending
		b.pendingSeq = rec.FlushSeq
	case wal.RecordFlushComplete:
		if b.state == FlushPending && rec.FlushSeq < b.pendingSeq {
			// Completion of an older attempt; the newer start is still open.
			if rec.FlushSeq > b.completedSeq {
				b.completedSeq = rec.FlushSeq
			}
			return
		}
		b.state = FlushComplete
		if rec.FlushSeq > b.completedSeq {
			b.completedSeq = rec.FlushSeq
		}
	case wal.RecordFlushAbort:
		// The attempt failed; its edits stay pending until a later flush completes.
		b.state = FlushPending
	}
}

// State returns the bracket state of a partition.
func (t *bracketTracker) State(p core.PartitionID) FlushState {
	if b, ok := t.byPartition[p]; ok {
		return b.state
	}
	return FlushComplete
}

// skipThreshold caps the externally reported durable sequence number at the
// last completed flush when the partition has a flush in doubt, so the edits
// that flush covered are kept.
func (t *bracketTracker) skipThreshold(p core.PartitionID, lastFlushed uint64) uint64 {
	b, ok := t.byPartition[p]
	if !ok || b.state != FlushPending {
		return lastFlushed
	}
	if lastFlushed > b.completedSeq {
		return b.completedSeq
	}
	return lastFlushed
}
