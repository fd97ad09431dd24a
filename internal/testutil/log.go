// Package testutil holds test doubles and helpers shared by package tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/wal"
)

// MarkerGateLog wraps a DurableLog and can hold back flush completion
// markers, leaving the log as if the process died between persisting a flush
// and recording it.
type MarkerGateLog struct {
	wal.DurableLog

	suppress atomic.Bool
	// gate, when set, is waited on before a completion marker is appended.
	gate chan struct{}

	mu       sync.Mutex
	starts   []uint64
	complete []uint64
	aborts   []uint64
}

var _ wal.DurableLog = (*MarkerGateLog)(nil)

func NewMarkerGateLog(inner wal.DurableLog) *MarkerGateLog {
	return &MarkerGateLog{DurableLog: inner}
}

// SuppressCompletion drops completion markers while on is true.
func (l *MarkerGateLog) SuppressCompletion(on bool) { l.suppress.Store(on) }

// Gate makes completion markers wait until Release is called.
func (l *MarkerGateLog) Gate() {
	l.mu.Lock()
	l.gate = make(chan struct{})
	l.mu.Unlock()
}

func (l *MarkerGateLog) Release() {
	l.mu.Lock()
	if l.gate != nil {
		close(l.gate)
		l.gate = nil
	}
	l.mu.Unlock()
}

func (l *MarkerGateLog) StartFlushMarker(ctx context.Context, partition core.PartitionID, families []string, flushSeq uint64) error {
	l.mu.Lock()
	l.starts = append(l.starts, flushSeq)
	l.mu.Unlock()
	return l.DurableLog.StartFlushMarker(ctx, partition, families, flushSeq)
}

func (l *MarkerGateLog) CompleteFlushMarker(ctx context.Context, partition core.PartitionID, flushSeq uint64) error {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if l.suppress.Load() {
		return nil
	}
	l.mu.Lock()
	l.complete = append(l.complete, flushSeq)
	l.mu.Unlock()
	return l.DurableLog.CompleteFlushMarker(ctx, partition, flushSeq)
}

func (l *MarkerGateLog) AbortFlushMarker(ctx context.Context, partition core.PartitionID, flushSeq uint64) error {
	l.mu.Lock()
	l.aborts = append(l.aborts, flushSeq)
	l.mu.Unlock()
	return l.DurableLog.AbortFlushMarker(ctx, partition, flushSeq)
}

// Markers returns the flush sequence numbers of the markers that reached the
// wrapped log.
func (l *MarkerGateLog) Markers() (starts, completes, aborts []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.starts...), append([]uint64(nil), l.complete...), append([]uint64(nil), l.aborts...)
}

// SyncFailingLog wraps a DurableLog whose Sync fails while FailSyncs is on.
// Appends still reach the wrapped log.
type SyncFailingLog struct {
	wal.DurableLog
	fail atomic.Bool
}

var _ wal.DurableLog = (*SyncFailingLog)(nil)

func NewSyncFailingLog(inner wal.DurableLog) *SyncFailingLog {
	return &SyncFailingLog{DurableLog: inner}
}

func (l *SyncFailingLog) FailSyncs(on bool) { l.fail.Store(on) }

func (l *SyncFailingLog) Sync(ctx context.Context) error {
	if l.fail.Load() {
		return &core.IOFailure{Op: "sync", Err: ErrInjectedSync}
	}
	return l.DurableLog.Sync(ctx)
}
