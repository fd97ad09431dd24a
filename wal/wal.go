package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/metrics"
	"github.com/INLOpen/nexusregion/sys"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
)

// SyncMode controls when appended records are fsynced.
type SyncMode string

const (
	// SyncAlways fsyncs after every append.
	SyncAlways SyncMode = "always"
	// SyncBatch leaves syncing to callers of Sync, so concurrent writers share one fsync.
	SyncBatch SyncMode = "batch"
	// SyncDisabled flushes buffers on Sync but never fsyncs. For tests.
	SyncDisabled SyncMode = "disabled"
)

// LockFileName is held by the owning process for as long as the log is open.
const LockFileName = "LOCK"

var (
	ErrClosed     = errors.New("wal is closed")
	ErrOutOfOrder = errors.New("sequence number is not greater than the last appended for the partition")
)

// Options configures a WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	// RetryBudget is the number of retries after a failed write or sync.
	RetryBudget          int
	RetryInitialInterval time.Duration
	// LockTimeout is how long Open waits for the directory lock.
	LockTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	HookManager hooks.HookManager
}

// WAL is the default DurableLog. Each process that opens a directory writes
// to a fresh segment and never appends to segments left by earlier owners.
type WAL struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	active      *FileWriter
	activeIndex uint64
	// broken is set after a failed write or sync; the next operation rolls.
	broken bool
	// unsynced holds the frames written since the last successful sync so a
	// roll can rewrite them into the new segment.
	unsynced    [][]byte
	appended    uint64
	synced      uint64
	lastSeq     map[core.PartitionID]uint64
	closed      bool
	releaseLock func() error

	metrics *metrics.Metrics
	hooks   hooks.HookManager
}

// Open creates the directory if needed, takes ownership of it and starts a
// new segment.
func Open(opts Options) (*WAL, error) {
	if opts.Dir == "" {
		return nil, errors.New("wal: directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncBatch
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 10 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopManager
	}
	logger := opts.Logger.With("component", "WAL", "dir", opts.Dir)

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory %s: %w", opts.Dir, err)
	}
	release, err := sys.AcquireOSFileLock(filepath.Join(opts.Dir, LockFileName), opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wal directory %s: %w", opts.Dir, err)
	}

	segments, err := ListSegments(opts.Dir)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to list wal segments: %w", err)
	}
	var next uint64 = 1
	if len(segments) > 0 {
		last, _ := ParseSegmentFileName(filepath.Base(segments[len(segments)-1]))
		next = last + 1
		logger.Info("Found segments from a previous owner; they are left for splitting.", "count", len(segments))
	}

	w := &WAL{
		dir:         opts.Dir,
		opts:        opts,
		logger:      logger,
		lastSeq:     make(map[core.PartitionID]uint64),
		releaseLock: release,
		metrics:     opts.Metrics,
		hooks:       opts.HookManager,
	}
	if err := w.openSegmentLocked(next); err != nil {
		release()
		return nil, err
	}
	logger.Info("WAL opened.", "segment", next, "sync_mode", opts.SyncMode)
	return w, nil
}

// Dir returns the log directory.
func (w *WAL) Dir() string { return w.dir }

// ActiveSegmentIndex returns the index of the segment being written.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeIndex
}

func (w *WAL) openSegmentLocked(index uint64) error {
	path := filepath.Join(w.dir, FormatSegmentFileName(index))
	fw, err := CreateFile(path, core.WALMagicNumber)
	if err != nil {
		return err
	}
	w.active = fw
	w.activeIndex = index
	return nil
}

// Append logs an edit for partition.
func (w *WAL) Append(ctx context.Context, partition core.PartitionID, seq uint64, edit *core.Edit) (Offset, error) {
	rec := &Record{Type: RecordEdit, Partition: partition, Seq: seq, WriteTime: edit.WriteTime, Cells: edit.Cells}
	payload := MarshalRecord(rec)
	if len(payload) > maxRecordSize {
		return Offset{}, fmt.Errorf("edit of %d bytes exceeds the %d byte record limit", len(payload), maxRecordSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Offset{}, ErrClosed
	}
	if last := w.lastSeq[partition]; seq <= last {
		return Offset{}, fmt.Errorf("partition %s: seq %d after %d: %w", partition, seq, last, ErrOutOfOrder)
	}

	off, err := w.writeLocked(Frame(payload))
	if err != nil {
		return Offset{}, err
	}
	w.lastSeq[partition] = seq
	w.metrics.WALAppends.Inc()

	if w.opts.SyncMode == SyncAlways {
		if err := w.syncLocked(); err != nil {
			return Offset{}, err
		}
	}
	if err := w.maybeRollLocked(ctx); err != nil {
		return Offset{}, err
	}
	return off, nil
}

// StartFlushMarker appends the opening marker of a flush bracket. It does not sync.
func (w *WAL) StartFlushMarker(ctx context.Context, partition core.PartitionID, families []string, flushSeq uint64) error {
	return w.appendMarker(&Record{Type: RecordFlushStart, Partition: partition, Families: families, FlushSeq: flushSeq})
}

// CompleteFlushMarker appends the closing marker of a flush bracket. It does not sync.
func (w *WAL) CompleteFlushMarker(ctx context.Context, partition core.PartitionID, flushSeq uint64) error {
	return w.appendMarker(&Record{Type: RecordFlushComplete, Partition: partition, FlushSeq: flushSeq})
}

// AbortFlushMarker records a failed flush. It does not sync.
func (w *WAL) AbortFlushMarker(ctx context.Context, partition core.PartitionID, flushSeq uint64) error {
	return w.appendMarker(&Record{Type: RecordFlushAbort, Partition: partition, FlushSeq: flushSeq})
}

func (w *WAL) appendMarker(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	_, err := w.writeLocked(Frame(MarshalRecord(rec)))
	return err
}

// Sync makes every record appended so far durable. Callers whose records were
// already covered by another caller's sync return without an fsync.
func (w *WAL) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.syncLocked()
}

func (w *WAL) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryInitialInterval
	b.MaxInterval = 50 * w.opts.RetryInitialInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(w.opts.RetryBudget))
}

func (w *WAL) writeLocked(frame []byte) (Offset, error) {
	var off Offset
	op := func() error {
		if w.broken {
			if err := w.rollAfterFailureLocked(); err != nil {
				return err
			}
		}
		pos, err := w.active.AppendFrame(frame)
		if err != nil {
			w.broken = true
			return err
		}
		off = Offset{Segment: w.activeIndex, Position: pos}
		return nil
	}
	if err := backoff.Retry(op, w.retryPolicy()); err != nil {
		return Offset{}, &core.IOFailure{Op: "append", Path: w.active.Path(), Err: err}
	}
	w.unsynced = append(w.unsynced, frame)
	w.appended++
	w.metrics.WALBytesWritten.Add(float64(len(frame)))
	return off, nil
}

func (w *WAL) syncLocked() error {
	if w.synced == w.appended && !w.broken {
		return nil
	}
	start := time.Now()
	op := func() error {
		if w.broken {
			if err := w.rollAfterFailureLocked(); err != nil {
				return err
			}
		}
		var err error
		if w.opts.SyncMode == SyncDisabled {
			err = w.active.Flush()
		} else {
			err = w.active.Sync()
		}
		if err != nil {
			w.broken = true
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, w.retryPolicy()); err != nil {
		w.logger.Error("WAL sync failed after retries.", "error", err, "budget", w.opts.RetryBudget)
		return &core.IOFailure{Op: "sync", Path: w.active.Path(), Err: err}
	}
	w.synced = w.appended
	w.unsynced = w.unsynced[:0]
	w.metrics.WALSyncs.Inc()
	w.metrics.WALSyncLatency.Observe(time.Since(start).Seconds())
	return nil
}

// rollAfterFailureLocked abandons the active segment and replays the frames
// not yet known durable into a fresh one. Frames may then exist in both
// segments; readers drop the duplicate sequence numbers.
func (w *WAL) rollAfterFailureLocked() error {
	old := w.activeIndex
	_ = w.active.Close()
	if err := w.openSegmentLocked(old + 1); err != nil {
		// Keep pointing at a closed writer; the next attempt tries index+2.
		w.activeIndex = old + 1
		return err
	}
	for _, frame := range w.unsynced {
		if _, err := w.active.AppendFrame(frame); err != nil {
			return err
		}
	}
	w.broken = false
	w.metrics.WALRolls.WithLabelValues("io_error").Inc()
	w.logger.Warn("Rolled WAL after I/O failure.", "old_segment", old, "new_segment", w.activeIndex, "rewritten", len(w.unsynced))
	w.fireRoll(old, "io_error")
	return nil
}

func (w *WAL) maybeRollLocked(ctx context.Context) error {
	if w.active.Size() < w.opts.MaxSegmentSize {
		return nil
	}
	return w.rollLocked(ctx, "size")
}

// Roll closes the active segment and starts the next one.
func (w *WAL) Roll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.rollLocked(ctx, "manual")
}

func (w *WAL) rollLocked(ctx context.Context, reason string) error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	old := w.activeIndex
	if err := w.active.Close(); err != nil {
		w.logger.Warn("Error closing WAL segment during roll.", "segment", old, "error", err)
	}
	if err := w.openSegmentLocked(old + 1); err != nil {
		w.broken = true
		return &core.IOFailure{Op: "roll", Path: w.dir, Err: err}
	}
	w.metrics.WALRolls.WithLabelValues(reason).Inc()
	w.fireRoll(old, reason)
	return nil
}

func (w *WAL) fireRoll(old uint64, reason string) {
	payload := hooks.WALRollPayload{OldSegment: old, NewSegment: w.activeIndex, Reason: reason}
	_ = w.hooks.Trigger(context.Background(), hooks.NewPostWALRollEvent(payload))
}

// Close syncs, closes the active segment and releases the directory lock.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return multierr.Combine(w.syncLocked(), w.active.Close(), w.releaseLock())
}
