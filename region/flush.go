package region

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/store"
	"github.com/INLOpen/nexusregion/storefile"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// FlushExecutor persists one store snapshot. It is the seam tests use to make
// a single store fail.
type FlushExecutor interface {
	Persist(ctx context.Context, st *store.Store, snap *store.Snapshot) (*storefile.Reader, error)
}

// StoreFlusher is the default FlushExecutor. It writes the snapshot to a store
// file tagged with the snapshot's flush sequence number.
type StoreFlusher struct{}

func (StoreFlusher) Persist(ctx context.Context, st *store.Store, snap *store.Snapshot) (*storefile.Reader, error) {
	return st.FlushSnapshot(ctx, snap)
}

// FlushResultType tells whether a flush wrote anything.
type FlushResultType int

const (
	NothingToFlush FlushResultType = iota
	Flushed
)

func (t FlushResultType) String() string {
	if t == Flushed {
		return "Flushed"
	}
	return "NothingToFlush"
}

// FlushResult describes a finished flush.
type FlushResult struct {
	Result FlushResultType
	// FlushSeq is the sequence number the flush markers carry.
	FlushSeq uint64
	Families []string
	Files    []string
	Duration time.Duration
}

// Flush persists the memtables of the named families, or of every family
// when none is named. It retries with backoff up to FlushRetries times. While
// a flush has failed and no later one has succeeded the region rejects writes.
func (r *Region) Flush(ctx context.Context, families ...string) (FlushResult, error) {
	if r.closed.Load() {
		return FlushResult{}, ErrClosed
	}
	return r.flushWithRetry(ctx, families, 0)
}

func (r *Region) flushWithRetry(ctx context.Context, families []string, fixedSeq uint64) (FlushResult, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	stores, err := r.storesFor(families)
	if err != nil {
		return FlushResult{}, err
	}

	var res FlushResult
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(r.flushBackoff(), uint64(r.opts.FlushRetries)), ctx)
	err = backoff.Retry(func() error {
		attempt++
		var ferr error
		res, ferr = r.flushOnce(ctx, stores, fixedSeq)
		if ferr != nil && !errors.Is(ferr, core.ErrFlushFailure) {
			return backoff.Permanent(ferr)
		}
		if ferr != nil {
			r.logger.Warn("Flush attempt failed.", "attempt", attempt, "error", ferr)
		}
		return ferr
	}, policy)
	return res, err
}

func (r *Region) flushBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.FlushRetryInterval
	b.MaxElapsedTime = 0
	return b
}

func (r *Region) storesFor(families []string) ([]*store.Store, error) {
	if len(families) == 0 {
		out := make([]*store.Store, 0, len(r.families))
		for _, f := range r.families {
			out = append(out, r.stores[f])
		}
		return out, nil
	}
	out := make([]*store.Store, 0, len(families))
	for _, f := range families {
		st, ok := r.stores[f]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, f)
		}
		out = append(out, st)
	}
	return out, nil
}

// flushOnce runs one flush attempt. fixedSeq, when set, tags the flush
// instead of the allocator's write point; replay uses it because the
// allocator has not been advanced yet.
func (r *Region) flushOnce(ctx context.Context, stores []*store.Store, fixedSeq uint64) (FlushResult, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "Region.Flush", trace.WithAttributes(attribute.String("partition", string(r.id))))
	defer span.End()

	r.updatesLock.Lock()
	flushSeq := fixedSeq
	if flushSeq == 0 {
		flushSeq = r.mvcc.WritePoint()
	}
	var snaps []*store.Snapshot
	var snapStores []*store.Store
	for _, st := range stores {
		if snap := st.Snapshot(flushSeq); snap != nil {
			snaps = append(snaps, snap)
			snapStores = append(snapStores, st)
		}
	}
	if len(snaps) == 0 {
		r.updatesLock.Unlock()
		r.setWritable()
		return FlushResult{Result: NothingToFlush, FlushSeq: flushSeq}, nil
	}

	// A snapshot kept from a failed attempt carries an older tag; the markers
	// must not claim more than every snapshot covers.
	markerSeq := flushSeq
	families := make([]string, len(snaps))
	for i, snap := range snaps {
		families[i] = snap.Family
		if snap.FlushSeq < markerSeq {
			markerSeq = snap.FlushSeq
		}
	}
	payload := hooks.FlushPayload{Partition: r.id, Families: families, FlushSeq: markerSeq}
	if err := r.hooks.Trigger(ctx, hooks.NewPreFlushEvent(payload)); err != nil {
		r.updatesLock.Unlock()
		return FlushResult{}, fmt.Errorf("flush cancelled by pre-flush hook: %w", err)
	}
	if err := r.log.StartFlushMarker(ctx, r.id, families, markerSeq); err != nil {
		r.updatesLock.Unlock()
		return FlushResult{}, r.flushFailed(ctx, span, families, markerSeq, fmt.Errorf("start flush marker: %w", err))
	}
	r.updatesLock.Unlock()

	readers := make([]*storefile.Reader, len(snaps))
	errs := make([]error, len(snaps))
	var g errgroup.Group
	for i := range snaps {
		i := i
		g.Go(func() error {
			readers[i], errs[i] = r.opts.FlushExecutor.Persist(ctx, snapStores[i], snaps[i])
			return nil
		})
	}
	g.Wait()

	var failed []string
	var firstErr error
	var files []string
	for i, snap := range snaps {
		if errs[i] != nil {
			failed = append(failed, snap.Family)
			if firstErr == nil {
				firstErr = errs[i]
			}
			r.metrics.FlushFailures.WithLabelValues(string(r.id), snap.Family).Inc()
			continue
		}
		snapStores[i].Commit(snap, readers[i])
		files = append(files, readers[i].Path())
		r.metrics.FlushBytes.Add(float64(readers[i].Size()))
	}
	if len(failed) > 0 {
		return FlushResult{}, r.flushFailed(ctx, span, failed, markerSeq, firstErr)
	}

	if err := r.log.CompleteFlushMarker(ctx, r.id, markerSeq); err != nil {
		// The files are durable; only the bookkeeping record is missing, which
		// recovery handles as a pending flush.
		r.logger.Warn("Failed to append flush completion marker.", "flush_seq", markerSeq, "error", err)
	}
	r.setWritable()

	elapsed := time.Since(start)
	r.metrics.FlushTotal.WithLabelValues(string(r.id)).Inc()
	r.metrics.FlushDuration.Observe(elapsed.Seconds())
	r.recordFlushLatency(elapsed)
	sort.Strings(families)
	span.SetAttributes(attribute.Int64("flush_seq", int64(markerSeq)), attribute.Int("stores", len(snaps)))
	if err := r.hooks.Trigger(ctx, hooks.NewPostFlushEvent(payload)); err != nil {
		r.logger.Warn("PostFlush hook failed.", "error", err)
	}
	r.logger.Info("Flush finished.", "flush_seq", markerSeq, "families", families, "files", len(files), "duration", elapsed)
	return FlushResult{Result: Flushed, FlushSeq: markerSeq, Families: families, Files: files, Duration: elapsed}, nil
}

func (r *Region) flushFailed(ctx context.Context, span trace.Span, families []string, flushSeq uint64, cause error) error {
	if err := r.log.AbortFlushMarker(ctx, r.id, flushSeq); err != nil {
		r.logger.Warn("Failed to append flush abort marker.", "flush_seq", flushSeq, "error", err)
	}
	ff := &core.FlushFailure{Partition: r.id, Families: families, Err: cause}
	r.setNotWritable(ff)
	span.RecordError(ff)
	span.SetStatus(codes.Error, ff.Error())
	r.logger.Error("Flush failed; partition no longer accepts writes.", "families", families, "flush_seq", flushSeq, "error", cause)
	if err := r.hooks.Trigger(ctx, hooks.NewPostFlushEvent(hooks.FlushPayload{Partition: r.id, Families: families, FlushSeq: flushSeq, Err: ff})); err != nil {
		r.logger.Warn("PostFlush hook failed.", "error", err)
	}
	return ff
}

type writableState struct {
	mu  sync.RWMutex
	err error
}

// setNotWritable rejects writes with cause until a flush succeeds.
func (r *Region) setNotWritable(cause error) {
	r.writable.mu.Lock()
	r.writable.err = cause
	r.writable.mu.Unlock()
	r.metrics.NonWritable.WithLabelValues(string(r.id)).Set(1)
}

func (r *Region) setWritable() {
	r.writable.mu.Lock()
	wasBlocked := r.writable.err != nil
	r.writable.err = nil
	r.writable.mu.Unlock()
	if wasBlocked {
		r.metrics.NonWritable.WithLabelValues(string(r.id)).Set(0)
		r.logger.Info("Partition is writable again.")
	}
}

// Writable reports whether the region accepts writes, and if not, why.
func (r *Region) Writable() error {
	r.writable.mu.RLock()
	defer r.writable.mu.RUnlock()
	if r.writable.err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, r.writable.err)
	}
	return nil
}
