// Package region serves one partition: a set of column family stores fed by
// a shared write-ahead log, recovered from split logs when it opens.
package region

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/metrics"
	"github.com/INLOpen/nexusregion/mvcc"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/store"
	"github.com/INLOpen/nexusregion/sys"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/caio/go-tdigest/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

var (
	ErrClosed        = errors.New("region is closed")
	ErrNotWritable   = errors.New("region is not writable")
	ErrUnknownFamily = errors.New("unknown column family")
	ErrEmptyMutation = errors.New("mutation has no cells")
	ErrMultipleRows  = errors.New("mutation spans more than one row")
)

// Region is an open partition.
type Region struct {
	opts    Options
	id      core.PartitionID
	dir     string
	log     wal.DurableLog
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	hooks   hooks.HookManager

	mvcc     *mvcc.MVCC
	stores   map[string]*store.Store
	families []string

	// updatesLock is held shared by writes and exclusively by a flush while
	// it takes its snapshots, so a snapshot holds every edit up to the flush
	// sequence number.
	updatesLock sync.RWMutex
	// bulkLock is held shared by writes and exclusively by a bulk load, so
	// no edit below a bulk-loaded file's sequence number is left unflushed.
	bulkLock sync.RWMutex
	// appendMu makes sequence assignment and the log append one step, so log
	// order equals sequence order.
	appendMu sync.Mutex
	flushMu  sync.Mutex
	writable writableState
	closed   atomic.Bool

	openSeq uint64
	replay  ReplayResult

	statsMu      sync.Mutex
	flushLatency *tdigest.TDigest
	flushCount   uint64
}

// Open opens the stores of a partition, replays its recovered edits and
// makes it available for writes. On failure every store is closed again and a
// *core.RecoveryFailure is returned; the partition is never partly online.
func Open(ctx context.Context, opts Options) (*Region, error) {
	r, err := newRegion(opts)
	if err != nil {
		return nil, recoveryFailure(opts.Partition, err)
	}
	if err := r.recover(ctx); err != nil {
		r.closeStores()
		return nil, recoveryFailure(opts.Partition, err)
	}
	return r, nil
}

func recoveryFailure(partition core.PartitionID, err error) error {
	var rf *core.RecoveryFailure
	if errors.As(err, &rf) {
		return err
	}
	return &core.RecoveryFailure{Partition: partition, Err: err}
}

func newRegion(opts Options) (*Region, error) {
	if err := opts.Partition.Validate(); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		return nil, errors.New("region: a durable log is required")
	}
	if len(opts.Families) == 0 {
		return nil, errors.New("region: at least one column family is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("nexusregion/region")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopManager
	}
	if opts.FlushSize <= 0 {
		opts.FlushSize = DefaultFlushSize
	}
	if opts.ReplayFlushSize <= 0 {
		opts.ReplayFlushSize = opts.FlushSize
	}
	if opts.FlushRetries == 0 {
		opts.FlushRetries = DefaultFlushRetries
	} else if opts.FlushRetries < 0 {
		opts.FlushRetries = 0
	}
	if opts.FlushRetryInterval <= 0 {
		opts.FlushRetryInterval = DefaultFlushRetryInterval
	}
	if opts.FlushExecutor == nil {
		opts.FlushExecutor = StoreFlusher{}
	}
	digest, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	r := &Region{
		opts:         opts,
		id:           opts.Partition,
		dir:          filepath.Join(opts.RootDir, string(opts.Partition)),
		log:          opts.Log,
		logger:       opts.Logger.With("component", "Region", "partition", string(opts.Partition)),
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		hooks:        opts.HookManager,
		mvcc:         mvcc.New(0),
		stores:       make(map[string]*store.Store, len(opts.Families)),
		flushLatency: digest,
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, &core.IOFailure{Op: "mkdir", Path: r.dir, Err: err}
	}
	for _, family := range opts.Families {
		if _, dup := r.stores[family]; dup {
			r.closeStores()
			return nil, fmt.Errorf("region: duplicate column family %q", family)
		}
		st, err := store.Open(store.Options{
			Dir:         filepath.Join(r.dir, family),
			Family:      family,
			Compressor:  opts.Compressor,
			BlockSize:   opts.BlockSize,
			BloomFPRate: opts.BloomFPRate,
			BlockCache:  opts.BlockCache,
			Logger:      opts.Logger,
			Tracer:      opts.Tracer,
		})
		if err != nil {
			r.closeStores()
			return nil, err
		}
		r.stores[family] = st
		r.families = append(r.families, family)
	}
	sort.Strings(r.families)
	return r, nil
}

func (r *Region) recover(ctx context.Context) error {
	files, err := recovered.List(r.id, r.dir)
	if err != nil {
		return err
	}
	if err := recovered.RemoveTempFiles(r.dir); err != nil {
		return &core.IOFailure{Op: "cleanup", Path: recovered.Dir(r.dir), Err: err}
	}
	marker, err := recovered.MaxSeqIDMarker(r.dir)
	if err != nil {
		return err
	}

	replayer := &Replayer{
		Logger:          r.opts.Logger,
		Tracer:          r.tracer,
		Metrics:         r.metrics,
		ReplayFlushSize: r.opts.ReplayFlushSize,
		SeqIDMarker:     marker,
		Flush: func(ctx context.Context, flushSeq uint64) error {
			_, err := r.flushWithRetry(ctx, nil, flushSeq)
			return err
		},
	}
	res, err := replayer.Open(ctx, r.id, r.stores, files)
	if err != nil {
		return err
	}
	r.replay = res
	r.openSeq = res.OpenSeq
	r.mvcc.AdvanceTo(res.OpenSeq - 1)

	if res.Replayed > 0 {
		if _, err := r.flushWithRetry(ctx, nil, 0); err != nil {
			return fmt.Errorf("flush replayed edits: %w", err)
		}
	}
	for _, f := range files {
		if err := sys.Remove(f.Path); err != nil {
			return &core.IOFailure{Op: "remove", Path: f.Path, Err: err}
		}
	}
	if len(files) > 0 {
		if err := sys.SyncDir(recovered.Dir(r.dir)); err != nil {
			return &core.IOFailure{Op: "sync", Path: recovered.Dir(r.dir), Err: err}
		}
	}
	if err := recovered.WriteSeqIDMarker(r.dir, res.OpenSeq-1); err != nil {
		return err
	}

	payload := hooks.ReplayPayload{
		Partition:            r.id,
		Replayed:             res.Replayed,
		Skipped:              res.Skipped,
		SkippedUnknownFamily: res.SkippedUnknownFamily,
		OpenSeq:              res.OpenSeq,
	}
	if err := r.hooks.Trigger(ctx, hooks.NewPostReplayEvent(payload)); err != nil {
		r.logger.Warn("PostReplay hook failed.", "error", err)
	}
	r.logger.Info("Region opened.", "open_seq", res.OpenSeq, "replayed", res.Replayed, "skipped", res.Skipped, "recovered_files", len(files))
	return nil
}

// ID returns the partition id.
func (r *Region) ID() core.PartitionID { return r.id }

// Dir returns the partition directory.
func (r *Region) Dir() string { return r.dir }

// Families returns the column families in sorted order.
func (r *Region) Families() []string { return append([]string(nil), r.families...) }

// OpenSeq is the first sequence number handed out after the region opened.
func (r *Region) OpenSeq() uint64 { return r.openSeq }

// ReplayResult returns what the open-time replay did.
func (r *Region) ReplayResult() ReplayResult { return r.replay }

// MVCC exposes the sequence allocator.
func (r *Region) MVCC() *mvcc.MVCC { return r.mvcc }

// Store returns the store of a family.
func (r *Region) Store(family string) (*store.Store, bool) {
	st, ok := r.stores[family]
	return st, ok
}

// MaxFlushedSeq is the lowest MaxSequenceID over the stores: every edit at or
// below it is persisted in every family. A splitter can use it as its
// LastFlushedProvider.
func (r *Region) MaxFlushedSeq() uint64 {
	var lowest uint64
	for i, f := range r.families {
		seq := r.stores[f].MaxSequenceID()
		if i == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

// Compact merges the store files of a family into one.
func (r *Region) Compact(ctx context.Context, family string) (store.CompactionResult, error) {
	if r.closed.Load() {
		return store.CompactionResult{}, ErrClosed
	}
	st, ok := r.stores[family]
	if !ok {
		return store.CompactionResult{}, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	ctx, span := r.tracer.Start(ctx, "Region.Compact", trace.WithAttributes(attribute.String("family", family)))
	defer span.End()
	res, err := st.Compact(ctx)
	if err != nil {
		return res, err
	}
	if len(res.Inputs) > 0 {
		r.metrics.CompactionsTotal.Inc()
		payload := hooks.StoreFilePayload{Partition: r.id, Family: family, Path: res.Output, MaxSeq: res.MaxSeq, Inputs: res.Inputs}
		if err := r.hooks.Trigger(ctx, hooks.NewPostCompactionEvent(payload)); err != nil {
			r.logger.Warn("PostCompaction hook failed.", "error", err)
		}
	}
	return res, nil
}

// BulkLoad adds an externally built store file to a family. The file gets a
// fresh sequence number, which orders its cells against logged edits. The
// family is flushed first and writes wait until the file is in place: replay
// skips every edit at or below a store's highest sequence number.
func (r *Region) BulkLoad(ctx context.Context, family, path string) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	st, ok := r.stores[family]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}

	r.bulkLock.Lock()
	if _, err := r.Flush(ctx, family); err != nil {
		r.bulkLock.Unlock()
		return 0, fmt.Errorf("flush before bulk load: %w", err)
	}
	seq := r.mvcc.Next()
	final, err := st.BulkLoad(ctx, path, seq)
	r.bulkLock.Unlock()
	if err != nil {
		return 0, err
	}
	r.metrics.BulkLoadsTotal.Inc()
	payload := hooks.StoreFilePayload{Partition: r.id, Family: family, Path: final, MaxSeq: seq, Inputs: []string{path}}
	if err := r.hooks.Trigger(ctx, hooks.NewPostBulkLoadEvent(payload)); err != nil {
		r.logger.Warn("PostBulkLoad hook failed.", "error", err)
	}
	return seq, nil
}

// Close flushes every store and closes the region.
func (r *Region) Close(ctx context.Context) error {
	if r.closed.Load() {
		return nil
	}
	_, flushErr := r.Flush(ctx)
	r.closed.Store(true)
	r.setWritable()
	return multierr.Append(flushErr, r.closeStores())
}

// Abort closes the region without flushing. Unflushed edits stay in the log
// for recovery.
func (r *Region) Abort() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.setWritable()
	return r.closeStores()
}

func (r *Region) closeStores() error {
	var err error
	for _, st := range r.stores {
		err = multierr.Append(err, st.Close())
	}
	return err
}

// Stats is a point-in-time view of a region.
type Stats struct {
	Partition     core.PartitionID
	OpenSeq       uint64
	WritePoint    uint64
	ReadPoint     uint64
	MemstoreBytes int64
	StoreFiles    map[string]int
	Writable      bool
	Flushes       uint64
	FlushP50      time.Duration
	FlushP99      time.Duration
	Replay        ReplayResult
}

func (r *Region) Stats() Stats {
	s := Stats{
		Partition:  r.id,
		OpenSeq:    r.openSeq,
		WritePoint: r.mvcc.WritePoint(),
		ReadPoint:  r.mvcc.ReadPoint(),
		StoreFiles: make(map[string]int, len(r.stores)),
		Writable:   r.Writable() == nil,
		Replay:     r.replay,
	}
	for f, st := range r.stores {
		s.MemstoreBytes += st.MemstoreSize()
		s.StoreFiles[f] = len(st.Files())
	}
	r.statsMu.Lock()
	s.Flushes = r.flushCount
	if r.flushLatency.Count() > 0 {
		s.FlushP50 = time.Duration(r.flushLatency.Quantile(0.5))
		s.FlushP99 = time.Duration(r.flushLatency.Quantile(0.99))
	}
	r.statsMu.Unlock()
	return s
}

func (r *Region) recordFlushLatency(d time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.flushCount++
	if err := r.flushLatency.AddWeighted(float64(d), 1); err != nil {
		r.logger.Debug("Failed to record flush latency.", "error", err)
	}
}
