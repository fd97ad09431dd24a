// Package splitter turns the log segments of a crashed process into
// per-partition recovered-edits files.
package splitter

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
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/metrics"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/sys"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrLogOwned is returned by SplitDir while the log's owner still holds it.
var ErrLogOwned = errors.New("log directory is still owned by a live process")

// ArchiveDirName receives split segments when archiving is enabled.
const ArchiveDirName = "oldWALs"

// LastFlushedProvider reports, per partition, the highest sequence number
// known to be durable in store files. Edits at or below it need no replay.
type LastFlushedProvider interface {
	LastFlushedSeq(partition core.PartitionID) uint64
}

// LastFlushedFunc adapts a function to LastFlushedProvider.
type LastFlushedFunc func(partition core.PartitionID) uint64

func (f LastFlushedFunc) LastFlushedSeq(p core.PartitionID) uint64 { return f(p) }

type nothingFlushed struct{}

func (nothingFlushed) LastFlushedSeq(core.PartitionID) uint64 { return 0 }

// Options configures a Splitter.
type Options struct {
	// RootDir holds one directory per partition.
	RootDir           string
	LastFlushed       LastFlushedProvider
	WriterConcurrency int
	// MinFreeDiskBytes refuses to split when RootDir has less space free.
	MinFreeDiskBytes uint64
	// ArchiveSegments moves split segments into <walDir>/oldWALs in SplitDir.
	ArchiveSegments bool
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	HookManager     hooks.HookManager
	Tracer          trace.Tracer
}

// Splitter is safe to reuse but not to run concurrently on the same segments.
type Splitter struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

func New(opts Options) *Splitter {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LastFlushed == nil {
		opts.LastFlushed = nothingFlushed{}
	}
	if opts.WriterConcurrency <= 0 {
		opts.WriterConcurrency = 4
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopManager
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("nexusregion/splitter")
	}
	return &Splitter{
		opts:   opts,
		logger: opts.Logger.With("component", "Splitter"),
		tracer: opts.Tracer,
	}
}

// partitionSink collects the edits of one partition while segments are read.
type partitionSink struct {
	edits      []*core.Edit
	seen       *roaring64.Bitmap
	duplicates int
}

// Split reads every segment once, in the given order, and writes one
// recovered-edits file per partition that has edits left to replay.
func (s *Splitter) Split(ctx context.Context, segments []string) (map[core.PartitionID]recovered.File, error) {
	ctx, span := s.tracer.Start(ctx, "Splitter.Split", trace.WithAttributes(attribute.Int("segments", len(segments))))
	defer span.End()
	start := time.Now()

	fail := func(err error) (map[core.PartitionID]recovered.File, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := sys.EnsureFreeSpace(s.opts.RootDir, s.opts.MinFreeDiskBytes); err != nil {
		return fail(&core.IOFailure{Op: "split", Path: s.opts.RootDir, Err: err})
	}

	sinks := make(map[core.PartitionID]*partitionSink)
	brackets := newBracketTracker()
	for _, seg := range segments {
		stats, err := wal.ReadFile(seg, core.WALMagicNumber, func(rec *wal.Record, _ int64) error {
			switch rec.Type {
			case wal.RecordEdit:
				sink := sinks[rec.Partition]
				if sink == nil {
					sink = &partitionSink{seen: roaring64.New()}
					sinks[rec.Partition] = sink
				}
				// A roll after an I/O error can leave a record in two segments.
				if !sink.seen.CheckedAdd(rec.Seq) {
					sink.duplicates++
					return nil
				}
				sink.edits = append(sink.edits, rec.Edit())
			default:
				brackets.observe(rec)
			}
			return nil
		})
		if err != nil {
			var cle *core.CorruptLogError
			if errors.As(err, &cle) {
				s.logger.Error("Corrupt WAL segment; manual intervention required.", "segment", seg, "offset", cle.Offset, "error", cle.Err)
				return fail(err)
			}
			return fail(&core.IOFailure{Op: "read", Path: seg, Err: err})
		}
		if stats.TruncatedTail {
			s.logger.Warn("WAL segment ends in a torn record; treating it as the end of the segment.", "segment", seg, "valid_bytes", stats.ValidBytes, "records", stats.Records)
		}
	}

	type job struct {
		partition core.PartitionID
		edits     []*core.Edit
	}
	var jobs []job
	skipped := 0
	for p, sink := range sinks {
		if err := p.Validate(); err != nil {
			return fail(&core.CorruptLogError{Path: segments[len(segments)-1], Err: fmt.Errorf("edit for invalid partition: %w", err)})
		}
		sort.SliceStable(sink.edits, func(i, j int) bool { return sink.edits[i].Seq < sink.edits[j].Seq })

		threshold := brackets.skipThreshold(p, s.opts.LastFlushed.LastFlushedSeq(p))
		kept := sink.edits[:0]
		for _, e := range sink.edits {
			if e.Seq <= threshold {
				continue
			}
			kept = append(kept, e)
		}
		skipped += len(sink.edits) - len(kept) + sink.duplicates
		if len(kept) == 0 {
			s.logger.Debug("No edits left to replay for partition.", "partition", p, "threshold", threshold)
			continue
		}
		jobs = append(jobs, job{partition: p, edits: kept})
	}
	// Deterministic write order keeps logs and errors reproducible.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].partition < jobs[j].partition })

	out := make(map[core.PartitionID]recovered.File, len(jobs))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.WriterConcurrency)
	written := 0
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			partDir := filepath.Join(s.opts.RootDir, string(j.partition))
			if err := recovered.RemoveTempFiles(partDir); err != nil && !os.IsNotExist(err) {
				return &core.IOFailure{Op: "cleanup", Path: partDir, Err: err}
			}
			f, err := recovered.Write(j.partition, partDir, j.edits)
			if err != nil {
				return err
			}
			mu.Lock()
			out[j.partition] = f
			written += f.Edits
			mu.Unlock()
			s.logger.Info("Wrote recovered edits.", "partition", j.partition, "path", f.Path, "edits", f.Edits, "max_seq", f.MaxSeq)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	s.opts.Metrics.SplitEditsWritten.Add(float64(written))
	s.opts.Metrics.SplitEditsSkipped.Add(float64(skipped))
	s.opts.Metrics.SplitFilesWritten.Add(float64(len(out)))
	s.opts.Metrics.SplitDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("partitions", len(out)), attribute.Int("edits_written", written), attribute.Int("edits_skipped", skipped))

	payload := hooks.SplitPayload{Segments: segments, Partitions: len(out), EditsWritten: written, EditsSkipped: skipped}
	if err := s.opts.HookManager.Trigger(ctx, hooks.NewPostSplitEvent(payload)); err != nil {
		s.logger.Warn("PostSplit hook failed.", "error", err)
	}
	s.logger.Info("Split finished.", "segments", len(segments), "partitions", len(out), "edits_written", written, "edits_skipped", skipped, "duration", time.Since(start))
	return out, nil
}

// SplitDir splits every segment of a log directory whose owner is gone.
func (s *Splitter) SplitDir(ctx context.Context, walDir string) (map[core.PartitionID]recovered.File, error) {
	release, err := sys.AcquireOSFileLock(filepath.Join(walDir, wal.LockFileName), 0)
	if err != nil {
		if errors.Is(err, sys.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", walDir, ErrLogOwned)
		}
		return nil, &core.IOFailure{Op: "lock", Path: walDir, Err: err}
	}
	defer release()

	segments, err := wal.ListSegments(walDir)
	if err != nil {
		return nil, &core.IOFailure{Op: "list", Path: walDir, Err: err}
	}
	out, err := s.Split(ctx, segments)
	if err != nil {
		return nil, err
	}
	if s.opts.ArchiveSegments {
		if err := archive(walDir, segments); err != nil {
			return out, &core.IOFailure{Op: "archive", Path: walDir, Err: err}
		}
	}
	return out, nil
}

func archive(walDir string, segments []string) error {
	dst := filepath.Join(walDir, ArchiveDirName)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, seg := range segments {
		if err := sys.Rename(seg, filepath.Join(dst, filepath.Base(seg))); err != nil {
			return err
		}
	}
	return sys.SyncDir(walDir)
}
