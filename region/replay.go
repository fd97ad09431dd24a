package region

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/metrics"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/store"
	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReplayResult describes an open-time replay.
type ReplayResult struct {
	// Replayed counts edits with at least one cell applied.
	Replayed int
	// Skipped counts edits whose every cell was already persisted.
	Skipped int
	// SkippedUnknownFamily counts cells of families outside the schema.
	SkippedUnknownFamily int
	// Duplicates counts edits seen in more than one recovered-edits file.
	Duplicates     int
	GlobalMaxSeq   uint64
	MaxReplayedSeq uint64
	OpenSeq        uint64
	Flushes        int
	Duration       time.Duration
}

// Replayer applies recovered edits to the stores of a partition that is
// being opened.
type Replayer struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Metrics
	// ReplayFlushSize triggers Flush when a store's memtable reaches it.
	ReplayFlushSize int64
	// SeqIDMarker is the highest sequence-id marker of the partition.
	SeqIDMarker uint64
	// Flush persists every store at flushSeq. Nil disables replay flushes.
	Flush func(ctx context.Context, flushSeq uint64) error
}

// Open replays files into stores and returns the partition's open sequence
// number. A cell is applied only when its sequence number is above the
// highest sequence number persisted by its own store. Nothing is written to
// the log. Errors are returned as *core.RecoveryFailure.
func (p *Replayer) Open(ctx context.Context, partition core.PartitionID, stores map[string]*store.Store, files []recovered.File) (ReplayResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "Replayer", "partition", string(partition))
	tracer := p.Tracer
	if tracer == nil {
		tracer = otel.Tracer("nexusregion/region")
	}
	m := p.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	ctx, span := tracer.Start(ctx, "Replayer.Open", trace.WithAttributes(
		attribute.String("partition", string(partition)),
		attribute.Int("files", len(files)),
	))
	defer span.End()
	start := time.Now()

	var res ReplayResult
	watermark := make(map[string]uint64, len(stores))
	lowest := uint64(math.MaxUint64)
	for family, st := range stores {
		seq := st.MaxSequenceID()
		watermark[family] = seq
		res.GlobalMaxSeq = max(res.GlobalMaxSeq, seq)
		lowest = min(lowest, seq)
	}
	if len(files) > 0 && len(stores) > 1 && lowest != res.GlobalMaxSeq {
		// Each store is compared against its own watermark only.
		logger.Info("Store watermarks differ.", "watermarks", watermark, "spread", res.GlobalMaxSeq-lowest)
		span.AddEvent("watermarks_differ", trace.WithAttributes(attribute.Int64("spread", int64(res.GlobalMaxSeq-lowest))))
	}

	fail := func(err error) (ReplayResult, error) {
		err = recoveryFailure(partition, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReplayResult{}, err
	}

	streams := make(editHeap, 0, len(files))
	for _, f := range files {
		var edits []*core.Edit
		if _, err := recovered.Read(f.Path, func(e *core.Edit) error {
			edits = append(edits, e)
			return nil
		}); err != nil {
			return fail(err)
		}
		if len(edits) > 0 {
			streams = append(streams, &editStream{path: f.Path, edits: edits})
		}
	}
	heap.Init(&streams)

	applied := roaring64.New()
	var lastSeq uint64
	for streams.Len() > 0 {
		s := streams[0]
		e := s.edits[s.pos]
		s.pos++
		if s.pos < len(s.edits) {
			heap.Fix(&streams, 0)
		} else {
			heap.Pop(&streams)
		}

		if !applied.CheckedAdd(e.Seq) {
			res.Duplicates++
			continue
		}
		appliedCell := false
		for i := range e.Cells {
			c := &e.Cells[i]
			st, ok := stores[c.Family]
			if !ok {
				res.SkippedUnknownFamily++
				continue
			}
			if e.Seq <= watermark[c.Family] {
				continue
			}
			st.Add(core.NewKeyValue(c, e.Seq))
			appliedCell = true
		}
		if !appliedCell {
			res.Skipped++
			continue
		}
		res.Replayed++
		lastSeq = e.Seq
		if e.Seq > res.MaxReplayedSeq {
			res.MaxReplayedSeq = e.Seq
		}

		if p.Flush != nil && p.ReplayFlushSize > 0 && p.needsFlush(stores) {
			logger.Debug("Memtable reached the replay flush size; flushing.", "flush_seq", lastSeq)
			if err := p.Flush(ctx, lastSeq); err != nil {
				return fail(err)
			}
			res.Flushes++
		}
	}

	res.OpenSeq = max(res.GlobalMaxSeq, res.MaxReplayedSeq, p.SeqIDMarker) + 1
	res.Duration = time.Since(start)

	m.ReplayEditsApplied.WithLabelValues(string(partition)).Add(float64(res.Replayed))
	m.ReplayEditsSkipped.WithLabelValues(string(partition), "persisted").Add(float64(res.Skipped))
	m.ReplayEditsSkipped.WithLabelValues(string(partition), "unknown_family").Add(float64(res.SkippedUnknownFamily))
	m.ReplayEditsSkipped.WithLabelValues(string(partition), "duplicate").Add(float64(res.Duplicates))
	m.ReplayDuration.Observe(res.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("replayed", res.Replayed),
		attribute.Int("skipped", res.Skipped),
		attribute.Int64("open_seq", int64(res.OpenSeq)),
	)
	if len(files) > 0 {
		logger.Info("Replay finished.", "files", len(files), "replayed", res.Replayed, "skipped", res.Skipped,
			"skipped_unknown_family", res.SkippedUnknownFamily, "duplicates", res.Duplicates, "open_seq", res.OpenSeq, "duration", res.Duration)
	}
	return res, nil
}

func (p *Replayer) needsFlush(stores map[string]*store.Store) bool {
	for _, st := range stores {
		if st.MemstoreSize() >= p.ReplayFlushSize {
			return true
		}
	}
	return false
}

// editStream is one recovered-edits file being merged.
type editStream struct {
	path  string
	edits []*core.Edit
	pos   int
}

// editHeap orders streams by the sequence number of their next edit.
type editHeap []*editStream

func (h editHeap) Len() int { return len(h) }
func (h editHeap) Less(i, j int) bool {
	return h[i].edits[h[i].pos].Seq < h[j].edits[h[j].pos].Seq
}
func (h editHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *editHeap) Push(x interface{}) { *h = append(*h, x.(*editStream)) }

func (h *editHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
