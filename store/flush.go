package store

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusregion/memtable"
	"github.com/INLOpen/nexusregion/storefile"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is a frozen memtable waiting to be persisted. FlushSeq is the
// sequence number the resulting store file is tagged with.
type Snapshot struct {
	Family   string
	FlushSeq uint64
	mem      *memtable.Memtable
}

func (s *Snapshot) Len() int       { return s.mem.Len() }
func (s *Snapshot) Size() int64    { return s.mem.Size() }
func (s *Snapshot) MaxSeq() uint64 { return s.mem.MaxSeq() }

// Snapshot freezes the active memtable for a flush tagged flushSeq and starts
// a new one. A snapshot kept from a failed flush is returned again with its
// original tag and the active memtable is left alone. Nil means there is
// nothing to flush.
func (s *Store) Snapshot(flushSeq uint64) *Snapshot {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	if s.snapshot != nil {
		return &Snapshot{Family: s.opts.Family, FlushSeq: s.snapshotSeq, mem: s.snapshot}
	}
	if s.active.IsEmpty() {
		return nil
	}
	s.snapshot = s.active
	s.snapshotSeq = flushSeq
	s.active = memtable.New()
	return &Snapshot{Family: s.opts.Family, FlushSeq: flushSeq, mem: s.snapshot}
}

// FlushSnapshot writes a snapshot to a new store file and returns it opened.
// The file is not visible to readers until Commit.
func (s *Store) FlushSnapshot(ctx context.Context, snap *Snapshot) (*storefile.Reader, error) {
	ctx, span := s.tracer.Start(ctx, "Store.FlushSnapshot", trace.WithAttributes(
		attribute.String("family", s.opts.Family),
		attribute.Int64("flush_seq", int64(snap.FlushSeq)),
		attribute.Int("entries", snap.Len()),
	))
	defer span.End()

	r, err := s.flushSnapshot(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return r, nil
}

func (s *Store) flushSnapshot(ctx context.Context, snap *Snapshot) (*storefile.Reader, error) {
	w, err := s.newWriter("")
	if err != nil {
		return nil, err
	}
	it := snap.mem.NewIterator()
	for it.Next() {
		if err := w.Add(it.At()); err != nil {
			it.Close()
			w.Abort()
			return nil, err
		}
		if w.Entries()%4096 == 0 {
			if err := ctxErr(ctx); err != nil {
				it.Close()
				w.Abort()
				return nil, err
			}
		}
	}
	it.Close()

	path, meta, err := w.Finish(storefile.Meta{MaxSeq: snap.FlushSeq})
	if err != nil {
		return nil, err
	}
	r, err := s.openFile(path)
	if err != nil {
		return nil, fmt.Errorf("reopen flushed store file: %w", err)
	}
	s.logger.Info("Flushed snapshot.", "path", path, "entries", meta.Entries, "flush_seq", snap.FlushSeq)
	return r, nil
}

// Commit publishes a flushed file and drops the snapshot it came from.
func (s *Store) Commit(snap *Snapshot, r *storefile.Reader) {
	s.addFile(r)
	s.snapshotMu.Lock()
	if s.snapshot == snap.mem {
		s.snapshot = nil
		s.snapshotSeq = 0
	}
	s.snapshotMu.Unlock()
}
