package store

import (
	"context"
	"path/filepath"

	"github.com/INLOpen/nexusregion/iterator"
	"github.com/INLOpen/nexusregion/storefile"
	"github.com/INLOpen/nexusregion/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
)

// CompactionResult describes a finished compaction.
type CompactionResult struct {
	Inputs []string
	Output string
	MaxSeq uint64
}

// Compact merges every store file into one. The output's MaxSeq is the
// highest MaxSeq of the inputs, bulk-loaded files included. Inputs are
// removed only after the output is durable. With fewer than two files there
// is nothing to do and the zero result is returned.
func (s *Store) Compact(ctx context.Context) (CompactionResult, error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "Store.Compact")
	defer span.End()

	s.filesMu.RLock()
	inputs := append([]*storefile.Reader(nil), s.files...)
	s.filesMu.RUnlock()
	if len(inputs) < 2 {
		return CompactionResult{}, nil
	}

	res, out, err := s.writeCompacted(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CompactionResult{}, err
	}

	retired := make(map[*storefile.Reader]bool, len(inputs))
	for _, in := range inputs {
		retired[in] = true
	}
	s.filesMu.Lock()
	kept := s.files[:0]
	for _, f := range s.files {
		if !retired[f] {
			kept = append(kept, f)
		}
	}
	s.files = append(kept, out)
	s.sortFilesLocked()
	s.filesMu.Unlock()

	var cleanupErr error
	for _, in := range inputs {
		cleanupErr = multierr.Append(cleanupErr, in.Close())
		cleanupErr = multierr.Append(cleanupErr, sys.Remove(in.Path()))
	}
	cleanupErr = multierr.Append(cleanupErr, sys.SyncDir(s.opts.Dir))
	if cleanupErr != nil {
		// The output already holds everything; stale inputs only cost space.
		s.logger.Warn("Failed to remove compacted inputs.", "error", cleanupErr)
	}

	span.SetAttributes(attribute.Int("inputs", len(inputs)), attribute.Int64("max_seq", int64(res.MaxSeq)))
	s.logger.Info("Compaction finished.", "inputs", len(inputs), "output", filepath.Base(res.Output), "max_seq", res.MaxSeq)
	return res, nil
}

func (s *Store) writeCompacted(ctx context.Context, inputs []*storefile.Reader) (CompactionResult, *storefile.Reader, error) {
	res := CompactionResult{}
	sources := make([]iterator.Interface, 0, len(inputs))
	for _, in := range inputs {
		res.Inputs = append(res.Inputs, in.Path())
		if seq := in.MaxSeq(); seq > res.MaxSeq {
			res.MaxSeq = seq
		}
		sources = append(sources, in.NewIterator())
	}
	merged := iterator.NewMergingIterator(iterator.MergingIteratorParams{Iters: sources, DropDuplicates: true})
	defer merged.Close()

	w, err := s.newWriter("")
	if err != nil {
		return res, nil, err
	}
	for merged.Next() {
		if err := w.Add(merged.At()); err != nil {
			w.Abort()
			return res, nil, err
		}
		if w.Entries()%4096 == 0 {
			if err := ctxErr(ctx); err != nil {
				w.Abort()
				return res, nil, err
			}
		}
	}
	if err := merged.Error(); err != nil {
		w.Abort()
		return res, nil, err
	}
	path, _, err := w.Finish(storefile.Meta{MaxSeq: res.MaxSeq})
	if err != nil {
		return res, nil, err
	}
	out, err := s.openFile(path)
	if err != nil {
		return res, nil, err
	}
	res.Output = path
	return res, out, nil
}
