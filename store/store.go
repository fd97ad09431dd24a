// Package store implements a column family store: an active memtable, at most
// one snapshot awaiting flush and the store files already persisted.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusregion/cache"
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/iterator"
	"github.com/INLOpen/nexusregion/memtable"
	"github.com/INLOpen/nexusregion/storefile"
	"github.com/INLOpen/nexusregion/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// Options configures a Store.
type Options struct {
	// Dir is the family directory, <partition dir>/<family>.
	Dir         string
	Family      string
	Compressor  core.Compressor
	BlockSize   int
	BloomFPRate float64
	// BlockCache is shared by every store file reader of the store. Nil
	// disables block caching.
	BlockCache cache.Interface
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Store holds the data of one column family of a partition.
type Store struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	// snapshotMu guards the swap of the active memtable into the snapshot.
	snapshotMu  sync.RWMutex
	active      *memtable.Memtable
	snapshot    *memtable.Memtable
	snapshotSeq uint64

	// filesMu guards files. Readers hold it shared for as long as they
	// iterate; compaction takes it exclusively to retire its inputs.
	filesMu sync.RWMutex
	files   []*storefile.Reader

	compactMu  sync.Mutex
	nextFileID atomic.Uint64
}

// Open loads the store files of a family, creating its directory when
// needed. Leftover temporary files from an interrupted flush are removed.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("nexusregion/store")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &core.IOFailure{Op: "mkdir", Path: opts.Dir, Err: err}
	}
	s := &Store{
		opts:   opts,
		logger: opts.Logger.With("component", "Store", "family", opts.Family),
		tracer: opts.Tracer,
		active: memtable.New(),
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, &core.IOFailure{Op: "list", Path: opts.Dir, Err: err}
	}
	var maxID uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(opts.Dir, name)
		if strings.HasSuffix(name, storefile.TempExt) {
			s.logger.Info("Removing leftover temporary store file.", "path", path)
			if err := sys.Remove(path); err != nil {
				s.closeFiles()
				return nil, &core.IOFailure{Op: "remove", Path: path, Err: err}
			}
			continue
		}
		parsed, ok := storefile.ParseFileName(name)
		if !ok {
			continue
		}
		r, err := s.openFile(path)
		if err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("open store file for family %s: %w", opts.Family, err)
		}
		s.files = append(s.files, r)
		if parsed.ID > maxID {
			maxID = parsed.ID
		}
	}
	s.sortFilesLocked()
	s.nextFileID.Store(maxID)
	s.logger.Debug("Store opened.", "files", len(s.files), "max_seq", s.MaxSequenceID())
	return s, nil
}

// sortFilesLocked orders files newest first.
func (s *Store) sortFilesLocked() {
	sort.SliceStable(s.files, func(i, j int) bool { return s.files[i].MaxSeq() > s.files[j].MaxSeq() })
}

func (s *Store) Family() string { return s.opts.Family }

func (s *Store) Dir() string { return s.opts.Dir }

func (s *Store) newFileID() uint64 { return s.nextFileID.Add(1) }

func (s *Store) openFile(path string) (*storefile.Reader, error) {
	if s.opts.BlockCache == nil {
		return storefile.Open(path)
	}
	return storefile.Open(path, storefile.WithBlockCache(s.opts.BlockCache))
}

// MaxSequenceID is the highest sequence number persisted in the store files,
// bulk-loaded files included, or 0 when the store has none.
func (s *Store) MaxSequenceID() uint64 {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()
	var highest uint64
	for _, f := range s.files {
		if seq := f.MaxSeq(); seq > highest {
			highest = seq
		}
	}
	return highest
}

// Files returns the paths of the store files, newest first.
func (s *Store) Files() []string {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.Path()
	}
	return out
}

// Add buffers a KeyValue in the active memtable.
func (s *Store) Add(kv *core.KeyValue) {
	s.snapshotMu.RLock()
	s.active.Put(kv)
	s.snapshotMu.RUnlock()
}

// MemstoreSize is the size of the active memtable.
func (s *Store) MemstoreSize() int64 {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	return s.active.Size()
}

// HasSnapshot reports whether a snapshot is waiting to be persisted.
func (s *Store) HasSnapshot() bool {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	return s.snapshot != nil
}

// Get returns the visible cells of a row.
func (s *Store) Get(row []byte) ([]*core.KeyValue, error) {
	s.snapshotMu.RLock()
	kvs := s.active.RowCells(row)
	if s.snapshot != nil {
		kvs = append(kvs, s.snapshot.RowCells(row)...)
	}
	s.snapshotMu.RUnlock()

	s.filesMu.RLock()
	for _, f := range s.files {
		fromFile, err := f.RowCells(row)
		if err != nil {
			s.filesMu.RUnlock()
			return nil, err
		}
		kvs = append(kvs, fromFile...)
	}
	s.filesMu.RUnlock()

	sort.SliceStable(kvs, func(i, j int) bool { return core.CompareKeyValues(kvs[i], kvs[j]) < 0 })
	return iterator.ResolveRow(kvs), nil
}

// NewIterator merges every version held by the store in sorted order.
// The iterator holds a read lock on the file list for its lifetime.
// The caller MUST call Close() on the iterator to release the lock.
func (s *Store) NewIterator() iterator.Interface {
	var sources []iterator.Interface
	s.snapshotMu.RLock()
	sources = append(sources, iterator.NewSliceIterator(collect(s.active)))
	if s.snapshot != nil {
		sources = append(sources, iterator.NewSliceIterator(collect(s.snapshot)))
	}
	s.snapshotMu.RUnlock()

	s.filesMu.RLock()
	for _, f := range s.files {
		sources = append(sources, f.NewIterator())
	}
	return &lockedIterator{
		Interface: iterator.NewMergingIterator(iterator.MergingIteratorParams{Iters: sources}),
		unlock:    s.filesMu.RUnlock,
	}
}

func collect(m *memtable.Memtable) []*core.KeyValue {
	out := make([]*core.KeyValue, 0, m.Len())
	m.Range(func(kv *core.KeyValue) bool {
		out = append(out, kv)
		return true
	})
	return out
}

type lockedIterator struct {
	iterator.Interface
	unlock func()
	once   sync.Once
}

func (it *lockedIterator) Close() error {
	err := it.Interface.Close()
	it.once.Do(it.unlock)
	return err
}

func (s *Store) closeFiles() error {
	var err error
	for _, f := range s.files {
		err = multierr.Append(err, f.Close())
	}
	s.files = nil
	return err
}

// Close releases the store files. Buffered data that was not flushed is lost.
func (s *Store) Close() error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	return s.closeFiles()
}

func (s *Store) newWriter(fileName string) (*storefile.Writer, error) {
	id := s.newFileID()
	return storefile.NewWriter(storefile.WriterOptions{
		Dir:         s.opts.Dir,
		ID:          id,
		FileName:    fileName,
		Compressor:  s.opts.Compressor,
		BlockSize:   s.opts.BlockSize,
		BloomFPRate: s.opts.BloomFPRate,
		Logger:      s.opts.Logger,
		Tracer:      s.tracer,
	})
}

func (s *Store) addFile(r *storefile.Reader) {
	s.filesMu.Lock()
	s.files = append(s.files, r)
	s.sortFilesLocked()
	s.filesMu.Unlock()
}

// ctxErr lets long file writes stop early.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
