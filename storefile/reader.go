package storefile

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusregion/cache"
	"github.com/INLOpen/nexusregion/compressors"
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/sys"
)

// Reader gives read access to a finished store file. Its index, bloom filter
// and metadata are held in memory; data blocks are read on demand.
type Reader struct {
	mu     sync.RWMutex
	path   string
	name   ParsedName
	file   sys.FileHandle
	size   int64
	index  []indexEntry
	bloom  *BloomFilter
	meta   Meta
	closed bool

	blockCache cache.Interface
	// cacheID keys this reader's blocks in blockCache. File names can be
	// reused after compaction, so the path is not enough.
	cacheID string
}

var nextCacheID atomic.Uint64

// OpenOption configures a Reader.
type OpenOption func(*Reader)

// WithBlockCache keeps decoded data blocks in c.
func WithBlockCache(c cache.Interface) OpenOption {
	return func(r *Reader) { r.blockCache = c }
}

// Open validates the footer of a store file and loads its index, bloom filter
// and metadata.
func Open(path string, opts ...OpenOption) (*Reader, error) {
	name, ok := ParseFileName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("%w: unexpected file name %q", ErrCorrupted, filepath.Base(path))
	}
	return openFile(path, name, opts)
}

// OpenExternal opens a store file regardless of its name, as bulk loading
// does before the file is copied into a store.
func OpenExternal(path string) (*Reader, error) {
	return openFile(path, ParsedName{}, nil)
}

func openFile(path string, name ParsedName, opts []OpenOption) (*Reader, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, &core.IOFailure{Op: "open", Path: path, Err: err}
	}
	r := &Reader{path: path, name: name, file: f}
	for _, opt := range opts {
		opt(r)
	}
	if r.blockCache != nil {
		r.cacheID = strconv.FormatUint(nextCacheID.Add(1), 10) + "/"
	}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	info, err := r.file.Stat()
	if err != nil {
		return &core.IOFailure{Op: "stat", Path: r.path, Err: err}
	}
	r.size = info.Size()
	if r.size < core.FileHeaderSize+footerSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrCorrupted, r.path, r.size)
	}
	if _, err := core.ReadFileHeader(io.NewSectionReader(r.file, 0, core.FileHeaderSize), core.StoreFileMagicNumber); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, r.path, err)
	}

	fb := make([]byte, footerSize)
	if _, err := r.file.ReadAt(fb, r.size-footerSize); err != nil {
		return &core.IOFailure{Op: "read", Path: r.path, Err: err}
	}
	ft, err := decodeFooter(fb)
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	crc := crc32.NewIEEE()
	var parts [3][]byte
	for i, h := range []blockHandle{ft.index, ft.bloom, ft.meta} {
		if h.offset+uint64(h.length) > uint64(r.size-footerSize) {
			return fmt.Errorf("%w: %s: block handle out of range", ErrCorrupted, r.path)
		}
		parts[i] = make([]byte, h.length)
		if _, err := r.file.ReadAt(parts[i], int64(h.offset)); err != nil {
			return &core.IOFailure{Op: "read", Path: r.path, Err: err}
		}
		crc.Write(parts[i])
	}
	if crc.Sum32() != ft.checksum {
		return fmt.Errorf("%w: %s: trailer checksum mismatch", ErrCorrupted, r.path)
	}
	if r.index, err = unmarshalIndex(parts[0]); err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	if r.bloom, err = DeserializeBloomFilter(parts[1]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, r.path, err)
	}
	if r.meta, err = unmarshalMeta(parts[2]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, r.path, err)
	}
	return nil
}

func (r *Reader) Path() string { return r.path }

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// Meta returns the metadata block as written.
func (r *Reader) Meta() Meta { return r.meta }

// IsBulkLoaded reports whether the file carries a bulk-load sequence number
// in its name.
func (r *Reader) IsBulkLoaded() bool { return r.name.Bulk }

// MaxSeq is the sequence number the file counts for. A bulk-loaded file
// counts for the sequence number in its name.
func (r *Reader) MaxSeq() uint64 {
	if r.name.Bulk && r.name.BulkSeq > r.meta.MaxSeq {
		return r.name.BulkSeq
	}
	return r.meta.MaxSeq
}

// MayContainRow checks the bloom filter and the row range.
func (r *Reader) MayContainRow(row []byte) bool {
	if r.meta.Entries == 0 {
		return false
	}
	if bytes.Compare(row, r.meta.FirstRow) < 0 || bytes.Compare(row, r.meta.LastRow) > 0 {
		return false
	}
	return r.bloom.Contains(row)
}

func (r *Reader) readBlock(i int) ([]*core.KeyValue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	var key string
	if r.blockCache != nil {
		key = r.cacheID + strconv.Itoa(i)
		if v, ok := r.blockCache.Get(key); ok {
			return v.([]*core.KeyValue), nil
		}
	}
	h := r.index[i].handle
	framed := make([]byte, h.length)
	if _, err := r.file.ReadAt(framed, int64(h.offset)); err != nil {
		return nil, &core.IOFailure{Op: "read", Path: r.path, Err: err}
	}
	raw, err := unframeBlock(decompress, framed)
	if err != nil {
		return nil, fmt.Errorf("%s: block %d: %w", r.path, i, err)
	}
	kvs, err := decodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: block %d: %w", r.path, i, err)
	}
	if r.name.Bulk {
		for _, kv := range kvs {
			kv.Seq = r.name.BulkSeq
		}
	}
	if r.blockCache != nil {
		r.blockCache.Put(key, kvs)
	}
	return kvs, nil
}

func decompress(t core.CompressionType, data []byte) ([]byte, error) {
	c, err := compressors.Get(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return c.Decompress(data)
}

// RowCells returns every KeyValue of a row.
func (r *Reader) RowCells(row []byte) ([]*core.KeyValue, error) {
	if !r.MayContainRow(row) {
		return nil, nil
	}
	// The row lives in the last block whose first row is not after it.
	i := sort.Search(len(r.index), func(i int) bool { return bytes.Compare(r.index[i].firstRow, row) > 0 }) - 1
	if i < 0 {
		return nil, nil
	}
	kvs, err := r.readBlock(i)
	if err != nil {
		return nil, err
	}
	var out []*core.KeyValue
	for _, kv := range kvs {
		if c := bytes.Compare(kv.Row, row); c == 0 {
			out = append(out, kv)
		} else if c > 0 {
			break
		}
	}
	return out, nil
}

// NewIterator streams every KeyValue of the file in order.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, block: -1}
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Iterator walks a store file block by block.
type Iterator struct {
	r     *Reader
	block int
	kvs   []*core.KeyValue
	pos   int
	cur   *core.KeyValue
	err   error
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos+1 >= len(it.kvs) {
		if it.block+1 >= len(it.r.index) {
			it.cur = nil
			return false
		}
		it.block++
		kvs, err := it.r.readBlock(it.block)
		if err != nil {
			it.err = err
			it.cur = nil
			return false
		}
		it.kvs, it.pos = kvs, -1
	}
	it.pos++
	it.cur = it.kvs[it.pos]
	return true
}

func (it *Iterator) At() *core.KeyValue { return it.cur }

func (it *Iterator) Error() error {
	if errors.Is(it.err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return it.err
}

// Close releases the iterator. The Reader stays open.
func (it *Iterator) Close() error {
	it.kvs = nil
	return nil
}
