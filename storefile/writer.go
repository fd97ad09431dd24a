package storefile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusregion/compressors"
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	Dir string
	ID  uint64
	// FileName overrides the final name, which defaults to FileName(ID).
	FileName    string
	Compressor  core.Compressor
	BlockSize   int
	BloomFPRate float64
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Writer builds a store file from KeyValues added in sorted order. The data
// goes to <id>.tmp and only appears under its final name after Finish.
type Writer struct {
	opts      WriterOptions
	tmpPath   string
	finalPath string
	file      sys.FileHandle
	buf       *bufio.Writer
	offset    uint64

	block         []byte
	blockFirstRow []byte
	index         []indexEntry
	rowHashes     []uint64

	last     *core.KeyValue
	firstRow []byte
	entries  uint64
	minSeq   uint64
	maxSeq   uint64
	logger   *slog.Logger
	tracer   trace.Tracer
	done     bool
}

func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Compressor == nil {
		c, err := compressors.Get(core.CompressionSnappy)
		if err != nil {
			return nil, err
		}
		opts.Compressor = c
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("nexusregion/storefile")
	}
	name := opts.FileName
	if name == "" {
		name = FileName(opts.ID)
	}

	tmpPath := filepath.Join(opts.Dir, fmt.Sprintf("%d%s", opts.ID, TempExt))
	file, err := sys.Create(tmpPath)
	if err != nil {
		return nil, &core.IOFailure{Op: "create", Path: tmpPath, Err: err}
	}
	w := &Writer{
		opts:      opts,
		tmpPath:   tmpPath,
		finalPath: filepath.Join(opts.Dir, name),
		file:      file,
		buf:       bufio.NewWriterSize(file, 64*1024),
		logger:    opts.Logger.With("component", "StoreFileWriter", "file", name),
		tracer:    opts.Tracer,
	}
	header := core.NewFileHeader(core.StoreFileMagicNumber)
	if _, err := header.WriteTo(w.buf); err != nil {
		w.Abort()
		return nil, &core.IOFailure{Op: "write", Path: tmpPath, Err: err}
	}
	w.offset = core.FileHeaderSize
	return w, nil
}

// Add appends a KeyValue. Each call must sort after the previous one.
func (w *Writer) Add(kv *core.KeyValue) error {
	if w.done {
		return ErrClosed
	}
	if w.last != nil && core.CompareKeyValues(w.last, kv) >= 0 {
		return fmt.Errorf("%w: row %q after row %q", ErrOutOfOrder, kv.Row, w.last.Row)
	}
	if w.last == nil || !bytes.Equal(w.last.Row, kv.Row) {
		w.rowHashes = append(w.rowHashes, rowHash(kv.Row))
		// Blocks are only cut between rows, so a row lives in exactly one block.
		if len(w.block) >= w.opts.BlockSize {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	if len(w.block) == 0 {
		w.blockFirstRow = append([]byte(nil), kv.Row...)
	}
	if w.entries == 0 {
		w.firstRow = append([]byte(nil), kv.Row...)
		w.minSeq = kv.Seq
	}
	w.block = appendEntry(w.block, kv)
	w.entries++
	if kv.Seq > w.maxSeq {
		w.maxSeq = kv.Seq
	}
	if kv.Seq < w.minSeq {
		w.minSeq = kv.Seq
	}
	w.last = kv
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	framed, err := frameBlock(w.opts.Compressor, w.block)
	if err != nil {
		return err
	}
	h, err := w.writeRaw(framed)
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{firstRow: w.blockFirstRow, handle: h})
	w.block = w.block[:0]
	w.blockFirstRow = nil
	return nil
}

func (w *Writer) writeRaw(b []byte) (blockHandle, error) {
	h := blockHandle{offset: w.offset, length: uint32(len(b))}
	if _, err := w.buf.Write(b); err != nil {
		return h, &core.IOFailure{Op: "write", Path: w.tmpPath, Err: err}
	}
	w.offset += uint64(len(b))
	return h, nil
}

// Entries returns the number of KeyValues added so far.
func (w *Writer) Entries() uint64 { return w.entries }

// Finish writes the trailing blocks, fsyncs the file and renames it to its
// final name. The caller supplies MaxSeq and BulkLoad; MaxSeq is raised to the
// highest sequence number added when lower.
func (w *Writer) Finish(meta Meta) (string, Meta, error) {
	_, span := w.tracer.Start(context.Background(), "StoreFileWriter.Finish")
	defer span.End()

	if w.done {
		return "", Meta{}, ErrClosed
	}
	if err := w.flushBlock(); err != nil {
		w.Abort()
		return "", Meta{}, err
	}

	bf, err := NewBloomFilter(uint64(len(w.rowHashes)), w.opts.BloomFPRate)
	if err != nil {
		w.Abort()
		return "", Meta{}, err
	}
	for _, h := range w.rowHashes {
		bf.addHash(h)
	}

	if meta.MaxSeq < w.maxSeq {
		meta.MaxSeq = w.maxSeq
	}
	meta.MinSeq = w.minSeq
	meta.Entries = w.entries
	meta.FirstRow = w.firstRow
	if w.last != nil {
		meta.LastRow = append([]byte(nil), w.last.Row...)
	}
	meta.CreatedAt = time.Now().UnixNano()
	meta.Compression = w.opts.Compressor.Type()

	indexBytes := marshalIndex(w.index)
	bloomBytes := bf.Bytes()
	metaBytes := marshalMeta(&meta)
	crc := crc32.NewIEEE()
	var f footer
	for _, part := range []struct {
		b []byte
		h *blockHandle
	}{{indexBytes, &f.index}, {bloomBytes, &f.bloom}, {metaBytes, &f.meta}} {
		h, err := w.writeRaw(part.b)
		if err != nil {
			w.Abort()
			return "", Meta{}, err
		}
		*part.h = h
		crc.Write(part.b)
	}
	f.checksum = crc.Sum32()
	if _, err := w.writeRaw(f.encode()); err != nil {
		w.Abort()
		return "", Meta{}, err
	}

	if err := w.buf.Flush(); err != nil {
		w.Abort()
		return "", Meta{}, &core.IOFailure{Op: "write", Path: w.tmpPath, Err: err}
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return "", Meta{}, &core.IOFailure{Op: "sync", Path: w.tmpPath, Err: err}
	}
	if err := w.file.Close(); err != nil {
		w.done = true
		_ = sys.Remove(w.tmpPath)
		return "", Meta{}, &core.IOFailure{Op: "close", Path: w.tmpPath, Err: err}
	}
	w.done = true
	if err := sys.RenameDurable(w.tmpPath, w.finalPath); err != nil {
		_ = sys.Remove(w.tmpPath)
		return "", Meta{}, &core.IOFailure{Op: "rename", Path: w.finalPath, Err: err}
	}
	span.SetAttributes(
		attribute.String("storefile.path", w.finalPath),
		attribute.Int64("storefile.entries", int64(meta.Entries)),
		attribute.Int64("storefile.bytes", int64(w.offset)),
	)
	w.logger.Debug("Store file written.", "entries", meta.Entries, "blocks", len(w.index), "bytes", w.offset, "max_seq", meta.MaxSeq)
	return w.finalPath, meta, nil
}

// Abort discards the temporary file.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	closeErr := w.file.Close()
	if err := sys.Remove(w.tmpPath); err != nil {
		return err
	}
	return closeErr
}
