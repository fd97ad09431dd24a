package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/sys"
)

const (
	segmentFileSuffix = ".wal"
	// DefaultMaxSegmentSize is the size at which the log rolls to a new segment.
	DefaultMaxSegmentSize = 64 * 1024 * 1024
	// maxRecordSize bounds a single framed record.
	maxRecordSize = 32 * 1024 * 1024

	frameOverhead = 4 + 4
)

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, segmentFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
}

// ListSegments returns the segment paths in dir ordered by index.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type seg struct {
		index uint64
		path  string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := ParseSegmentFileName(e.Name())
		if err != nil {
			continue
		}
		segs = append(segs, seg{idx, filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.path
	}
	return out, nil
}

// FileWriter appends CRC-framed records to a log-structured file. Segments
// and recovered-edits files share it, told apart by their header magic.
type FileWriter struct {
	file   sys.FileHandle
	path   string
	writer *bufio.Writer
	size   int64
}

// CreateFile creates path, truncating it, and writes the header.
func CreateFile(path string, magic uint32) (*FileWriter, error) {
	return CreateFileWithHeader(path, core.NewFileHeader(magic))
}

// CreateFileWithHeader is CreateFile with a caller-built header.
func CreateFileWithHeader(path string, header core.FileHeader) (*FileWriter, error) {
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	w := &FileWriter{file: file, path: path, writer: bufio.NewWriterSize(file, 64*1024)}
	n, err := header.WriteTo(w.writer)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	w.size = n
	return w, nil
}

// AppendFrame writes an already framed record and returns its position.
func (w *FileWriter) AppendFrame(frame []byte) (int64, error) {
	pos := w.size
	if _, err := w.writer.Write(frame); err != nil {
		return 0, err
	}
	w.size += int64(len(frame))
	return pos, nil
}

// Append frames and writes one payload.
func (w *FileWriter) Append(payload []byte) (int64, error) {
	return w.AppendFrame(Frame(payload))
}

// Flush pushes buffered frames to the OS.
func (w *FileWriter) Flush() error {
	return w.writer.Flush()
}

// Sync flushes and fsyncs.
func (w *FileWriter) Sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Size is the number of bytes written, buffered ones included.
func (w *FileWriter) Size() int64 { return w.size }

// Path returns the file path.
func (w *FileWriter) Path() string { return w.path }

// Close flushes and closes without syncing.
func (w *FileWriter) Close() error {
	ferr := w.writer.Flush()
	cerr := w.file.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Frame wraps a payload as len | payload | crc32.
func Frame(payload []byte) []byte {
	frame := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	binary.LittleEndian.PutUint32(frame[4+len(payload):], crc32.ChecksumIEEE(payload))
	return frame
}

// ReadStats describes how a file scan ended.
type ReadStats struct {
	Records int
	// ValidBytes is the offset just past the last good record.
	ValidBytes int64
	// TruncatedTail is set when the file ended in an incomplete or torn record.
	TruncatedTail bool
}

// ErrStop can be returned by a ReadFile callback to end the scan early.
var ErrStop = errors.New("stop reading")

// ReadFile scans every record of a framed file. A damaged tail (a frame cut
// short by EOF, a final frame failing its checksum, or trailing zero padding)
// ends the scan without error. Anything else is a *core.CorruptLogError.
func ReadFile(path string, magic uint32, fn func(rec *Record, offset int64) error) (ReadStats, error) {
	var stats ReadStats
	f, err := sys.Open(path)
	if err != nil {
		return stats, err
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return stats, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if len(data) < core.FileHeaderSize {
		// Crashed between create and header write.
		stats.TruncatedTail = len(data) > 0
		return stats, nil
	}
	if _, err := core.ReadFileHeader(bytes.NewReader(data[:core.FileHeaderSize]), magic); err != nil {
		return stats, &core.CorruptLogError{Path: path, Offset: 0, Err: err}
	}

	pos := int64(core.FileHeaderSize)
	size := int64(len(data))
	stats.ValidBytes = pos
	for pos < size {
		if size-pos < 4 {
			stats.TruncatedTail = true
			break
		}
		length := int64(binary.LittleEndian.Uint32(data[pos : pos+4]))
		if length == 0 {
			if allZero(data[pos:]) {
				stats.TruncatedTail = true
				break
			}
			return stats, &core.CorruptLogError{Path: path, Offset: pos, Err: errors.New("zero-length record")}
		}
		end := pos + frameOverhead + length
		if end > size {
			// A cut-short final frame is a torn tail only if nothing valid follows it.
			if hasFrameAfter(data, pos+1) {
				return stats, &core.CorruptLogError{Path: path, Offset: pos, Err: fmt.Errorf("record length %d runs past end of file", length)}
			}
			stats.TruncatedTail = true
			break
		}
		payload := data[pos+4 : pos+4+length]
		want := binary.LittleEndian.Uint32(data[end-4 : end])
		if crc32.ChecksumIEEE(payload) != want {
			if end == size {
				stats.TruncatedTail = true
				break
			}
			return stats, &core.CorruptLogError{Path: path, Offset: pos, Err: errors.New("checksum mismatch")}
		}
		rec, err := UnmarshalRecord(payload)
		if err != nil {
			return stats, &core.CorruptLogError{Path: path, Offset: pos, Err: err}
		}
		if err := fn(rec, pos); err != nil {
			if errors.Is(err, ErrStop) {
				return stats, nil
			}
			return stats, err
		}
		stats.Records++
		pos = end
		stats.ValidBytes = pos
	}
	return stats, nil
}

// hasFrameAfter reports whether a complete, checksummed frame starts anywhere
// at or after from. It is only used on the error path.
func hasFrameAfter(data []byte, from int64) bool {
	size := int64(len(data))
	for i := from; i+frameOverhead < size; i++ {
		length := int64(binary.LittleEndian.Uint32(data[i : i+4]))
		if length == 0 || length > maxRecordSize {
			continue
		}
		end := i + frameOverhead + length
		if end > size {
			continue
		}
		if crc32.ChecksumIEEE(data[i+4:i+4+length]) == binary.LittleEndian.Uint32(data[end-4:end]) {
			return true
		}
	}
	return false
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
