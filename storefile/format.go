// Package storefile implements the immutable, sorted data files a column
// family store flushes its memtables into.
//
// Layout:
//
//	header | data block ... | index block | bloom block | meta block | footer
//
// Each data block is a compression type byte, a CRC32 of the stored bytes and
// the (possibly compressed) entries. The footer locates the three trailing
// blocks and ends with the store file magic number.
package storefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusregion/core"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// FileExt is the extension of a finished store file.
	FileExt = ".sf"
	// TempExt marks a store file that is still being written.
	TempExt = ".tmp"

	bulkSeqToken = "_SeqId_"
)

// DefaultBlockSize specifies the target size for data blocks in bytes.
const DefaultBlockSize = 16 * 1024

// DefaultBloomFPRate is the default bloom filter false positive rate.
const DefaultBloomFPRate = 0.01

// footerSize: index, bloom and meta each as offset u64 + length u32, then a
// CRC32 over those three blocks and the magic number.
const footerSize = 3*(8+4) + 4 + 4

var (
	ErrCorrupted  = errors.New("store file is corrupted")
	ErrClosed     = errors.New("store file is closed")
	ErrOutOfOrder = errors.New("key values added out of order")
)

// FileName returns the name of a flushed or compacted store file.
func FileName(id uint64) string {
	return strconv.FormatUint(id, 10) + FileExt
}

// BulkFileName returns the name of a bulk-loaded store file. The sequence
// number in the name is the file's sequence number.
func BulkFileName(id, seq uint64) string {
	return fmt.Sprintf("%d%s%d_%s", id, bulkSeqToken, seq, FileExt)
}

// ParsedName is the information encoded in a store file name.
type ParsedName struct {
	ID      uint64
	Bulk    bool
	BulkSeq uint64
}

// ParseFileName parses both plain and bulk-loaded store file names.
func ParseFileName(name string) (ParsedName, bool) {
	if !strings.HasSuffix(name, FileExt) {
		return ParsedName{}, false
	}
	base := strings.TrimSuffix(name, FileExt)
	if idx := strings.Index(base, bulkSeqToken); idx >= 0 {
		id, err := strconv.ParseUint(base[:idx], 10, 64)
		if err != nil {
			return ParsedName{}, false
		}
		rest := strings.TrimSuffix(base[idx+len(bulkSeqToken):], "_")
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return ParsedName{}, false
		}
		return ParsedName{ID: id, Bulk: true, BulkSeq: seq}, true
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return ParsedName{}, false
	}
	return ParsedName{ID: id}, true
}

// Meta is the metadata block of a store file.
type Meta struct {
	// MaxSeq is the highest sequence number whose edits the file covers. For
	// a flush it is the flush sequence number, which can exceed every entry.
	MaxSeq      uint64
	MinSeq      uint64
	BulkLoad    bool
	Entries     uint64
	FirstRow    []byte
	LastRow     []byte
	CreatedAt   int64
	Compression core.CompressionType
}

const (
	metaMaxSeq      protowire.Number = 1
	metaMinSeq      protowire.Number = 2
	metaBulkLoad    protowire.Number = 3
	metaEntries     protowire.Number = 4
	metaFirstRow    protowire.Number = 5
	metaLastRow     protowire.Number = 6
	metaCreatedAt   protowire.Number = 7
	metaCompression protowire.Number = 8
)

func marshalMeta(m *Meta) []byte {
	var b []byte
	b = protowire.AppendTag(b, metaMaxSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.MaxSeq)
	b = protowire.AppendTag(b, metaMinSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.MinSeq)
	b = protowire.AppendTag(b, metaBulkLoad, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.BulkLoad))
	b = protowire.AppendTag(b, metaEntries, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Entries)
	b = protowire.AppendTag(b, metaFirstRow, protowire.BytesType)
	b = protowire.AppendBytes(b, m.FirstRow)
	b = protowire.AppendTag(b, metaLastRow, protowire.BytesType)
	b = protowire.AppendBytes(b, m.LastRow)
	b = protowire.AppendTag(b, metaCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt))
	b = protowire.AppendTag(b, metaCompression, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Compression))
	return b
}

func unmarshalMeta(b []byte) (Meta, error) {
	var m Meta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case metaMaxSeq:
				m.MaxSeq = v
			case metaMinSeq:
				m.MinSeq = v
			case metaBulkLoad:
				m.BulkLoad = protowire.DecodeBool(v)
			case metaEntries:
				m.Entries = v
			case metaCreatedAt:
				m.CreatedAt = protowire.DecodeZigZag(v)
			case metaCompression:
				m.Compression = core.CompressionType(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case metaFirstRow:
				m.FirstRow = append([]byte(nil), v...)
			case metaLastRow:
				m.LastRow = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

type blockHandle struct {
	offset uint64
	length uint32
}

type footer struct {
	index, bloom, meta blockHandle
	checksum           uint32
}

func (f *footer) encode() []byte {
	buf := make([]byte, footerSize)
	pos := 0
	for _, h := range []blockHandle{f.index, f.bloom, f.meta} {
		binary.LittleEndian.PutUint64(buf[pos:], h.offset)
		binary.LittleEndian.PutUint32(buf[pos+8:], h.length)
		pos += 12
	}
	binary.LittleEndian.PutUint32(buf[pos:], f.checksum)
	binary.LittleEndian.PutUint32(buf[pos+4:], core.StoreFileMagicNumber)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, fmt.Errorf("%w: footer is %d bytes", ErrCorrupted, len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[footerSize-4:]); magic != core.StoreFileMagicNumber {
		return f, fmt.Errorf("%w: bad footer magic 0x%08x", ErrCorrupted, magic)
	}
	handles := []*blockHandle{&f.index, &f.bloom, &f.meta}
	for i, h := range handles {
		h.offset = binary.LittleEndian.Uint64(buf[i*12:])
		h.length = binary.LittleEndian.Uint32(buf[i*12+8:])
	}
	f.checksum = binary.LittleEndian.Uint32(buf[36:])
	return f, nil
}
