package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a write-ahead log segment.
	WALMagicNumber uint32 = 0x4E52574C // "NRWL"
	// RecoveredEditsMagicNumber identifies a recovered-edits file produced by a split.
	RecoveredEditsMagicNumber uint32 = 0x4E524544 // "NRED"
	// StoreFileMagicNumber identifies a store file footer.
	StoreFileMagicNumber uint32 = 0x4E525346 // "NRSF"
)

// FormatVersion is the on-disk format version written in every file header.
const FormatVersion uint8 = 1

// FileHeader is the fixed header at the start of every log-structured file.
type FileHeader struct {
	Magic     uint32
	Version   uint8
	CreatedAt int64 // UnixNano
}

// FileHeaderSize is the encoded size of a FileHeader.
const FileHeaderSize = 4 + 1 + 8

// ErrShortHeader is returned when a file ends before its header does.
var ErrShortHeader = errors.New("short file header")

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(magic uint32) FileHeader {
	return FileHeader{Magic: magic, Version: FormatVersion, CreatedAt: time.Now().UnixNano()}
}

// WriteTo encodes the header.
func (h FileHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [FileHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.LittleEndian.PutUint64(buf[5:13], uint64(h.CreatedAt))
	n, err := w.Write(buf[:])
	return int64(n), err
}

// ReadFileHeader decodes a header and checks its magic and version.
func ReadFileHeader(r io.Reader, wantMagic uint32) (FileHeader, error) {
	var buf [FileHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return FileHeader{}, ErrShortHeader
		}
		return FileHeader{}, err
	}
	h := FileHeader{
		Magic:     binary.LittleEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		CreatedAt: int64(binary.LittleEndian.Uint64(buf[5:13])),
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("bad magic number 0x%08x, want 0x%08x", h.Magic, wantMagic)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported format version %d", h.Version)
	}
	return h, nil
}
