package compressors

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusregion/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor uses the lz4 block format. The block format does not record
// the uncompressed size, so it is prefixed as a uvarint. A zero byte after the
// prefix marks a block stored raw because lz4 could not shrink it.
type LZ4Compressor struct{}

var _ core.Compressor = LZ4Compressor{}

// maxLZ4Block bounds the size a corrupt prefix can make us allocate.
const maxLZ4Block = 64 << 20

const (
	lz4Raw        byte = 0
	lz4Compressed byte = 1
)

func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+1+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))
	n, err := lz4.CompressBlock(data, dst[hdr+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		dst[hdr] = lz4Raw
		return append(dst[:hdr+1], data...), nil
	}
	dst[hdr] = lz4Compressed
	return dst[:hdr+1+n], nil
}

func (LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(data)
	if hdr <= 0 || hdr >= len(data) {
		return nil, fmt.Errorf("lz4 decompress error: bad block header")
	}
	if size > maxLZ4Block {
		return nil, fmt.Errorf("lz4 decompress error: block of %d bytes exceeds limit", size)
	}
	body := data[hdr+1:]
	switch data[hdr] {
	case lz4Raw:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw block is %d bytes, want %d", len(body), size)
		}
		return append([]byte(nil), body...), nil
	case lz4Compressed:
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block kind %d", data[hdr])
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, size)
	}
	return out, nil
}

func (LZ4Compressor) Type() core.CompressionType { return core.CompressionLZ4 }
