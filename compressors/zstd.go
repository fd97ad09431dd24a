package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusregion/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor shares one encoder and one decoder. Both are safe for
// concurrent EncodeAll/DecodeAll calls.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

var defaultZstd = mustZstd()

func mustZstd() *ZstdCompressor {
	c, err := NewZstdCompressor()
	if err != nil {
		panic(err)
	}
	return c
}

// NewZstdCompressor builds a compressor with default encoder settings.
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(100*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType { return core.CompressionZSTD }
