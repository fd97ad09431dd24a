package compressors

import "github.com/INLOpen/nexusregion/core"

// NoCompressionCompressor stores blocks as they are.
type NoCompressionCompressor struct{}

var _ core.Compressor = NoCompressionCompressor{}

func (NoCompressionCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (NoCompressionCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

func (NoCompressionCompressor) Type() core.CompressionType { return core.CompressionNone }
