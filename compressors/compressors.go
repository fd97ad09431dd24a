package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusregion/core"
)

// Get returns the Compressor for a stored CompressionType.
func Get(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return defaultZstd, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// ByName resolves a config value such as "snappy".
func ByName(name string) (core.Compressor, error) {
	t, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return Get(t)
}
