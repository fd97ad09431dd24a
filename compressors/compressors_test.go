package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/nexusregion/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorsRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"small":      []byte("row-0001/q:value"),
		"repetitive": bytes.Repeat([]byte("abcdefgh"), 4096),
	}
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := Get(ct)
		require.NoError(t, err)
		require.Equal(t, ct, c.Type())
		for name, in := range inputs {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				packed, err := c.Compress(in)
				require.NoError(t, err)
				out, err := c.Decompress(packed)
				require.NoError(t, err)
				assert.Equal(t, len(in), len(out))
				assert.True(t, bytes.Equal(in, out))
			})
		}
	}
}

func TestByName(t *testing.T) {
	c, err := ByName("zstd")
	require.NoError(t, err)
	assert.Equal(t, core.CompressionZSTD, c.Type())

	_, err = ByName("brotli")
	assert.Error(t, err)

	_, err = Get(core.CompressionType(99))
	assert.Error(t, err)
}

func TestLZ4RejectsGarbage(t *testing.T) {
	_, err := LZ4Compressor{}.Decompress([]byte{0x05, 0x07, 0x01})
	assert.Error(t, err)
	_, err = LZ4Compressor{}.Decompress(nil)
	assert.Error(t, err)
}
