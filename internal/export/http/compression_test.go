package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decompress(t *testing.T, algorithm string, data []byte) []byte {
	t.Helper()

	var (
		r   io.Reader
		err error
	)

	switch algorithm {
	case CompressionGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case CompressionZlib:
		r, err = zlib.NewReader(bytes.NewReader(data))
	case CompressionZstd:
		var dec *zstd.Decoder

		dec, err = zstd.NewReader(bytes.NewReader(data))
		if err == nil {
			defer dec.Close()
		}

		r = dec
	case CompressionSnappy:
		out, derr := snappy.Decode(nil, data)
		require.NoError(t, derr)

		return out
	default:
		return data
	}

	require.NoError(t, err)

	out, err := io.ReadAll(r)
	require.NoError(t, err)

	return out
}

func TestCompressor_RoundTrip(t *testing.T) {
	original := []byte(strings.Repeat(`{"metric":"SQ_WAVES","value":4096}`+"\n", 16))

	tests := []struct {
		algorithm string
		encoding  string
		shrinks   bool
	}{
		{algorithm: CompressionGzip, encoding: "gzip", shrinks: true},
		{algorithm: CompressionZstd, encoding: "zstd", shrinks: true},
		{algorithm: CompressionZlib, encoding: "deflate", shrinks: true},
		{algorithm: CompressionSnappy, encoding: "snappy", shrinks: true},
		{algorithm: CompressionNone, encoding: ""},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			c, err := NewCompressor(tt.algorithm)
			require.NoError(t, err)

			defer c.Close()

			compressed, err := c.Compress(original)
			require.NoError(t, err)

			assert.Equal(t, tt.encoding, c.ContentEncoding())

			if tt.shrinks {
				assert.Less(t, len(compressed), len(original))
			}

			assert.Equal(t, original, decompress(t, tt.algorithm, compressed))
		})
	}
}

func TestCompressor_EmptyMeansNone(t *testing.T) {
	c, err := NewCompressor("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c.Algorithm())
	assert.Empty(t, c.ContentEncoding())
}

func TestCompressor_Unsupported(t *testing.T) {
	_, err := NewCompressor("brotli")
	require.Error(t, err)
}
