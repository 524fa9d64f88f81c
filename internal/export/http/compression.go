package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// contentEncodings maps each algorithm to its Content-Encoding value.
var contentEncodings = map[string]string{
	CompressionNone:   "",
	CompressionGzip:   "gzip",
	CompressionZstd:   "zstd",
	CompressionZlib:   "deflate",
	CompressionSnappy: "snappy",
}

// Compressor compresses NDJSON payloads.
type Compressor struct {
	algorithm string
	compress  func([]byte) ([]byte, error)
	encoder   *zstd.Encoder
}

// NewCompressor creates a Compressor. An empty algorithm means none.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	c := &Compressor{algorithm: algorithm}

	switch algorithm {
	case CompressionNone:
		c.compress = func(data []byte) ([]byte, error) { return data, nil }
	case CompressionGzip:
		c.compress = func(data []byte) ([]byte, error) {
			var buf bytes.Buffer

			return writeThrough(&buf, gzip.NewWriter(&buf), data, "gzip")
		}
	case CompressionZlib:
		c.compress = func(data []byte) ([]byte, error) {
			var buf bytes.Buffer

			return writeThrough(&buf, zlib.NewWriter(&buf), data, "zlib")
		}
	case CompressionSnappy:
		c.compress = func(data []byte) ([]byte, error) { return snappy.Encode(nil, data), nil }
	case CompressionZstd:
		// The encoder is expensive to build and safe to reuse for EncodeAll.
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.encoder = encoder
		c.compress = func(data []byte) ([]byte, error) {
			return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
		}
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	return c, nil
}

// Compress compresses data with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	return c.compress(data)
}

// Algorithm returns the configured algorithm name.
func (c *Compressor) Algorithm() string {
	return c.algorithm
}

// ContentEncoding returns the Content-Encoding header value, empty for
// uncompressed payloads.
func (c *Compressor) ContentEncoding() string {
	return contentEncodings[c.algorithm]
}

// Close releases the zstd encoder, if any.
func (c *Compressor) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}

type flushWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

func writeThrough(buf *bytes.Buffer, w flushWriter, data []byte, name string) ([]byte, error) {
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s write: %w", name, err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s close: %w", name, err)
	}

	return buf.Bytes(), nil
}
