package emitter

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionType selects how event files and checkpoint state are stored.
type CompressionType int

const (
	NoCompression CompressionType = iota
	ZstdCompression
)

var (
	// DefaultCompression is used when callers do not ask for anything else
	DefaultCompression = ZstdCompression

	// EncodeAll/DecodeAll on these are safe for concurrent use
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// CompressionFor maps the boolean config switch onto a CompressionType.
func CompressionFor(enabled bool) CompressionType {
	if enabled {
		return DefaultCompression
	}
	return NoCompression
}

func (c CompressionType) String() string {
	switch c {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	default:
		return "unknown"
	}
}

// CompressData compresses data; with NoCompression it is returned as is.
func CompressData(data []byte, c CompressionType) ([]byte, error) {
	if c == NoCompression {
		return data, nil
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// DecompressData reverses CompressData.
func DecompressData(data []byte, c CompressionType) ([]byte, error) {
	if c == NoCompression {
		return data, nil
	}
	return zstdDecoder.DecodeAll(data, nil)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressedWriter wraps w. Closing the result finishes the compressed
// frame but does not close w.
func newCompressedWriter(w io.Writer, c CompressionType) (io.WriteCloser, error) {
	if c == NoCompression {
		return nopWriteCloser{w}, nil
	}
	return zstd.NewWriter(w)
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// newCompressedReader wraps r with a decompressor when needed.
func newCompressedReader(r io.Reader, c CompressionType) (io.ReadCloser, error) {
	if c == NoCompression {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{dec}, nil
}
