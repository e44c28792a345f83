package crypto

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor streams artifacts through zstd.
type ZstdCompressor struct {
	level int
}

// NewZstdCompressor creates a compressor at the given zstd level (1-19).
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
	}
	return &ZstdCompressor{level: level}, nil
}

// DefaultZstdCompressor creates a compressor with level 3.
func DefaultZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{level: 3}
}

func (c *ZstdCompressor) Level() int {
	return c.level
}

// CompressStream copies src into dst compressed and returns the number of
// uncompressed bytes read.
func (c *ZstdCompressor) CompressStream(dst io.Writer, src io.Reader) (int64, error) {
	encoder, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("create stream encoder: %w", err)
	}

	written, err := io.Copy(encoder, src)
	if err != nil {
		_ = encoder.Close()
		return written, fmt.Errorf("compression failed: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return written, fmt.Errorf("close encoder: %w", err)
	}
	return written, nil
}

// DecompressStream copies the decompressed form of src into dst.
func (c *ZstdCompressor) DecompressStream(dst io.Writer, src io.Reader) (int64, error) {
	decoder, err := zstd.NewReader(src,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(256*1024*1024))
	if err != nil {
		return 0, fmt.Errorf("create stream decoder: %w", err)
	}
	defer decoder.Close()

	written, err := io.Copy(dst, decoder)
	if err != nil {
		return written, fmt.Errorf("decompression failed: %w", err)
	}
	return written, nil
}
