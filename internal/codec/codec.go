// Package codec provides a uniform interface over LZ4 and ZSTD compression
// for the Sparse-Block Compression layer, with a "skip if not shrinking"
// policy: callers are expected to compare the compressed length against
// the original and fall back to storing the block verbatim when
// compression did not help.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/lz4"
	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies a supported compression codec.
type Algorithm string

const (
	LZ4  Algorithm = "lz4"
	ZSTD Algorithm = "zstd"
)

// Codec compresses and decompresses byte blocks.
type Codec interface {
	// Compress returns the compressed form of src. Callers decide whether
	// to keep it based on length against src, per the layer's
	// "skip if not shrinking" policy (§4.3 step 2).
	Compress(src []byte) ([]byte, error)
	Decompress(dst []byte, src []byte) error
	Algorithm() Algorithm
}

// New builds a Codec for alg at the given level. Level is codec-specific:
// for lz4 it selects the compression mode (0 = fast, >0 = higher
// compression); for zstd it maps to the nearest zstd.EncoderLevel.
func New(alg Algorithm, level int) (Codec, error) {
	switch alg {
	case LZ4:
		return &lz4Codec{level: level}, nil
	case ZSTD:
		return newZstdCodec(level)
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm %q", alg)
	}
}

type lz4Codec struct {
	level int
}

func (c *lz4Codec) Algorithm() Algorithm { return LZ4 }

func (c *lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if c.level > 0 {
		if err := w.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(c.level))); err != nil {
			return nil, fmt.Errorf("codec: lz4 option: %w", err)
		}
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *lz4Codec) Decompress(dst []byte, src []byte) error {
	r := lz4.NewReader(bytes.NewReader(src))
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("codec: lz4 decompress: %w", err)
	}
	if n != len(dst) {
		return fmt.Errorf("codec: lz4 decompress: short output (%d of %d bytes)", n, len(dst))
	}
	return nil
}

type zstdCodec struct {
	level   zstd.EncoderLevel
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	enclvl := zstd.SpeedDefault
	switch {
	case level <= 1:
		enclvl = zstd.SpeedFastest
	case level <= 3:
		enclvl = zstd.SpeedDefault
	case level <= 6:
		enclvl = zstd.SpeedBetterCompression
	default:
		enclvl = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(enclvl))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	return &zstdCodec{level: enclvl, encoder: enc, decoder: dec}, nil
}

func (c *zstdCodec) Algorithm() Algorithm { return ZSTD }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, make([]byte, 0, len(src))), nil
}

func (c *zstdCodec) Decompress(dst []byte, src []byte) error {
	if len(dst) == 0 {
		return nil
	}
	out, err := c.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("codec: zstd decompress: %w", err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("codec: zstd decompress: short output (%d of %d bytes)", len(out), len(dst))
	}
	if &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}
