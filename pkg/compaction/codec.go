package compaction

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names the payload compression format.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
)

// Level trades speed for ratio.
type Level string

const (
	LevelFastest Level = "fastest"
	LevelDefault Level = "default"
	LevelBetter  Level = "better"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecGzip, CodecZstd:
		return c, nil
	}
	return "", fmt.Errorf("unknown codec %q (want gzip or zstd)", s)
}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelFastest, LevelDefault, LevelBetter:
		return l, nil
	}
	return "", fmt.Errorf("unknown compression level %q (want fastest, default or better)", s)
}

// IsCompressed reports whether data starts with a gzip or zstd frame magic.
// Either format counts, so switching codecs never recompresses old values.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic) || bytes.HasPrefix(data, zstdMagic)
}

// compressor is safe for concurrent use.
type compressor struct {
	codec Codec
	gzw   sync.Pool
	zenc  *zstd.Encoder
}

func newCompressor(codec Codec, level Level) (*compressor, error) {
	c := &compressor{codec: codec}
	switch codec {
	case CodecGzip:
		gzLevel := gzip.DefaultCompression
		switch level {
		case LevelFastest:
			gzLevel = gzip.BestSpeed
		case LevelBetter:
			gzLevel = gzip.BestCompression
		}
		if _, err := gzip.NewWriterLevel(io.Discard, gzLevel); err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		c.gzw.New = func() any {
			w, _ := gzip.NewWriterLevel(io.Discard, gzLevel)
			return w
		}
	case CodecZstd:
		zLevel := zstd.SpeedDefault
		switch level {
		case LevelFastest:
			zLevel = zstd.SpeedFastest
		case LevelBetter:
			zLevel = zstd.SpeedBetterCompression
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zLevel))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.zenc = enc
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
	return c, nil
}

func (c *compressor) compress(src []byte) ([]byte, error) {
	if c.codec == CodecZstd {
		return c.zenc.EncodeAll(src, make([]byte, 0, len(src)/2+16)), nil
	}

	var buf bytes.Buffer
	buf.Grow(len(src)/2 + 32)
	w := c.gzw.Get().(*gzip.Writer)
	defer c.gzw.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *compressor) close() {
	if c.zenc != nil {
		c.zenc.Close()
	}
}

// Decompress reverses either codec, detected by magic bytes.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(data, zstdMagic):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("value is not compressed")
}
