// Package compress provides the payload codecs used for large cache entries.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses whole payloads. Implementations are safe
// for concurrent use.
type Codec interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Metrics tracks bytes through one codec.
type Metrics struct {
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
	Count    atomic.Int64
	Failures atomic.Int64
}

// Snapshot is the JSON-serializable form of Metrics.
type Snapshot struct {
	Codec    string `json:"codec"`
	BytesIn  int64  `json:"bytes_in"`
	BytesOut int64  `json:"bytes_out"`
	Count    int64  `json:"count"`
	Failures int64  `json:"failures"`
}

// New returns the codec registered under name ("zstd", "gzip", "br").
// level <= 0 selects the codec default.
func New(name string, level int) (Codec, error) {
	switch name {
	case "zstd", "":
		return NewZstd(level)
	case "gzip":
		return NewGzip(level), nil
	case "br", "brotli":
		return NewBrotli(level), nil
	default:
		return nil, fmt.Errorf("compress: unknown codec %q", name)
	}
}

// Instrumented wraps a codec and records compression metrics.
type Instrumented struct {
	Codec
	metrics Metrics
}

// Instrument wraps c with metrics.
func Instrument(c Codec) *Instrumented {
	return &Instrumented{Codec: c}
}

func (i *Instrumented) Compress(src []byte) ([]byte, error) {
	out, err := i.Codec.Compress(src)
	if err != nil {
		i.metrics.Failures.Add(1)
		return nil, err
	}
	i.metrics.Count.Add(1)
	i.metrics.BytesIn.Add(int64(len(src)))
	i.metrics.BytesOut.Add(int64(len(out)))
	return out, nil
}

func (i *Instrumented) Decompress(src []byte) ([]byte, error) {
	out, err := i.Codec.Decompress(src)
	if err != nil {
		i.metrics.Failures.Add(1)
	}
	return out, err
}

// Snapshot returns a point-in-time copy of the codec metrics.
func (i *Instrumented) Snapshot() Snapshot {
	return Snapshot{
		Codec:    i.Name(),
		BytesIn:  i.metrics.BytesIn.Load(),
		BytesOut: i.metrics.BytesOut.Load(),
		Count:    i.metrics.Count.Load(),
		Failures: i.metrics.Failures.Load(),
	}
}

// Zstd uses a shared encoder and decoder; EncodeAll and DecodeAll are
// safe for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd codec. level follows the zstd numeric levels (1-22).
func NewZstd(level int) (*Zstd, error) {
	encLevel := zstd.SpeedDefault
	if level > 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress: zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Name() string { return "zstd" }

func (z *Zstd) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *Zstd) Decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

// Gzip is a gzip codec.
type Gzip struct {
	level int
}

// NewGzip creates a gzip codec.
func NewGzip(level int) *Gzip {
	if level <= 0 || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &Gzip{level: level}
}

func (g *Gzip) Name() string { return "gzip" }

func (g *Gzip) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Gzip) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Brotli is a brotli codec.
type Brotli struct {
	level int
}

// NewBrotli creates a brotli codec.
func NewBrotli(level int) *Brotli {
	if level <= 0 || level > brotli.BestCompression {
		level = brotli.DefaultCompression
	}
	return &Brotli{level: level}
}

func (b *Brotli) Name() string { return "br" }

func (b *Brotli) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, b.level)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Brotli) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(src)))
}
