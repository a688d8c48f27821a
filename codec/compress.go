package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a compression scheme layered over another codec.
type Algorithm string

const (
	Zstd Algorithm = "zstd"
	S2   Algorithm = "s2"
	LZ4  Algorithm = "lz4"
)

// ParseAlgorithm validates a compression suffix.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case Zstd, S2, LZ4:
		return Algorithm(name), nil
	default:
		return "", fmt.Errorf("%w: compression %q", ErrUnknownCodec, name)
	}
}

// Compressed wraps an inner codec and compresses its output.
type Compressed struct {
	inner Codec
	alg   Algorithm

	once    sync.Once
	initErr error
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
}

var _ Codec = (*Compressed)(nil)

// NewCompressed layers alg over inner.
func NewCompressed(inner Codec, alg Algorithm) (*Compressed, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: nil inner codec", ErrUnknownCodec)
	}
	if _, err := ParseAlgorithm(string(alg)); err != nil {
		return nil, err
	}
	return &Compressed{inner: inner, alg: alg}, nil
}

// Name returns the inner name suffixed with the algorithm, e.g. "gob+zstd".
func (c *Compressed) Name() string {
	return c.inner.Name() + "+" + string(c.alg)
}

func (c *Compressed) init() error {
	c.once.Do(func() {
		if c.alg != Zstd {
			return
		}
		c.zenc, c.initErr = zstd.NewWriter(nil)
		if c.initErr != nil {
			return
		}
		c.zdec, c.initErr = zstd.NewReader(nil)
	})
	return c.initErr
}

// Append implements Codec.
func (c *Compressed) Append(dst []byte, v any) ([]byte, error) {
	plain, err := c.inner.Append(nil, v)
	if err != nil {
		return dst, err
	}
	if err := c.init(); err != nil {
		return dst, fmt.Errorf("%s init: %w", c.alg, err)
	}
	switch c.alg {
	case Zstd:
		return c.zenc.EncodeAll(plain, dst), nil
	case S2:
		return append(dst, s2.Encode(nil, plain)...), nil
	default:
		w := appendWriter{buf: dst}
		zw := lz4.NewWriter(&w)
		if _, err := zw.Write(plain); err != nil {
			return dst, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return dst, fmt.Errorf("lz4 compress: %w", err)
		}
		return w.buf, nil
	}
}

// Decode implements Codec.
func (c *Compressed) Decode(src []byte) (any, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("%s init: %w", c.alg, err)
	}
	var (
		plain []byte
		err   error
	)
	switch c.alg {
	case Zstd:
		plain, err = c.zdec.DecodeAll(src, nil)
	case S2:
		plain, err = s2.Decode(nil, src)
	default:
		plain, err = io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.alg, err)
	}
	return c.inner.Decode(plain)
}
