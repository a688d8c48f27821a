// Package codec converts application objects to and from bytes for the
// transport. A Codec appends encodings to a caller-owned slice so the same
// implementation serves both pre-registered fixed buffers and growable
// stream buffers.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeExceeded indicates an encoding does not fit the destination buffer.
	ErrSizeExceeded = errors.New("codec: encoded size exceeds buffer")
	// ErrUnknownCodec indicates a codec name that is not registered.
	ErrUnknownCodec = errors.New("codec: unknown codec")
	// ErrFrameTooLarge indicates a stream frame longer than the reader accepts.
	ErrFrameTooLarge = errors.New("codec: frame too large")
	// ErrUnsupportedType indicates a value the codec cannot encode.
	ErrUnsupportedType = errors.New("codec: unsupported type")
)

// Codec encodes and decodes application objects.
type Codec interface {
	Name() string
	// Append appends the encoding of v to dst and returns the extended slice.
	Append(dst []byte, v any) ([]byte, error)
	// Decode returns the value encoded in src. The result never aliases src.
	Decode(src []byte) (any, error)
}

// Sizer is implemented by codecs that can report an encoded size without
// producing the encoding.
type Sizer interface {
	Size(v any) (int, error)
}

// Encode writes the encoding of v into buf and returns the number of bytes
// written. It fails with ErrSizeExceeded rather than truncating.
func Encode(c Codec, buf []byte, v any) (int, error) {
	out, err := c.Append(buf[:0:len(buf)], v)
	if err != nil {
		return 0, err
	}
	if len(out) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrSizeExceeded, len(out), len(buf))
	}
	if len(out) > 0 && &out[0] != &buf[0] {
		copy(buf, out)
	}
	return len(out), nil
}

// SizeOf returns the encoded size of v.
func SizeOf(c Codec, v any) (int, error) {
	if s, ok := c.(Sizer); ok {
		return s.Size(v)
	}
	out, err := c.Append(nil, v)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

type appendWriter struct {
	buf []byte
}

func (w *appendWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
