package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds frames written by a FrameWriter and accepted by
// a FrameReader.
const DefaultMaxFrameSize = 64 << 20

// FrameWriter writes varint length-prefixed encodings to a buffered stream.
type FrameWriter struct {
	w     *bufio.Writer
	codec Codec
	max   int
	buf   []byte
}

// NewFrameWriter wraps w. A non-positive max selects DefaultMaxFrameSize.
func NewFrameWriter(w io.Writer, c Codec, max int) *FrameWriter {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameWriter{w: bw, codec: c, max: max}
}

// Write encodes v and buffers the frame. Call Flush to push buffered frames.
// An encoding longer than the frame limit fails with ErrSizeExceeded and
// leaves the stream untouched.
func (f *FrameWriter) Write(v any) error {
	payload, err := f.codec.Append(f.buf[:0], v)
	if err != nil {
		return err
	}
	f.buf = payload
	if len(payload) > f.max {
		return fmt.Errorf("%w: %d bytes exceeds frame limit %d", ErrSizeExceeded, len(payload), f.max)
	}
	var prefix [binary.MaxVarintLen64]byte
	head := protowire.AppendVarint(prefix[:0], uint64(len(payload)))
	if _, err := f.w.Write(head); err != nil {
		return err
	}
	_, err = f.w.Write(payload)
	return err
}

// Flush writes any buffered frames to the underlying stream.
func (f *FrameWriter) Flush() error {
	return f.w.Flush()
}

// Buffered returns the number of bytes waiting for Flush.
func (f *FrameWriter) Buffered() int {
	return f.w.Buffered()
}

// FrameReader reads frames written by FrameWriter.
type FrameReader struct {
	r     *bufio.Reader
	codec Codec
	max   int
	buf   []byte
}

// NewFrameReader wraps r. A non-positive max selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, c Codec, max int) *FrameReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{r: br, codec: c, max: max}
}

// Read blocks for the next frame and decodes it.
func (f *FrameReader) Read() (any, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if n > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == len(prefix) {
			return nil, fmt.Errorf("codec: frame length prefix overflows")
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
	}
	size, m := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(m); err != nil {
		return nil, fmt.Errorf("codec: frame length: %w", err)
	}
	if size > uint64(f.max) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, size, f.max)
	}
	if cap(f.buf) < int(size) {
		f.buf = make([]byte, size)
	}
	f.buf = f.buf[:size]
	if _, err := io.ReadFull(f.r, f.buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return f.codec.Decode(f.buf)
}

// WriteFrame writes one frame for v and flushes it.
func WriteFrame(w io.Writer, c Codec, v any) error {
	fw := NewFrameWriter(w, c, 0)
	if err := fw.Write(v); err != nil {
		return err
	}
	return fw.Flush()
}

// ReadFrame reads one frame. Pass a *bufio.Reader when more frames follow,
// otherwise read-ahead bytes are lost.
func ReadFrame(r io.Reader, c Codec, max int) (any, error) {
	return NewFrameReader(r, c, max).Read()
}
