package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

type gobEnvelope struct {
	V any
}

// Gob encodes arbitrary Go values with encoding/gob. Concrete types carried
// inside interfaces must be registered with gob.Register (RegisterGob);
// builtin scalars and their slices are registered already.
type Gob struct{}

var _ Codec = Gob{}

// RegisterGob registers the concrete type of v for gob interface encoding.
func RegisterGob(v any) {
	gob.Register(v)
}

// Name returns "gob".
func (Gob) Name() string { return "gob" }

// Append implements Codec.
func (Gob) Append(dst []byte, v any) ([]byte, error) {
	w := appendWriter{buf: dst}
	if err := gob.NewEncoder(&w).Encode(&gobEnvelope{V: v}); err != nil {
		return dst, fmt.Errorf("%w: gob encode %T: %v", ErrUnsupportedType, v, err)
	}
	return w.buf, nil
}

// Decode implements Codec.
func (Gob) Decode(src []byte) (any, error) {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(src)).Decode(&env); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return env.V, nil
}
