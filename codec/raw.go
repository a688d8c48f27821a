package codec

import "fmt"

// Raw passes []byte payloads through unchanged.
type Raw struct{}

var (
	_ Codec = Raw{}
	_ Sizer = Raw{}
)

// Name returns "raw".
func (Raw) Name() string { return "raw" }

// Append implements Codec.
func (Raw) Append(dst []byte, v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return dst, fmt.Errorf("%w: raw codec needs []byte, got %T", ErrUnsupportedType, v)
	}
	return append(dst, b...), nil
}

// Decode returns a copy of src.
func (Raw) Decode(src []byte) (any, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// Size implements Sizer.
func (Raw) Size(v any) (int, error) {
	b, ok := v.([]byte)
	if !ok {
		return 0, fmt.Errorf("%w: raw codec needs []byte, got %T", ErrUnsupportedType, v)
	}
	return len(b), nil
}
