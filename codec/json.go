package codec

import (
	"encoding/json"
	"fmt"
)

// JSON encodes values with encoding/json and decodes them into T.
type JSON[T any] struct{}

// NewJSON returns a JSON codec decoding into T.
func NewJSON[T any]() JSON[T] { return JSON[T]{} }

// Name returns "json".
func (JSON[T]) Name() string { return "json" }

// Append implements Codec.
func (JSON[T]) Append(dst []byte, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return dst, fmt.Errorf("%w: json encode %T: %v", ErrUnsupportedType, v, err)
	}
	return append(dst, raw...), nil
}

// Decode implements Codec.
func (JSON[T]) Decode(src []byte) (any, error) {
	var out T
	if err := json.Unmarshal(src, &out); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return out, nil
}
