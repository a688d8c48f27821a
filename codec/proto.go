package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Proto encodes protobuf messages wrapped in google.protobuf.Any, so the
// receiver can reconstruct the concrete message type from the global type
// registry. Go scalars are carried through the well-known wrapper types and
// come back as the matching Go scalar.
type Proto struct {
	Marshal   proto.MarshalOptions
	Unmarshal proto.UnmarshalOptions
}

var _ Codec = Proto{}

// Name returns "proto".
func (Proto) Name() string { return "proto" }

// Append implements Codec.
func (p Proto) Append(dst []byte, v any) ([]byte, error) {
	msg, err := toMessage(v)
	if err != nil {
		return dst, err
	}
	wrapped, err := anypb.New(msg)
	if err != nil {
		return dst, fmt.Errorf("proto wrap %T: %w", v, err)
	}
	out, err := p.Marshal.MarshalAppend(dst, wrapped)
	if err != nil {
		return dst, fmt.Errorf("proto encode %T: %w", v, err)
	}
	return out, nil
}

// Decode implements Codec.
func (p Proto) Decode(src []byte) (any, error) {
	var wrapped anypb.Any
	if err := p.Unmarshal.Unmarshal(src, &wrapped); err != nil {
		return nil, fmt.Errorf("proto decode: %w", err)
	}
	msg, err := wrapped.UnmarshalNew()
	if err != nil {
		return nil, fmt.Errorf("proto decode %s: %w", wrapped.GetTypeUrl(), err)
	}
	return fromMessage(msg), nil
}

func toMessage(v any) (proto.Message, error) {
	switch x := v.(type) {
	case proto.Message:
		return x, nil
	case string:
		return wrapperspb.String(x), nil
	case []byte:
		return wrapperspb.Bytes(x), nil
	case bool:
		return wrapperspb.Bool(x), nil
	case int64:
		return wrapperspb.Int64(x), nil
	case int32:
		return wrapperspb.Int32(x), nil
	case uint64:
		return wrapperspb.UInt64(x), nil
	case uint32:
		return wrapperspb.UInt32(x), nil
	case float64:
		return wrapperspb.Double(x), nil
	case float32:
		return wrapperspb.Float(x), nil
	default:
		return nil, fmt.Errorf("%w: proto codec cannot encode %T", ErrUnsupportedType, v)
	}
}

func fromMessage(msg proto.Message) any {
	switch m := msg.(type) {
	case *wrapperspb.StringValue:
		return m.GetValue()
	case *wrapperspb.BytesValue:
		return m.GetValue()
	case *wrapperspb.BoolValue:
		return m.GetValue()
	case *wrapperspb.Int64Value:
		return m.GetValue()
	case *wrapperspb.Int32Value:
		return m.GetValue()
	case *wrapperspb.UInt64Value:
		return m.GetValue()
	case *wrapperspb.UInt32Value:
		return m.GetValue()
	case *wrapperspb.DoubleValue:
		return m.GetValue()
	case *wrapperspb.FloatValue:
		return m.GetValue()
	default:
		return msg
	}
}
