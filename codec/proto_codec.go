package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec serializes protobuf messages. An empty payload decodes to the
// zero message, which is how proto3 encodes a message with all defaults.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Unmarshal(data, m)
}

func (ProtoCodec) Name() string {
	return "proto"
}
