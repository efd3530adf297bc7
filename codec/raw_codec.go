package codec

import "fmt"

// RawCodec passes bytes through unchanged, for methods whose payloads are
// already serialized or opaque to the client.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("%w: raw codec cannot marshal %T", ErrUnsupportedType, v)
	}
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: raw codec cannot unmarshal into %T", ErrUnsupportedType, v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (RawCodec) Name() string {
	return "raw"
}
