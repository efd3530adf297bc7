// Package codec serializes request and response messages carried in the
// payload of RPC packets.
//
// A method descriptor names the codec its messages use, so one client can
// talk to protobuf services and JSON services over the same channel.
package codec

import (
	"errors"
	"fmt"
)

var ErrUnsupportedType = errors.New("codec: unsupported message type")

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string // "proto", "json" or "raw"
}

var (
	Proto Codec = ProtoCodec{}
	JSON  Codec = JSONCodec{}
	Raw   Codec = RawCodec{}
)

// ByName resolves a codec from its configured name.
func ByName(name string) (Codec, error) {
	switch name {
	case "proto", "protobuf", "":
		return Proto, nil
	case "json":
		return JSON, nil
	case "raw", "binary":
		return Raw, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
