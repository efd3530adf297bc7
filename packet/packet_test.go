package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode(t *testing.T) {
	in := Response(1, 0xdeadbeef, 0x01020304, []byte("hello world"), codes.Aborted)

	out, err := Decode(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeZeroValues(t *testing.T) {
	out, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, Packet{}, out)
}

func TestDecodeEveryType(t *testing.T) {
	for _, p := range []Packet{
		Request(2, 3, 4, []byte{0x7E}),
		StreamEnd(2, 3, 4, codes.OK),
		Cancel(2, 3, 4),
		Error(2, 3, 4, codes.NotFound),
	} {
		out, err := Decode(p.Encode())
		require.NoError(t, err, p.String())
		assert.Equal(t, p.Type, out.Type)
		assert.Equal(t, p.Status, out.Status)
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := Request(1, 2, 3, []byte("x")).Encode()
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out.Payload)
	assert.Equal(t, uint32(3), out.MethodID)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"truncated tag":     {0x80},
		"truncated payload": {0x2a, 0x05, 'a'},
		"truncated fixed32": {0x1d, 0x01, 0x02},
		"unknown type":      {0x08, 0x09},
	}
	for name, b := range cases {
		_, err := Decode(b)
		assert.True(t, errors.Is(err, ErrDecode), "%s: %v", name, err)
	}
}

func TestDecodeRejectsOversizedVarints(t *testing.T) {
	for _, field := range []protowire.Number{1, 2, 6} {
		b := protowire.AppendTag(nil, field, protowire.VarintType)
		b = protowire.AppendVarint(b, 1<<32+1)
		_, err := Decode(b)
		assert.True(t, errors.Is(err, ErrDecode), "field %d: %v", field, err)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, Request(1, 1, 1, nil).IsTerminal())
	assert.True(t, StreamEnd(1, 1, 1, codes.OK).IsTerminal())
	assert.True(t, Error(1, 1, 1, codes.Internal).IsTerminal())
}
