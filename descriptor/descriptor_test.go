package descriptor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hdlc-rpc/codec"
)

func newEcho() *Service {
	return MustService("pw.rpc.EchoService",
		&Method{Name: "Echo", NewRequest: newString, NewResponse: newString},
		&Method{Name: "Stream", ServerStreaming: true, NewRequest: newString, NewResponse: newString},
		&Method{Name: "Collect", ClientStreaming: true, NewRequest: newString, NewResponse: newString},
		&Method{Name: "Chat", ClientStreaming: true, ServerStreaming: true, NewRequest: newString, NewResponse: newString},
	)
}

func newString() any { return &wrapperspb.StringValue{} }

func TestHashName(t *testing.T) {
	assert.Equal(t, uint32(0), HashName(""))
	assert.Equal(t, uint32(1+65599*'a'), HashName("a"))
	assert.Equal(t, HashName("Echo"), HashName("Echo"))
	assert.NotEqual(t, HashName("Echo"), HashName("echo"))
}

func TestMethodTypes(t *testing.T) {
	s := newEcho()
	want := map[string]MethodType{
		"Echo":    Unary,
		"Stream":  ServerStreaming,
		"Collect": ClientStreaming,
		"Chat":    BidiStreaming,
	}
	for name, typ := range want {
		m, ok := s.MethodByName(name)
		require.True(t, ok, name)
		assert.Equal(t, typ, m.Type(), name)
		assert.Equal(t, typ == Unary, m.IsUnary(), name)
		assert.Equal(t, "pw.rpc.EchoService."+name, m.FullName())
	}
}

func TestLibraryLookup(t *testing.T) {
	s := newEcho()
	lib, err := NewLibrary(s)
	require.NoError(t, err)

	m, err := lib.Method("pw.rpc.EchoService", "Echo")
	require.NoError(t, err)

	byID, err := lib.Lookup(s.ID, m.ID)
	require.NoError(t, err)
	assert.Same(t, m, byID)

	_, err = lib.Lookup(s.ID+1, m.ID)
	assert.True(t, errors.Is(err, ErrUnknownService))
	_, err = lib.Lookup(s.ID, 0)
	assert.True(t, errors.Is(err, ErrUnknownMethod))
	_, err = lib.Method("pw.rpc.EchoService", "Nope")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
}

func TestDuplicateIDs(t *testing.T) {
	_, err := NewService("Dup", &Method{ID: 7, Name: "A"}, &Method{ID: 7, Name: "B"})
	assert.True(t, errors.Is(err, ErrDuplicateID))

	_, err = NewLibrary(newEcho(), newEcho())
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestEncodeDecodeMessages(t *testing.T) {
	m, _ := newEcho().MethodByName("Echo")

	data, err := m.EncodeRequest(wrapperspb.String("ping"))
	require.NoError(t, err)
	req, err := m.DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "ping", req.(*wrapperspb.StringValue).GetValue())

	_, err = m.DecodeResponse([]byte{0xff})
	assert.Error(t, err)
}

func TestRawMethodWithoutMessageTypes(t *testing.T) {
	s := MustService("Raw", &Method{Name: "Blob", Codec: codec.Raw})
	m, _ := s.MethodByName("Blob")

	resp, err := m.DecodeResponse([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, resp)
}
