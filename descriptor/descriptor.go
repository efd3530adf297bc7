// Package descriptor describes the services and methods a client can call.
//
// Descriptors are plain values built by the caller (usually from generated
// code) and handed to client.New or server.New inside a Library. There is
// no global registry: two clients in one process may see different
// services under the same ids.
package descriptor

import (
	"errors"
	"fmt"

	"hdlc-rpc/codec"
)

var (
	ErrUnknownService = errors.New("descriptor: unknown service")
	ErrUnknownMethod  = errors.New("descriptor: unknown method")
	ErrDuplicateID    = errors.New("descriptor: duplicate id")
)

// MethodType is the streaming shape of a method.
type MethodType int

const (
	Unary MethodType = iota
	ServerStreaming
	ClientStreaming
	BidiStreaming
)

func (t MethodType) String() string {
	switch t {
	case Unary:
		return "unary"
	case ServerStreaming:
		return "server_streaming"
	case ClientStreaming:
		return "client_streaming"
	case BidiStreaming:
		return "bidi_streaming"
	default:
		return fmt.Sprintf("MethodType(%d)", int(t))
	}
}

// Method describes one RPC. NewRequest and NewResponse return fresh,
// empty messages for the codec to decode into.
type Method struct {
	ID              uint32
	Name            string
	ClientStreaming bool
	ServerStreaming bool
	Codec           codec.Codec
	NewRequest      func() any
	NewResponse     func() any

	Service *Service // set by NewService
}

func (m *Method) Type() MethodType {
	switch {
	case m.ClientStreaming && m.ServerStreaming:
		return BidiStreaming
	case m.ClientStreaming:
		return ClientStreaming
	case m.ServerStreaming:
		return ServerStreaming
	default:
		return Unary
	}
}

// IsUnary reports whether the method streams in neither direction.
func (m *Method) IsUnary() bool {
	return !m.ClientStreaming && !m.ServerStreaming
}

// FullName is "Service.Method".
func (m *Method) FullName() string {
	if m.Service == nil {
		return m.Name
	}
	return m.Service.Name + "." + m.Name
}

func (m *Method) String() string {
	return m.FullName()
}

func (m *Method) EncodeRequest(v any) ([]byte, error) {
	return m.codec().Marshal(v)
}

func (m *Method) DecodeRequest(data []byte) (any, error) {
	return decodeInto(m.codec(), m.NewRequest, data)
}

func (m *Method) EncodeResponse(v any) ([]byte, error) {
	return m.codec().Marshal(v)
}

func (m *Method) DecodeResponse(data []byte) (any, error) {
	return decodeInto(m.codec(), m.NewResponse, data)
}

func (m *Method) codec() codec.Codec {
	if m.Codec == nil {
		return codec.Proto
	}
	return m.Codec
}

func decodeInto(c codec.Codec, newMsg func() any, data []byte) (any, error) {
	if newMsg == nil {
		var raw []byte
		if err := codec.Raw.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	msg := newMsg()
	if err := c.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Service groups methods under one id.
type Service struct {
	ID      uint32
	Name    string
	Methods []*Method

	byID   map[uint32]*Method
	byName map[string]*Method
}

// NewService builds a service, deriving any unset ids from names.
func NewService(name string, methods ...*Method) (*Service, error) {
	s := &Service{
		ID:      HashName(name),
		Name:    name,
		Methods: methods,
		byID:    make(map[uint32]*Method, len(methods)),
		byName:  make(map[string]*Method, len(methods)),
	}
	for _, m := range methods {
		if m.ID == 0 {
			m.ID = HashName(m.Name)
		}
		if _, ok := s.byID[m.ID]; ok {
			return nil, fmt.Errorf("%w: method %s.%s (0x%08x)", ErrDuplicateID, name, m.Name, m.ID)
		}
		m.Service = s
		s.byID[m.ID] = m
		s.byName[m.Name] = m
	}
	return s, nil
}

// MustService is NewService for static descriptor tables.
func MustService(name string, methods ...*Method) *Service {
	s, err := NewService(name, methods...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Service) MethodByID(id uint32) (*Method, bool) {
	m, ok := s.byID[id]
	return m, ok
}

func (s *Service) MethodByName(name string) (*Method, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// HashName derives a 32-bit id from a service or method name using the
// 65599 polynomial string hash, seeded with the name length.
func HashName(name string) uint32 {
	hash := uint32(len(name))
	coefficient := uint32(65599)
	for i := 0; i < len(name); i++ {
		hash += coefficient * uint32(name[i])
		coefficient *= 65599
	}
	return hash
}
