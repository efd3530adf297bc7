package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"hdlc-rpc/descriptor"
)

var ErrWrongMethodType = errors.New("server: wrong method type")

// UnaryHandler answers one request with one response.
type UnaryHandler func(ctx context.Context, req any) (any, codes.Code)

// ServerStreamHandler answers one request with any number of Stream.Send
// calls, then returns the terminal status.
type ServerStreamHandler func(ctx context.Context, req any, stream *Stream) codes.Code

// ClientStreamHandler reads requests with Stream.Recv until io.EOF and
// answers with one response.
type ClientStreamHandler func(ctx context.Context, stream *Stream) (any, codes.Code)

// BidiStreamHandler reads and sends independently.
type BidiStreamHandler func(ctx context.Context, stream *Stream) codes.Code

type methodKey struct {
	service uint32
	method  uint32
}

// handler binds one implementation to its method descriptor. Exactly one
// of the function fields is set, matching method.Type().
type handler struct {
	method       *descriptor.Method
	unary        UnaryHandler
	serverStream ServerStreamHandler
	clientStream ClientStreamHandler
	bidi         BidiStreamHandler
}

func (s *Server) RegisterUnary(service, method string, fn UnaryHandler) error {
	return s.register(service, method, descriptor.Unary, &handler{unary: fn})
}

func (s *Server) RegisterServerStream(service, method string, fn ServerStreamHandler) error {
	return s.register(service, method, descriptor.ServerStreaming, &handler{serverStream: fn})
}

func (s *Server) RegisterClientStream(service, method string, fn ClientStreamHandler) error {
	return s.register(service, method, descriptor.ClientStreaming, &handler{clientStream: fn})
}

func (s *Server) RegisterBidiStream(service, method string, fn BidiStreamHandler) error {
	return s.register(service, method, descriptor.BidiStreaming, &handler{bidi: fn})
}

func (s *Server) register(service, method string, want descriptor.MethodType, h *handler) error {
	m, err := s.lib.Method(service, method)
	if err != nil {
		return err
	}
	if typ := m.Type(); typ != want {
		return fmt.Errorf("%w: %s is %s, not %s", ErrWrongMethodType, m, typ, want)
	}
	h.method = m

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[methodKey{service: m.Service.ID, method: m.ID}] = h
	return nil
}

func (s *Server) lookup(serviceID, methodID uint32) (*handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[methodKey{service: serviceID, method: methodID}]
	return h, ok
}
