// Package server serves RPC methods described by a descriptor.Library.
//
// It is the far end of the client: a device emulator, a test fixture, or
// a bridge in front of real hardware. Each connection runs one reader that
// decodes HDLC frames; every call runs its handler in its own goroutine.
//
//	Accept conn → ServeConn (single reader, HDLC decoder)
//	  → Conn.ProcessPacket
//	    → RPC: start call (go handler) or feed a client stream
//	    → STREAM_END: close the client stream
//	    → CANCEL: cancel the handler's context
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hdlc-rpc/channel"
	"hdlc-rpc/descriptor"
	"hdlc-rpc/hdlc"
	"hdlc-rpc/registry"
)

const DefaultRPCAddress byte = 'R'

type Server struct {
	lib      *descriptor.Library
	logger   *zap.Logger
	mu       sync.Mutex
	handlers map[methodKey]*handler

	rpcAddress        byte
	outputMiddlewares []channel.Middleware

	registry registry.Registry
	device   string
	endpoint registry.Endpoint
	ttl      int64

	wg       sync.WaitGroup // in-flight handlers
	shutdown atomic.Bool
	listener net.Listener
	conns    map[*Conn]struct{}
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRPCAddress(address byte) Option {
	return func(s *Server) { s.rpcAddress = address }
}

// WithOutputMiddleware wraps the output of every connection.
func WithOutputMiddleware(mws ...channel.Middleware) Option {
	return func(s *Server) { s.outputMiddlewares = append(s.outputMiddlewares, mws...) }
}

// WithRegistry advertises endpoint under device while Serve runs.
func WithRegistry(reg registry.Registry, device string, endpoint registry.Endpoint, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.device = device
		s.endpoint = endpoint
		s.ttl = ttl
	}
}

func New(lib *descriptor.Library, opts ...Option) *Server {
	s := &Server{
		lib:        lib,
		logger:     zap.NewNop(),
		handlers:   make(map[methodKey]*handler),
		rpcAddress: DefaultRPCAddress,
		conns:      make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("rpc_server")
	return s
}

// ServeConn serves one byte stream until it fails or ctx is done.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	conn := s.NewConn(channel.HDLCWriter(rw, s.rpcAddress))
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer stop()

	decoder := hdlc.NewDecoder(s.logger)
	buf := make([]byte, 4096)
	for {
		n, err := rw.Read(buf)
		for frame := range decoder.ValidFrames(buf[:n]) {
			if frame.Address() != s.rpcAddress {
				continue // keepalives and other streams
			}
			conn.ProcessPacket(frame.Data())
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || s.shutdown.Load() {
				return nil
			}
			return err
		}
	}
}

// Serve accepts connections on lis until Shutdown. The endpoint is
// registered for discovery first, when a registry is configured.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Register(ctx, s.device, s.endpoint, s.ttl); err != nil {
			return fmt.Errorf("server: register %s: %w", s.endpoint.Addr, err)
		}
		s.logger.Info("registered endpoint", zap.String("device", s.device), zap.String("addr", s.endpoint.Addr))
	}

	for {
		nc, err := lis.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.logger.Debug("accepted connection", zap.Stringer("remote", nc.RemoteAddr()))
		go func() {
			if err := s.ServeConn(ctx, nc); err != nil {
				s.logger.Warn("connection failed", zap.Error(err))
			}
		}()
	}
}

// Shutdown deregisters the endpoint, stops accepting connections, cancels
// calls still in progress and waits up to timeout for their handlers.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.device, s.endpoint.Addr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("server: timeout waiting for handlers to finish")
	}
}

func (s *Server) track(conn *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}
