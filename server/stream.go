package server

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc/codes"

	"hdlc-rpc/packet"
)

// Stream is a handler's view of a streaming call.
type Stream struct {
	conn *Conn
	call *serverCall
}

func (s *Stream) Context() context.Context {
	return s.call.ctx
}

// Send writes one response to the client. It fails once the client has
// cancelled the call.
func (s *Stream) Send(msg any) error {
	if err := s.call.ctx.Err(); err != nil {
		return err
	}
	payload, err := s.call.handler.method.EncodeResponse(msg)
	if err != nil {
		return err
	}
	k := s.call.key
	return s.conn.send(packet.Response(k.channel, k.service, k.method, payload, codes.OK))
}

// Recv returns the next client message, or io.EOF once the client has
// finished its stream.
func (s *Stream) Recv() (any, error) {
	return s.call.inbox.pop(s.call.ctx)
}

// inbox buffers client stream messages. The connection's reader pushes
// without blocking; the handler goroutine pops.
type inbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	ready  chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (b *inbox) push(msg any) {
	b.mu.Lock()
	if !b.closed {
		b.items = append(b.items, msg)
	}
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) pop(ctx context.Context) (any, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			msg := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			return msg, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *inbox) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
