package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrPoolExhausted = errors.New("transport: pool exhausted")

// DialFunc opens a transport to addr. It must not start it.
type DialFunc func(ctx context.Context, addr string) (*Transport, error)

// Session is a started transport and the processor reading from it.
type Session[P PacketProcessor] struct {
	Addr      string
	Transport *Transport
	Processor P
}

// Alive reports whether the session's reader is still running.
func (s *Session[P]) Alive() bool {
	select {
	case <-s.Transport.Done():
		return false
	default:
		return true
	}
}

// Pool keeps one session per endpoint address. Calls multiplex over a
// session, so there is never more than one per address; a session whose
// reader has stopped is replaced on the next Get.
type Pool[P PacketProcessor] struct {
	mu       sync.Mutex
	sessions map[string]*Session[P]
	maxConns int
	dial     DialFunc
	bind     func(t *Transport) (P, error)
}

// NewPool creates an empty pool. bind builds the processor for a freshly
// dialed transport, typically a client whose channels write to it.
func NewPool[P PacketProcessor](maxConns int, dial DialFunc, bind func(t *Transport) (P, error)) *Pool[P] {
	return &Pool[P]{
		sessions: make(map[string]*Session[P]),
		maxConns: maxConns,
		dial:     dial,
		bind:     bind,
	}
}

// Get returns the live session for addr, dialing one if needed.
func (p *Pool[P]) Get(ctx context.Context, addr string) (*Session[P], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[addr]; ok {
		if s.Alive() {
			return s, nil
		}
		p.closeSession(s)
		delete(p.sessions, addr)
	}
	if p.maxConns > 0 && len(p.sessions) >= p.maxConns {
		return nil, fmt.Errorf("%w: %d sessions", ErrPoolExhausted, len(p.sessions))
	}

	t, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	proc, err := p.bind(t)
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := t.Start(proc); err != nil {
		t.Close()
		return nil, err
	}
	s := &Session[P]{Addr: addr, Transport: t, Processor: proc}
	p.sessions[addr] = s
	return s, nil
}

func (p *Pool[P]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close shuts every session down.
func (p *Pool[P]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for addr, s := range p.sessions {
		if err := p.closeSession(s); err != nil {
			errs = append(errs, err)
		}
		delete(p.sessions, addr)
	}
	return errors.Join(errs...)
}

func (p *Pool[P]) closeSession(s *Session[P]) error {
	var errs []error
	if c, ok := any(s.Processor).(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.Transport.Close())
	return errors.Join(errs...)
}
