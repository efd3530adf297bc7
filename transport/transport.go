// Package transport runs the reader loop that feeds an RPC client.
//
// A Transport wraps one byte stream (serial port, socket, pipe). Exactly
// one goroutine reads it, pushes the bytes through an HDLC decoder and
// hands every frame addressed to the RPC endpoint to a PacketProcessor.
// Writers share the stream through Output, which serializes whole frames.
//
//	caller-1 ──Send──┐                      ┌──▶ ProcessPacket (client)
//	caller-2 ──Send──┼──▶ stream ──▶ readLoop ┤
//	keepalive ───────┘                      └──▶ FrameHandler (other addresses)
package transport

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
	"hdlc-rpc/hdlc"
	"hdlc-rpc/metrics"
)

const (
	// DefaultRPCAddress is the HDLC address RPC packets travel on.
	DefaultRPCAddress byte = 'R'
	defaultReadSize        = 4096
)

var (
	ErrClosed         = errors.New("transport: closed")
	ErrAlreadyStarted = errors.New("transport: already started")
)

// PacketProcessor consumes RPC packets. *client.Client implements it.
type PacketProcessor interface {
	ProcessPacket(data []byte) bool
}

// aborter is implemented by processors that track calls which must be
// failed when the stream goes away.
type aborter interface {
	AbortPending(err error)
}

// FrameHandler receives valid frames for addresses other than the RPC
// address, such as log output multiplexed onto the same serial line.
type FrameHandler func(frame hdlc.Frame)

type Transport struct {
	rw         io.ReadWriteCloser
	decoder    *hdlc.Decoder
	rpcAddress byte
	onFrame    FrameHandler
	readSize   int
	metrics    bool
	logger     *zap.Logger

	keepaliveAddr     byte
	keepaliveInterval time.Duration

	writeMu sync.Mutex // a frame must reach the stream in one piece

	started  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithRPCAddress(address byte) Option {
	return func(t *Transport) { t.rpcAddress = address }
}

func WithFrameHandler(fn FrameHandler) Option {
	return func(t *Transport) { t.onFrame = fn }
}

func WithReadSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readSize = n
		}
	}
}

// WithKeepalive writes an empty UI frame to address every interval, so an
// idle peer can tell a quiet link from a dead one.
func WithKeepalive(address byte, interval time.Duration) Option {
	return func(t *Transport) {
		t.keepaliveAddr = address
		t.keepaliveInterval = interval
	}
}

// WithMetrics counts decoded frames by status.
func WithMetrics(enabled bool) Option {
	return func(t *Transport) { t.metrics = enabled }
}

func New(rw io.ReadWriteCloser, opts ...Option) *Transport {
	t := &Transport{
		rw:         rw,
		rpcAddress: DefaultRPCAddress,
		readSize:   defaultReadSize,
		logger:     zap.NewNop(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("transport")
	t.decoder = hdlc.NewDecoder(t.logger)
	if t.metrics {
		metrics.Register()
	}
	return t
}

// Dial connects to a socket endpoint.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// Pipe returns a transport connected to an in-memory peer. Whatever the
// peer writes, the transport reads, and the reverse.
func Pipe(opts ...Option) (*Transport, net.Conn) {
	local, remote := net.Pipe()
	return New(local, opts...), remote
}

// Output returns an OutputFunc that writes each packet as a UI frame for
// address. Every output of one transport shares its write lock.
func (t *Transport) Output(address byte) channel.OutputFunc {
	return func(data []byte) error {
		return t.writeFrame(address, data)
	}
}

// RPCOutput is Output for the RPC address.
func (t *Transport) RPCOutput() channel.OutputFunc {
	return t.Output(t.rpcAddress)
}

func (t *Transport) writeFrame(address byte, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return hdlc.WriteUIFrame(t.rw, address, data)
}

// Start launches the reader goroutine, and the keepalive loop if one is
// configured. It may be called once.
func (t *Transport) Start(p PacketProcessor) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go t.readLoop(p)
	if t.keepaliveInterval > 0 {
		go t.keepaliveLoop()
	}
	return nil
}

// Done is closed once the reader goroutine has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the reader stopped. Valid after Done is closed.
func (t *Transport) Err() error {
	<-t.done
	return t.err
}

// Close closes the stream, which stops the reader.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.rw.Close()
	if !t.started.Load() {
		t.finish(ErrClosed)
	}
	return err
}

func (t *Transport) readLoop(p PacketProcessor) {
	buf := make([]byte, t.readSize)
	for {
		n, err := t.rw.Read(buf)
		for frame := range t.decoder.Frames(buf[:n]) {
			t.handleFrame(p, frame)
		}
		if err != nil {
			t.stop(p, err)
			return
		}
	}
}

func (t *Transport) handleFrame(p PacketProcessor, frame hdlc.Frame) {
	if t.metrics {
		metrics.RecordFrame(frame.Status().String())
	}
	if !frame.OK() {
		t.logger.Warn("dropped invalid frame",
			zap.Stringer("status", frame.Status()),
			zap.Int("discarded", len(frame.Raw())+frame.Discarded()))
		return
	}
	if frame.Address() == t.rpcAddress {
		if !p.ProcessPacket(frame.Data()) {
			t.logger.Warn("frame on RPC address did not hold a packet", zap.Int("size", len(frame.Data())))
		}
		return
	}
	if t.onFrame != nil {
		t.onFrame(frame)
		return
	}
	t.logger.Debug("ignoring frame", zap.Uint8("address", frame.Address()), zap.Int("size", len(frame.Data())))
}

func (t *Transport) stop(p PacketProcessor, err error) {
	if t.closed.Load() {
		err = ErrClosed
	} else if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	t.logger.Debug("reader stopped", zap.Error(err))
	if a, ok := p.(aborter); ok {
		a.AbortPending(err)
	}
	t.finish(err)
}

func (t *Transport) finish(err error) {
	t.doneOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(t.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.writeFrame(t.keepaliveAddr, nil); err != nil {
				t.logger.Debug("keepalive stopped", zap.Error(err))
				return
			}
		}
	}
}
