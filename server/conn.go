package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"hdlc-rpc/channel"
	"hdlc-rpc/packet"
)

type callKey struct {
	channel uint32
	service uint32
	method  uint32
}

// serverCall is one in-flight call on a connection.
type serverCall struct {
	key     callKey
	handler *handler
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   *inbox
}

// Conn serves the calls of one client. Packets arrive through
// ProcessPacket and responses leave through the connection's output.
type Conn struct {
	srv    *Server
	out    channel.OutputFunc
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	calls map[callKey]*serverCall
}

// NewConn creates a connection that writes encoded packets to out.
func (s *Server) NewConn(out channel.OutputFunc) *Conn {
	if len(s.outputMiddlewares) > 0 {
		out = channel.Chain(s.outputMiddlewares...)(out)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		srv:    s,
		out:    out,
		logger: s.logger,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[callKey]*serverCall),
	}
}

// ProcessPacket handles one packet from the client. It returns false if
// data is not a packet.
func (c *Conn) ProcessPacket(data []byte) bool {
	pkt, err := packet.Decode(data)
	if err != nil {
		c.logger.Warn("dropping undecodable packet", zap.Error(err))
		return false
	}
	key := callKey{channel: pkt.ChannelID, service: pkt.ServiceID, method: pkt.MethodID}

	switch pkt.Type {
	case packet.TypeRPC:
		c.handleRequest(key, pkt)
	case packet.TypeStreamEnd:
		if sc, ok := c.active(key); ok {
			sc.inbox.close()
		}
	case packet.TypeCancel:
		c.mu.Lock()
		sc, ok := c.calls[key]
		if ok {
			delete(c.calls, key)
		}
		c.mu.Unlock()
		if ok {
			c.logger.Debug("call cancelled by client", zap.Stringer("method", sc.handler.method))
			sc.cancel()
		}
	default:
		c.logger.Warn("unexpected packet from client", zap.Stringer("packet", pkt))
	}
	return true
}

func (c *Conn) handleRequest(key callKey, pkt packet.Packet) {
	h, ok := c.srv.lookup(pkt.ServiceID, pkt.MethodID)
	if !ok {
		c.logger.Warn("request for unknown method", zap.Stringer("packet", pkt))
		c.sendError(key, codes.NotFound)
		return
	}

	c.mu.Lock()
	sc, active := c.calls[key]
	if active && h.method.ClientStreaming {
		c.mu.Unlock()
		msg, err := h.method.DecodeRequest(pkt.Payload)
		if err != nil {
			c.logger.Warn("bad client stream message", zap.Stringer("method", h.method), zap.Error(err))
			c.abort(sc, codes.DataLoss)
			return
		}
		sc.inbox.push(msg)
		return
	}
	if active {
		// A new request for the same call replaces the old one.
		delete(c.calls, key)
		sc.cancel()
	}

	var req any
	if !h.method.ClientStreaming {
		var err error
		if req, err = h.method.DecodeRequest(pkt.Payload); err != nil {
			c.mu.Unlock()
			c.logger.Warn("bad request", zap.Stringer("method", h.method), zap.Error(err))
			c.sendError(key, codes.DataLoss)
			return
		}
	}
	ctx, cancel := context.WithCancel(c.ctx)
	sc = &serverCall{key: key, handler: h, ctx: ctx, cancel: cancel, inbox: newInbox()}
	c.calls[key] = sc
	c.mu.Unlock()

	c.srv.wg.Add(1)
	go c.run(sc, req)
}

func (c *Conn) run(sc *serverCall, req any) {
	defer c.srv.wg.Done()
	defer c.finish(sc)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", zap.Stringer("method", sc.handler.method), zap.Any("panic", r))
			c.reply(sc, packet.Error(sc.key.channel, sc.key.service, sc.key.method, codes.Internal))
		}
	}()

	h := sc.handler
	stream := &Stream{conn: c, call: sc}
	switch {
	case h.unary != nil:
		resp, status := h.unary(sc.ctx, req)
		c.respond(sc, resp, status)
	case h.serverStream != nil:
		status := h.serverStream(sc.ctx, req, stream)
		c.reply(sc, packet.StreamEnd(sc.key.channel, sc.key.service, sc.key.method, status))
	case h.clientStream != nil:
		resp, status := h.clientStream(sc.ctx, stream)
		c.respond(sc, resp, status)
	case h.bidi != nil:
		status := h.bidi(sc.ctx, stream)
		c.reply(sc, packet.StreamEnd(sc.key.channel, sc.key.service, sc.key.method, status))
	}
}

func (c *Conn) respond(sc *serverCall, resp any, status codes.Code) {
	var payload []byte
	if resp != nil {
		var err error
		if payload, err = sc.handler.method.EncodeResponse(resp); err != nil {
			c.logger.Error("failed to encode response", zap.Stringer("method", sc.handler.method), zap.Error(err))
			c.reply(sc, packet.Error(sc.key.channel, sc.key.service, sc.key.method, codes.Internal))
			return
		}
	}
	c.reply(sc, packet.Response(sc.key.channel, sc.key.service, sc.key.method, payload, status))
}

// reply sends the final packet of a call unless the client cancelled it.
// The call leaves the table first so the client may start the next call
// under the same key as soon as the reply arrives.
func (c *Conn) reply(sc *serverCall, pkt packet.Packet) {
	c.finish(sc)
	if sc.ctx.Err() != nil {
		return
	}
	if err := c.send(pkt); err != nil {
		c.logger.Warn("failed to send reply", zap.Stringer("packet", pkt), zap.Error(err))
	}
}

// abort ends an active call with an ERROR packet.
func (c *Conn) abort(sc *serverCall, status codes.Code) {
	c.reply(sc, packet.Error(sc.key.channel, sc.key.service, sc.key.method, status))
	sc.cancel()
}

func (c *Conn) finish(sc *serverCall) {
	c.mu.Lock()
	if cur, ok := c.calls[sc.key]; ok && cur == sc {
		delete(c.calls, sc.key)
	}
	c.mu.Unlock()
}

func (c *Conn) active(key callKey) (*serverCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.calls[key]
	return sc, ok
}

func (c *Conn) sendError(key callKey, status codes.Code) {
	if err := c.send(packet.Error(key.channel, key.service, key.method, status)); err != nil {
		c.logger.Warn("failed to send error", zap.Error(err))
	}
}

func (c *Conn) send(pkt packet.Packet) error {
	if err := c.out(pkt.Encode()); err != nil {
		return fmt.Errorf("send %s: %w", pkt.Type, err)
	}
	return nil
}

// Close cancels every call on the connection.
func (c *Conn) Close() {
	c.cancel()
	c.mu.Lock()
	clear(c.calls)
	c.mu.Unlock()
}

// Active returns the number of calls in progress.
func (c *Conn) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
