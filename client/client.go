// Package client multiplexes RPC calls over numbered channels.
//
// A Client owns the pending-call table for its channels. Outbound, a
// MethodClient registers a call and writes the request through the call's
// channel. Inbound, whatever reads the transport hands each decoded HDLC
// payload to ProcessPacket, which finds the call the packet belongs to and
// updates it. Callers then either block on the call (Wait, Responses) or
// receive callbacks on the client's dispatcher.
//
//	cc, _ := c.Channel(1)
//	mc, _ := cc.Method("pw.rpc.EchoService", "Echo")
//	call, err := mc.InvokeUnary(req)
//	if err != nil { ... }
//	defer call.Cancel()
//	res, err := call.Wait(ctx)
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hdlc-rpc/channel"
	"hdlc-rpc/descriptor"
	"hdlc-rpc/metrics"
	"hdlc-rpc/packet"
)

type Client struct {
	channels   map[uint32]*channel.Channel
	lib        *descriptor.Library
	pending    *pendingTable
	dispatcher *dispatcher
	logger     *zap.Logger

	unaryTimeout  time.Duration
	streamTimeout time.Duration
	metrics       bool

	closed atomic.Bool
}

func New(channels []*channel.Channel, lib *descriptor.Library, opts ...Option) (*Client, error) {
	if lib == nil {
		return nil, errors.New("client: nil library")
	}
	c := &Client{
		channels:      make(map[uint32]*channel.Channel, len(channels)),
		lib:           lib,
		logger:        zap.NewNop(),
		unaryTimeout:  DefaultUnaryTimeout,
		streamTimeout: DefaultStreamTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, ch := range channels {
		if _, ok := c.channels[ch.ID]; ok {
			return nil, fmt.Errorf("client: duplicate channel %d", ch.ID)
		}
		c.channels[ch.ID] = ch
	}
	if c.metrics {
		metrics.Register()
	}
	c.logger = c.logger.Named("rpc_client")
	c.pending = newPendingTable(c.metrics)
	c.dispatcher = newDispatcher(c.logger)
	return c, nil
}

// Channel returns the invocation handle for one channel.
func (c *Client) Channel(id uint32) (*ChannelClient, error) {
	ch, ok := c.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return &ChannelClient{client: c, channel: ch}, nil
}

// Pending returns the number of calls in flight.
func (c *Client) Pending() int {
	return c.pending.len()
}

// ProcessPacket routes one inbound packet to its pending call. It returns
// false only when data is not a packet at all. Packets for unknown
// channels, methods or calls are logged and dropped: late and duplicate
// packets are normal on a lossy link.
func (c *Client) ProcessPacket(data []byte) bool {
	pkt, err := packet.Decode(data)
	if err != nil {
		c.logger.Warn("dropping undecodable packet", zap.Int("size", len(data)), zap.Error(err))
		c.dropped("decode")
		return false
	}
	if _, ok := c.channels[pkt.ChannelID]; !ok {
		c.logger.Warn("packet for unknown channel", zap.Stringer("packet", pkt))
		c.dropped("unknown_channel")
		return true
	}
	method, err := c.lib.Lookup(pkt.ServiceID, pkt.MethodID)
	if err != nil {
		c.logger.Warn("packet for unknown method", zap.Stringer("packet", pkt), zap.Error(err))
		c.dropped("unknown_method")
		return true
	}
	if pkt.Type == packet.TypeCancel {
		c.logger.Warn("client received a CANCEL packet", zap.Stringer("packet", pkt))
		c.dropped("unexpected_type")
		return true
	}

	terminal := pkt.IsTerminal() || !method.ServerStreaming
	var resp any
	if pkt.Type == packet.TypeRPC {
		if resp, err = method.DecodeResponse(pkt.Payload); err != nil {
			c.logger.Warn("failed to decode response",
				zap.Stringer("method", method), zap.Int("size", len(pkt.Payload)), zap.Error(err))
			resp = nil
		}
	}

	key := pendingKey{channel: pkt.ChannelID, service: pkt.ServiceID, method: pkt.MethodID}
	call, ok := c.pending.get(key, terminal)
	if !ok {
		c.logger.Debug("no pending call for packet", zap.Stringer("packet", pkt))
		c.dropped("not_pending")
		return true
	}

	switch pkt.Type {
	case packet.TypeError:
		call.handleError(&RpcError{Method: method.FullName(), Status: pkt.Status})
	case packet.TypeStreamEnd:
		call.handleCompletion(pkt.Status)
	default:
		call.handleResponse(resp)
		if terminal {
			call.handleCompletion(pkt.Status)
		}
	}
	return true
}

// AbortPending fails every pending call with err, typically because the
// transport underneath the client went away.
func (c *Client) AbortPending(err error) {
	calls := c.pending.drain()
	if len(calls) > 0 {
		c.logger.Warn("aborting pending calls", zap.Int("calls", len(calls)), zap.Error(err))
	}
	for _, call := range calls {
		call.handleError(fmt.Errorf("%s: %w", call, err))
	}
}

// Close cancels every pending call and waits for callbacks already queued
// to return. It must not be called from a callback.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, call := range c.pending.snapshot() {
		call.Cancel()
	}
	c.dispatcher.close()
	return nil
}

// cancelCall removes c from the table. Only streaming calls are cancelled
// on the wire; the server cannot observe a unary cancellation.
func (c *Client) cancelCall(call *call) {
	if !c.pending.remove(call.key, call) {
		return
	}
	if call.method.IsUnary() {
		return
	}
	pkt := packet.Cancel(call.key.channel, call.key.service, call.key.method)
	if err := call.channel.Send(pkt.Encode()); err != nil {
		call.logger.Warn("failed to send cancel", zap.Error(err))
	}
}

func (c *Client) dropped(reason string) {
	if c.metrics {
		metrics.RecordDroppedPacket(reason)
	}
}

// ChannelClient invokes methods over one channel.
type ChannelClient struct {
	client  *Client
	channel *channel.Channel
}

func (cc *ChannelClient) ID() uint32 { return cc.channel.ID }

// Method returns the invocation handle for service.method.
func (cc *ChannelClient) Method(service, method string) (*MethodClient, error) {
	m, err := cc.client.lib.Method(service, method)
	if err != nil {
		return nil, err
	}
	return &MethodClient{client: cc.client, channel: cc.channel, method: m}, nil
}

// MethodClient starts calls of one method on one channel.
type MethodClient struct {
	client  *Client
	channel *channel.Channel
	method  *descriptor.Method
}

func (mc *MethodClient) Method() *descriptor.Method { return mc.method }

func (mc *MethodClient) InvokeUnary(req any, opts ...CallOption) (*UnaryCall, error) {
	c, err := mc.invoke(descriptor.Unary, req, true, opts)
	if err != nil {
		return nil, err
	}
	return &UnaryCall{c}, nil
}

func (mc *MethodClient) InvokeServerStream(req any, opts ...CallOption) (*ServerStreamCall, error) {
	c, err := mc.invoke(descriptor.ServerStreaming, req, true, opts)
	if err != nil {
		return nil, err
	}
	return &ServerStreamCall{c}, nil
}

// InvokeClientStream opens the call. Requests follow through Send.
func (mc *MethodClient) InvokeClientStream(opts ...CallOption) (*ClientStreamCall, error) {
	c, err := mc.invoke(descriptor.ClientStreaming, nil, false, opts)
	if err != nil {
		return nil, err
	}
	return &ClientStreamCall{c}, nil
}

func (mc *MethodClient) InvokeBidiStream(opts ...CallOption) (*BidiStreamCall, error) {
	c, err := mc.invoke(descriptor.BidiStreaming, nil, false, opts)
	if err != nil {
		return nil, err
	}
	return &BidiStreamCall{c}, nil
}

// Unary invokes the method and waits for its result. The call is
// cancelled if ctx ends first.
func (mc *MethodClient) Unary(ctx context.Context, req any, opts ...CallOption) (UnaryResult, error) {
	call, err := mc.InvokeUnary(req, opts...)
	if err != nil {
		return UnaryResult{}, err
	}
	defer call.Cancel()
	return call.Wait(ctx)
}

// ServerStream invokes the method and collects the whole stream.
func (mc *MethodClient) ServerStream(ctx context.Context, req any, opts ...CallOption) (StreamResult, error) {
	call, err := mc.InvokeServerStream(req, opts...)
	if err != nil {
		return StreamResult{}, err
	}
	defer call.Cancel()
	return call.Wait(ctx)
}

func (mc *MethodClient) invoke(want descriptor.MethodType, req any, hasReq bool, opts []CallOption) (*call, error) {
	cl := mc.client
	if cl.closed.Load() {
		return nil, ErrClosed
	}
	if typ := mc.method.Type(); typ != want {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrWrongMethodType, mc.method, typ, want)
	}

	var payload []byte
	if hasReq {
		var err error
		if payload, err = mc.method.EncodeRequest(req); err != nil {
			return nil, fmt.Errorf("encode %s request: %w", mc.method, err)
		}
	}

	o := callOptions{timeout: cl.unaryTimeout}
	if mc.method.ServerStreaming {
		o.timeout = cl.streamTimeout
	}
	for _, opt := range opts {
		opt(&o)
	}

	key := pendingKey{channel: mc.channel.ID, service: mc.method.Service.ID, method: mc.method.ID}
	c := &call{
		client:    cl,
		key:       key,
		method:    mc.method,
		channel:   mc.channel,
		callbacks: o.callbacks,
		timeout:   o.timeout,
		logger: cl.logger.With(
			zap.Uint32("channel", key.channel),
			zap.String("method", mc.method.FullName())),
		events: newQueue[event](),
	}
	if err := cl.pending.register(key, c); err != nil {
		return nil, fmt.Errorf("%s: %w", c, err)
	}

	pkt := packet.Request(key.channel, key.service, key.method, payload)
	if err := mc.channel.Send(pkt.Encode()); err != nil {
		cl.pending.remove(key, c)
		return nil, fmt.Errorf("send %s: %w", c, err)
	}
	c.logger.Debug("call started", zap.Stringer("type", want))
	return c, nil
}
