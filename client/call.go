package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"hdlc-rpc/channel"
	"hdlc-rpc/descriptor"
	"hdlc-rpc/metrics"
	"hdlc-rpc/packet"
)

// Callbacks are invoked on the client's dispatcher, never on the reader
// goroutine. Any of them may be nil.
type Callbacks struct {
	OnNext      func(response any)
	OnCompleted func(status codes.Code)
	OnError     func(err error)
}

type callOptions struct {
	callbacks Callbacks
	timeout   time.Duration
}

// CallOption configures a single invocation.
type CallOption func(*callOptions)

func OnNext(fn func(response any)) CallOption {
	return func(o *callOptions) { o.callbacks.OnNext = fn }
}

func OnCompleted(fn func(status codes.Code)) CallOption {
	return func(o *callOptions) { o.callbacks.OnCompleted = fn }
}

func OnError(fn func(err error)) CallOption {
	return func(o *callOptions) { o.callbacks.OnError = fn }
}

// WithTimeout overrides the client's default wait timeout for this call.
// Zero waits until the context passed to Wait is done.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// event is what the reader goroutine hands to a waiting caller.
type event struct {
	response  any
	completed bool
	status    codes.Code
	err       error
}

// call is the state shared by every call shape.
type call struct {
	client    *Client
	key       pendingKey
	method    *descriptor.Method
	channel   *channel.Channel
	callbacks Callbacks
	timeout   time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	status    codes.Code
	hasStatus bool
	err       error
	responses []any
	sendDone  bool // client stream finished

	sendMu sync.Mutex // serializes client stream writes
	events *queue[event]
}

func (c *call) doneLocked() bool {
	return c.hasStatus || c.err != nil
}

// Status returns the terminal status, or false while the call is in flight.
func (c *call) Status() (codes.Code, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.hasStatus
}

// Err returns the error that ended the call, if any: a server ERROR
// packet, a transport failure, or cancellation.
func (c *call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Responses returns every response received so far, in order.
func (c *call) Responses() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.responses))
	copy(out, c.responses)
	return out
}

// Completed reports whether the call has finished in any way.
func (c *call) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneLocked()
}

func (c *call) Method() *descriptor.Method { return c.method }

func (c *call) ChannelID() uint32 { return c.channel.ID }

func (c *call) String() string {
	return fmt.Sprintf("%s on channel %d", c.method.FullName(), c.channel.ID)
}

// Cancel abandons the call. Streaming calls also tell the server with a
// CANCEL packet; a unary call has nothing the server could stop. Cancel
// returns false if the call had already finished, which makes
//
//	defer call.Cancel()
//
// safe on every exit path.
func (c *call) Cancel() bool {
	c.mu.Lock()
	if c.doneLocked() {
		c.mu.Unlock()
		return false
	}
	c.err = fmt.Errorf("%s: %w", c, ErrCancelled)
	c.events.push(event{err: c.err})
	c.mu.Unlock()

	c.client.cancelCall(c)
	c.recordOutcome("CANCELLED")
	return true
}

func (c *call) handleResponse(resp any) {
	c.mu.Lock()
	if c.doneLocked() {
		c.mu.Unlock()
		return
	}
	c.responses = append(c.responses, resp)
	c.events.push(event{response: resp})
	c.mu.Unlock()

	if fn := c.callbacks.OnNext; fn != nil {
		c.client.dispatcher.dispatch(c.key, func() { fn(resp) })
	}
}

func (c *call) handleCompletion(status codes.Code) {
	c.mu.Lock()
	if c.doneLocked() {
		c.mu.Unlock()
		return
	}
	// Queued under mu: once the call reads as done, its final event is
	// already visible to waiters.
	c.status, c.hasStatus = status, true
	c.events.push(event{completed: true, status: status})
	c.mu.Unlock()

	c.logger.Debug("call completed", zap.Stringer("status", status))
	c.recordOutcome(status.String())
	if fn := c.callbacks.OnCompleted; fn != nil {
		c.client.dispatcher.dispatch(c.key, func() { fn(status) })
	}
}

func (c *call) handleError(err error) {
	c.mu.Lock()
	if c.doneLocked() {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.events.push(event{err: err})
	c.mu.Unlock()

	c.logger.Debug("call failed", zap.Error(err))
	c.recordOutcome("ERROR")
	if fn := c.callbacks.OnError; fn != nil {
		c.client.dispatcher.dispatch(c.key, func() { fn(err) })
	}
}

func (c *call) recordOutcome(outcome string) {
	if c.client.metrics {
		metrics.RecordCallCompleted(c.method.Type().String(), outcome)
	}
}

// next returns the next event for a blocking consumer. A finished call
// with nothing left queued answers immediately from its final state.
//
// Running out of time cancels the call and returns ErrTimeout; any other
// context error also cancels the call before it is returned.
func (c *call) next(ctx context.Context) (event, error) {
	if ev, ok := c.events.tryPop(); ok {
		return ev, nil
	}
	if ev, done := c.finalEvent(); done {
		// Events are queued before a call reads as done, so anything
		// that raced the first tryPop is queued by now.
		if queued, ok := c.events.tryPop(); ok {
			return queued, nil
		}
		return ev, nil
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ev, err := c.events.pop(ctx)
	if err == nil {
		return ev, nil
	}
	if !c.Cancel() {
		// Finished while the wait was expiring: report how it finished.
		if ev, ok := c.events.tryPop(); ok {
			return ev, nil
		}
		ev, _ := c.finalEvent()
		return ev, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return event{}, fmt.Errorf("%s: %w", c, ErrTimeout)
	}
	return event{}, err
}

// finalEvent describes a finished call from its state, for consumers that
// find the event queue already drained.
func (c *call) finalEvent() (event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return event{completed: c.hasStatus, status: c.status, err: c.err}, c.doneLocked()
}

// waitTerminal consumes events until the call finishes.
func (c *call) waitTerminal(ctx context.Context) (codes.Code, error) {
	for {
		ev, err := c.next(ctx)
		if err != nil {
			return codes.Unknown, err
		}
		if ev.err != nil {
			return codes.Unknown, ev.err
		}
		if ev.completed {
			return ev.status, nil
		}
	}
}

// send transmits one client stream message.
func (c *call) send(msg any) error {
	c.mu.Lock()
	if c.doneLocked() || c.sendDone {
		c.mu.Unlock()
		return &RpcError{Method: c.method.FullName(), Status: codes.FailedPrecondition}
	}
	c.mu.Unlock()

	payload, err := c.method.EncodeRequest(msg)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.method, err)
	}
	pkt := packet.Request(c.key.channel, c.key.service, c.key.method, payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.channel.Send(pkt.Encode())
}

// closeSend tells the server no more client messages will follow.
func (c *call) closeSend() error {
	c.mu.Lock()
	if c.doneLocked() || c.sendDone {
		c.mu.Unlock()
		return nil
	}
	c.sendDone = true
	c.mu.Unlock()

	pkt := packet.StreamEnd(c.key.channel, c.key.service, c.key.method, codes.OK)
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.channel.Send(pkt.Encode())
}

func (c *call) lastResponse() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil
	}
	return c.responses[len(c.responses)-1]
}
