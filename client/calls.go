package client

import (
	"context"
	"iter"

	"google.golang.org/grpc/codes"
)

// UnaryResult is the outcome of a call answered by a single response.
// Response is nil when the server sent a payload that did not decode.
type UnaryResult struct {
	Status   codes.Code
	Response any

	method string
}

// Err returns an *RpcError for a non-OK status, nil otherwise.
func (r UnaryResult) Err() error {
	return statusError(r.method, r.Status)
}

// StreamResult is the outcome of a call answered by a response stream.
type StreamResult struct {
	Status    codes.Code
	Responses []any

	method string
}

func (r StreamResult) Err() error {
	return statusError(r.method, r.Status)
}

func statusError(method string, status codes.Code) error {
	if status == codes.OK {
		return nil
	}
	return &RpcError{Method: method, Status: status}
}

// UnaryCall is one request answered by one response.
type UnaryCall struct {
	*call
}

// Wait blocks until the call completes, ctx is done, or the call's timeout
// elapses. A non-OK status is reported in the result, not as an error.
func (c *UnaryCall) Wait(ctx context.Context) (UnaryResult, error) {
	status, err := c.waitTerminal(ctx)
	if err != nil {
		return UnaryResult{}, err
	}
	return UnaryResult{Status: status, Response: c.lastResponse(), method: c.method.FullName()}, nil
}

// ServerStreamCall is one request answered by a stream of responses.
type ServerStreamCall struct {
	*call
}

// Responses yields responses as they arrive and stops when the stream
// ends. A non-OK terminal status or a failed call is yielded as the final
// error. Each call to Responses continues from where the previous
// iteration stopped; a completed stream yields nothing further.
func (c *ServerStreamCall) Responses(ctx context.Context) iter.Seq2[any, error] {
	return c.responseSeq(ctx)
}

// Wait drains the stream and returns every response received.
func (c *ServerStreamCall) Wait(ctx context.Context) (StreamResult, error) {
	return c.waitStream(ctx)
}

// ClientStreamCall sends a stream of requests answered by one response.
type ClientStreamCall struct {
	*call
}

// Send transmits one request message. It fails with FailedPrecondition
// once the call has completed or the stream was finished.
func (c *ClientStreamCall) Send(msg any) error {
	return c.send(msg)
}

// Finish ends the request stream and waits for the response.
func (c *ClientStreamCall) Finish(ctx context.Context) (UnaryResult, error) {
	if err := c.closeSend(); err != nil {
		c.Cancel()
		return UnaryResult{}, err
	}
	status, err := c.waitTerminal(ctx)
	if err != nil {
		return UnaryResult{}, err
	}
	return UnaryResult{Status: status, Response: c.lastResponse(), method: c.method.FullName()}, nil
}

// BidiStreamCall has independent request and response streams. Send and
// CloseSend may run concurrently with Responses.
type BidiStreamCall struct {
	*call
}

func (c *BidiStreamCall) Send(msg any) error {
	return c.send(msg)
}

// CloseSend tells the server no more requests follow. Responses keep
// arriving until the server ends the stream.
func (c *BidiStreamCall) CloseSend() error {
	return c.closeSend()
}

func (c *BidiStreamCall) Responses(ctx context.Context) iter.Seq2[any, error] {
	return c.responseSeq(ctx)
}

func (c *BidiStreamCall) Wait(ctx context.Context) (StreamResult, error) {
	return c.waitStream(ctx)
}

func (c *call) responseSeq(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for {
			ev, err := c.next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			switch {
			case ev.err != nil:
				yield(nil, ev.err)
				return
			case ev.completed:
				if err := statusError(c.method.FullName(), ev.status); err != nil {
					yield(nil, err)
				}
				return
			}
			if !yield(ev.response, nil) {
				return
			}
		}
	}
}

func (c *call) waitStream(ctx context.Context) (StreamResult, error) {
	status, err := c.waitTerminal(ctx)
	if err != nil {
		return StreamResult{}, err
	}
	return StreamResult{Status: status, Responses: c.Responses(), method: c.method.FullName()}, nil
}
