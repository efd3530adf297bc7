package client

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

var (
	// ErrAlreadyPending means the same (channel, service, method) already has
	// a call in flight. Cancel it before invoking again.
	ErrAlreadyPending  = errors.New("client: call already pending")
	ErrTimeout         = errors.New("client: rpc timed out")
	ErrCancelled       = errors.New("client: call cancelled")
	ErrWrongMethodType = errors.New("client: wrong method type")
	ErrUnknownChannel  = errors.New("client: unknown channel")
	ErrClosed          = errors.New("client: closed")
)

// RpcError reports a call that finished with a non-OK status, either as its
// terminal status or through an ERROR packet from the server.
type RpcError struct {
	Method string
	Status codes.Code
}

func (e *RpcError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc failed: %s", e.Status)
	}
	return fmt.Sprintf("rpc %s failed: %s", e.Method, e.Status)
}

// StatusOf extracts the status carried by err. Timeouts map to
// DeadlineExceeded and cancellations to Canceled; other errors are Unknown.
func StatusOf(err error) codes.Code {
	var rpcErr *RpcError
	switch {
	case err == nil:
		return codes.OK
	case errors.As(err, &rpcErr):
		return rpcErr.Status
	case errors.Is(err, ErrTimeout):
		return codes.DeadlineExceeded
	case errors.Is(err, ErrCancelled):
		return codes.Canceled
	default:
		return codes.Unknown
	}
}
