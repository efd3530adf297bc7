package client

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultUnaryTimeout  = 5 * time.Second
	DefaultStreamTimeout = 0 // streams may be idle indefinitely
)

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUnaryTimeout bounds waits on unary and client streaming calls when
// the caller's context has no deadline. Zero disables it.
func WithUnaryTimeout(d time.Duration) Option {
	return func(c *Client) { c.unaryTimeout = d }
}

// WithStreamTimeout bounds each wait for the next response of server
// streaming and bidirectional calls. Zero disables it.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Client) { c.streamTimeout = d }
}

// WithMetrics registers the client's prometheus collectors and records
// pending and completed calls.
func WithMetrics(enabled bool) Option {
	return func(c *Client) { c.metrics = enabled }
}
