// Package registry advertises where RPC devices can be reached.
//
// A device (an emulator, a bridge to a serial board) serves RPCs on one or
// more socket endpoints. Servers register their endpoint under the device
// name; clients discover the endpoints and pick one with a loadbalance
// strategy.
package registry

import (
	"context"
	"errors"
)

var ErrNoEndpoints = errors.New("registry: no endpoints")

// Endpoint is one reachable RPC server for a device.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // for weighted load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, device string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, device, addr string) error
	Discover(ctx context.Context, device string) ([]Endpoint, error)
	// Watch emits the full endpoint list whenever it changes, until ctx
	// is done.
	Watch(ctx context.Context, device string) <-chan []Endpoint
}
