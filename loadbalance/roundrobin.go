package loadbalance

import (
	"sync/atomic"

	"hdlc-rpc/registry"
)

// RoundRobinBalancer cycles through endpoints with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	i := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return &endpoints[i], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round_robin"
}
