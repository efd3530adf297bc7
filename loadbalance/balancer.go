// Package loadbalance picks which endpoint of a device a client dials.
//
//   - RoundRobin:     equal endpoints, spread sessions evenly
//   - WeightedRandom: endpoints of different capacity (a bridge in front
//     of several boards, an emulator on a bigger host)
//   - ConsistentHash: keep a given caller on the same endpoint, so
//     pending-call state and open streams stay on one link
package loadbalance

import (
	"errors"
	"fmt"

	"hdlc-rpc/registry"
)

var ErrNoEndpoints = registry.ErrNoEndpoints

// Balancer chooses one endpoint per dial. Implementations are safe for
// concurrent use.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

var errUnknownStrategy = errors.New("loadbalance: unknown strategy")

// New returns the balancer for a strategy name as written in config
// files: "round_robin", "weighted_random" or "consistent_hash". key is
// only used by consistent_hash.
func New(strategy, key string) (Balancer, error) {
	switch strategy {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return &KeyedBalancer{Key: key}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownStrategy, strategy)
	}
}
