package loadbalance

import (
	"math/rand/v2"

	"hdlc-rpc/registry"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// their weight. Endpoints with weight <= 0 count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}
	r := rand.IntN(total)
	for i := range endpoints {
		r -= weight(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return &endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}

func weight(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}
