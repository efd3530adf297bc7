package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sync"

	"hdlc-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys onto a ring of endpoints. Each endpoint
// owns replicas virtual nodes hashed from "{addr}#{i}"; a key belongs to
// the first node clockwise from its hash.
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]registry.Endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

func (b *ConsistentHashBalancer) Add(ep registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		h := crc32.ChecksumIEEE(fmt.Appendf(nil, "%s#%d", ep.Addr, i))
		if _, ok := b.nodes[h]; !ok {
			b.ring = append(b.ring, h)
		}
		b.nodes[h] = ep
	}
	slices.Sort(b.ring)
}

// Set replaces the ring's endpoints.
func (b *ConsistentHashBalancer) Set(endpoints []registry.Endpoint) {
	b.mu.Lock()
	b.ring = b.ring[:0]
	clear(b.nodes)
	b.mu.Unlock()
	for _, ep := range endpoints {
		b.Add(ep)
	}
}

// Pick returns the endpoint responsible for key.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	h := crc32.ChecksumIEEE([]byte(key))
	i, _ := slices.BinarySearch(b.ring, h)
	if i == len(b.ring) {
		i = 0
	}
	ep := b.nodes[b.ring[i]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

// KeyedBalancer adapts consistent hashing to Balancer by hashing a fixed
// key, such as the caller's name, against the endpoints it is given.
type KeyedBalancer struct {
	Key string
}

func (b *KeyedBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	ring := NewConsistentHashBalancer()
	ring.Set(endpoints)
	return ring.Pick(b.Key)
}

func (b *KeyedBalancer) Name() string {
	return "consistent_hash"
}
