package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host
// setups. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	devices  map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		devices:  make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, device string, ep Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := slices.DeleteFunc(m.devices[device], func(e Endpoint) bool { return e.Addr == ep.Addr })
	m.devices[device] = append(eps, ep)
	m.notifyLocked(device)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, device, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device] = slices.DeleteFunc(m.devices[device], func(e Endpoint) bool { return e.Addr == addr })
	m.notifyLocked(device)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, device string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.devices[device]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, device string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	m.watchers[device] = append(m.watchers[device], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[device] = slices.DeleteFunc(m.watchers[device], func(c chan []Endpoint) bool { return c == ch })
		close(ch)
	}()
	return ch
}

// notifyLocked delivers the latest list, replacing one the watcher has
// not read yet.
func (m *MemoryRegistry) notifyLocked(device string) {
	eps := slices.Clone(m.devices[device])
	for _, ch := range m.watchers[device] {
		select {
		case <-ch:
		default:
		}
		ch <- eps
	}
}
