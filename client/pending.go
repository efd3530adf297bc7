package client

import (
	"fmt"
	"sync"

	"hdlc-rpc/metrics"
)

// pendingKey identifies a call on the wire. Packets carry no call id, so at
// most one call per key may be in flight.
type pendingKey struct {
	channel uint32
	service uint32
	method  uint32
}

func (k pendingKey) String() string {
	return fmt.Sprintf("%d/0x%08x/0x%08x", k.channel, k.service, k.method)
}

// pendingTable is shared by the reader goroutine, which completes calls,
// and caller goroutines, which invoke and cancel them.
type pendingTable struct {
	mu      sync.Mutex
	calls   map[pendingKey]*call
	metrics bool
}

func newPendingTable(withMetrics bool) *pendingTable {
	return &pendingTable{
		calls:   make(map[pendingKey]*call),
		metrics: withMetrics,
	}
}

func (t *pendingTable) register(key pendingKey, c *call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[key]; ok {
		return ErrAlreadyPending
	}
	t.calls[key] = c
	if t.metrics {
		metrics.CallStarted()
	}
	return nil
}

// get looks up the call for key. A terminal lookup also removes it: the
// packet being routed completes the call. Non-terminal lookups leave the
// entry for further response chunks.
func (t *pendingTable) get(key pendingKey, terminal bool) (*call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[key]
	if ok && terminal {
		t.deleteLocked(key)
	}
	return c, ok
}

// remove deletes the entry only if it still belongs to c, so a late cancel
// of an old call cannot evict its successor.
func (t *pendingTable) remove(key pendingKey, c *call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.calls[key]; !ok || cur != c {
		return false
	}
	t.deleteLocked(key)
	return true
}

// drain removes and returns every pending call.
func (t *pendingTable) drain() []*call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*call, 0, len(t.calls))
	for key, c := range t.calls {
		out = append(out, c)
		t.deleteLocked(key)
	}
	return out
}

func (t *pendingTable) snapshot() []*call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c)
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *pendingTable) deleteLocked(key pendingKey) {
	delete(t.calls, key)
	if t.metrics {
		metrics.CallFinished()
	}
}
