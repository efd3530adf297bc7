package client

import (
	"sync"

	"go.uber.org/zap"
)

// dispatcher runs user callbacks off the reader goroutine. Each call gets
// a short-lived goroutine that drains its queued callbacks in order and
// exits when none are left, so a slow callback only delays later
// callbacks of the same call.
type dispatcher struct {
	mu      sync.Mutex
	pending map[pendingKey][]func() // present while a runner is active
	closed  bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		pending: make(map[pendingKey][]func()),
		logger:  logger,
	}
}

func (d *dispatcher) dispatch(key pendingKey, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		go d.invoke(fn)
		return
	}
	fns, running := d.pending[key]
	d.pending[key] = append(fns, fn)
	if !running {
		d.wg.Add(1)
		go d.run(key)
	}
}

func (d *dispatcher) run(key pendingKey) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		fns := d.pending[key]
		if len(fns) == 0 {
			delete(d.pending, key)
			d.mu.Unlock()
			return
		}
		d.pending[key] = nil
		d.mu.Unlock()

		for _, fn := range fns {
			d.invoke(fn)
		}
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("rpc callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// close waits for every queued callback to return. Callbacks dispatched
// afterwards still run, without ordering.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
