package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPendingTable(t *testing.T) {
	tbl := newPendingTable(false)
	key := pendingKey{channel: 1, service: 2, method: 3}
	a, b := &call{}, &call{}

	require.NoError(t, tbl.register(key, a))
	assert.True(t, errors.Is(tbl.register(key, b), ErrAlreadyPending))

	got, ok := tbl.get(key, false)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, tbl.len(), "non-terminal lookup keeps the entry")

	got, ok = tbl.get(key, true)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 0, tbl.len(), "terminal lookup removes the entry")

	_, ok = tbl.get(key, true)
	assert.False(t, ok)
}

func TestPendingRemoveOnlySameCall(t *testing.T) {
	tbl := newPendingTable(false)
	key := pendingKey{channel: 1}
	old, cur := &call{}, &call{}

	require.NoError(t, tbl.register(key, cur))
	assert.False(t, tbl.remove(key, old))
	assert.Equal(t, 1, tbl.len())
	assert.True(t, tbl.remove(key, cur))
	assert.False(t, tbl.remove(key, cur))
}

func TestPendingDrain(t *testing.T) {
	tbl := newPendingTable(false)
	for i := uint32(0); i < 5; i++ {
		require.NoError(t, tbl.register(pendingKey{method: i}, &call{}))
	}
	assert.Len(t, tbl.snapshot(), 5)
	assert.Len(t, tbl.drain(), 5)
	assert.Equal(t, 0, tbl.len())
}

func TestQueueOrderAndBlocking(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 3; i++ {
		q.push(i)
	}
	for i := 0; i < 3; i++ {
		v, err := q.pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.push(42)
	}()
	v, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestQueueManyConsumers(t *testing.T) {
	q := newQueue[int]()
	const n = 100

	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				v, err := q.pop(ctx)
				cancel()
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}
	for i := 0; i < n; i++ {
		q.push(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		seen[v] = true
	}
	assert.Len(t, seen, n)
}

func TestDispatcherOrderPerKey(t *testing.T) {
	d := newDispatcher(zaptest.NewLogger(t))
	defer d.close()

	key := pendingKey{channel: 1, service: 2, method: 3}
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		d.dispatch(key, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 49 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDispatcherKeysRunIndependently(t *testing.T) {
	d := newDispatcher(zaptest.NewLogger(t))
	release := make(chan struct{})
	d.dispatch(pendingKey{method: 1}, func() { <-release })

	ran := make(chan struct{})
	d.dispatch(pendingKey{method: 2}, func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("callback waited for another key")
	}
	close(release)
	d.close()
}

func TestDispatcherCloseWaitsForQueued(t *testing.T) {
	d := newDispatcher(zaptest.NewLogger(t))
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		d.dispatch(pendingKey{method: uint32(i % 3)}, func() {
			time.Sleep(time.Millisecond)
			n.Add(1)
		})
	}
	d.close()
	assert.Equal(t, int32(10), n.Load())

	// After close callbacks still run.
	done := make(chan struct{})
	d.dispatch(pendingKey{}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback after close did not run")
	}
}
