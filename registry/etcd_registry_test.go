package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Set HDLCRPC_ETCD_ENDPOINTS (comma separated) to run against a live etcd.
func newEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("HDLCRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("HDLCRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx := context.Background()
	device := "test-device-" + time.Now().Format("150405.000")

	ep1 := Endpoint{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	ep2 := Endpoint{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, device, ep1, 10))
	require.NoError(t, reg.Register(ctx, device, ep2, 10))

	eps, err := reg.Discover(ctx, device)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Endpoint{ep1, ep2}, eps)

	reg.mu.Lock()
	lease := reg.leases[devicePrefix(device)+ep1.Addr].lease
	reg.mu.Unlock()

	require.NoError(t, reg.Deregister(ctx, device, ep1.Addr))
	eps, err = reg.Discover(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{ep2}, eps)

	ttl, err := reg.client.TimeToLive(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl.TTL, "deregistering revokes the lease")

	require.NoError(t, reg.Deregister(ctx, device, ep2.Addr))
}

func TestEtcdLeaseBookkeeping(t *testing.T) {
	reg := &EtcdRegistry{leases: make(map[string]registration)}
	key := devicePrefix("board") + "127.0.0.1:9000"

	first, stopFirst := context.WithCancel(context.Background())
	_, replaced := reg.remember(key, registration{lease: 1, stop: stopFirst})
	assert.False(t, replaced)

	_, stopSecond := context.WithCancel(context.Background())
	prev, replaced := reg.remember(key, registration{lease: 2, stop: stopSecond})
	require.True(t, replaced)
	assert.Equal(t, int64(1), int64(prev.lease))
	prev.stop()
	assert.Error(t, first.Err(), "the replaced keepalive is stopped")

	got, ok := reg.forget(key)
	require.True(t, ok)
	assert.Equal(t, int64(2), int64(got.lease))
	_, ok = reg.forget(key)
	assert.False(t, ok)
	got.stop()
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "board")
	ep := Endpoint{Addr: "127.0.0.1:9000", Weight: 1}
	require.NoError(t, reg.Register(ctx, "board", ep, 10))
	require.NoError(t, reg.Register(ctx, "board", ep, 10))

	eps, err := reg.Discover(ctx, "board")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{ep}, eps, "re-registering replaces the entry")

	select {
	case got := <-updates:
		assert.Equal(t, []Endpoint{ep}, got)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, "board", ep.Addr))
	eps, err = reg.Discover(ctx, "board")
	require.NoError(t, err)
	assert.Empty(t, eps)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 5*time.Millisecond)
}
