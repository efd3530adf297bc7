package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/hdlc-rpc/"

// EtcdRegistry keeps endpoints in etcd under /hdlc-rpc/{device}/{addr}.
// Registrations hold a TTL lease renewed by KeepAlive, so a server that
// dies disappears once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // by key
}

// registration is a lease this registry granted and keeps alive.
type registration struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc // ends the KeepAlive stream
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger.Named("registry"),
		leases: make(map[string]registration),
	}, nil
}

func devicePrefix(device string) string {
	return keyPrefix + device + "/"
}

// Register stores ep with a lease of ttl seconds and keeps the lease alive
// in the background. Each endpoint gets its own lease, so one registry may
// register several endpoints; registering an address again replaces its
// lease.
func (r *EtcdRegistry) Register(ctx context.Context, device string, ep Endpoint, ttl int64) error {
	key := devicePrefix(device) + ep.Addr
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", ep.Addr, err)
	}

	// KeepAlive outlives the registration request.
	kaCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("device", device), zap.String("addr", ep.Addr))
	}()

	if prev, ok := r.remember(key, registration{lease: lease.ID, stop: stop}); ok {
		r.revoke(ctx, prev)
	}
	return nil
}

// Deregister removes the endpoint. A lease granted by this registry is
// revoked, which also stops its keepalive.
func (r *EtcdRegistry) Deregister(ctx context.Context, device, addr string) error {
	key := devicePrefix(device) + addr
	if reg, ok := r.forget(key); ok {
		r.revoke(ctx, reg)
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", addr, err)
	}
	return nil
}

func (r *EtcdRegistry) remember(key string, reg registration) (registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.leases[key]
	r.leases[key] = reg
	return prev, ok
}

func (r *EtcdRegistry) forget(key string) (registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	return reg, ok
}

func (r *EtcdRegistry) revoke(ctx context.Context, reg registration) {
	reg.stop()
	if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
		r.logger.Warn("revoke lease failed", zap.Int64("lease", int64(reg.lease)), zap.Error(err))
	}
}

func (r *EtcdRegistry) Discover(ctx context.Context, device string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, devicePrefix(device), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", device, err)
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the device's endpoints on every change under its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, device string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, devicePrefix(device), clientv3.WithPrefix()) {
			endpoints, err := r.Discover(ctx, device)
			if err != nil {
				r.logger.Warn("watch discover failed", zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
