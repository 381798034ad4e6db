// Package registry provides the etcd-based implementation of the Registry interface.
//
// Every server registers one key per exposed domain:
//
//	Key:   /domain-rpc/{Domain}/{Addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed without a Deregister.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/domain-rpc/"

func domainPrefix(domain string) string {
	return keyPrefix + domain + "/"
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Register stores ep under domain with a lease of ttl seconds and keeps the
// lease alive until ctx is done.
//
// The lease id stays local so one EtcdRegistry can serve several servers.
func (r *EtcdRegistry) Register(ctx context.Context, domain string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := domainPrefix(domain) + ep.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive %s: %w", key, err)
	}

	// Drain KeepAlive responses, otherwise the channel fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes the entry of addr under domain.
func (r *EtcdRegistry) Deregister(ctx context.Context, domain string, addr string) error {
	_, err := r.client.Delete(ctx, domainPrefix(domain)+addr)
	return err
}

// Watch re-reads the endpoint list of domain after every change under its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, domain string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, domainPrefix(domain), clientv3.WithPrefix())
		for range watchChan {
			// re-fetching is simpler than applying individual events
			endpoints, err := r.Discover(ctx, domain)
			if err != nil {
				r.logger.Warn("watch discover failed", zap.String("domain", domain), zap.Error(err))
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

// Discover returns every endpoint currently registered for domain.
func (r *EtcdRegistry) Discover(ctx context.Context, domain string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, domainPrefix(domain), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skip malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Close releases the etcd connection. Leases expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
