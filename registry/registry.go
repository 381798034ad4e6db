// Package registry records which endpoints serve which domains.
package registry

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("registry: no endpoint serves domain")

// Endpoint is one reachable server.
type Endpoint struct {
	Addr      string `json:"addr"`
	Transport string `json:"transport"` // "tcp" or "ws"
	Weight    int    `json:"weight"`    // Weight for load balancing
	Version   string `json:"version,omitempty"`
}

// Registry registers servers under the domains they expose and lets clients find them.
type Registry interface {
	Register(ctx context.Context, domain string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, domain string, addr string) error
	Discover(ctx context.Context, domain string) ([]Endpoint, error)
	// Watch emits the full endpoint list of domain after every change until ctx is done.
	Watch(ctx context.Context, domain string) <-chan []Endpoint
}
