// Package loadbalance picks one endpoint out of those serving a domain.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers with different capacity, by Endpoint.Weight
//   - ConsistentHash:  the same key (usually the domain) sticks to the same server
package loadbalance

import (
	"errors"
	"fmt"

	"domain-rpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer chooses an endpoint. Pick is called before every dial and must be
// safe for concurrent use. key is the domain being dialed; strategies that do
// not need it ignore it.
type Balancer interface {
	Pick(key string, endpoints []registry.Endpoint) (registry.Endpoint, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
