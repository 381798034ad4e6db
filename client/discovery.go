package client

import (
	"context"
	"fmt"

	"domain-rpc/loadbalance"
	"domain-rpc/registry"
	"domain-rpc/transport"
)

// Dialer opens a socket to an endpoint.
type Dialer func(ctx context.Context, ep registry.Endpoint) (transport.Socket, error)

// DialEndpoint dials ep with the transport it advertises: "tcp" (default) or "ws".
func DialEndpoint(ctx context.Context, ep registry.Endpoint) (transport.Socket, error) {
	switch ep.Transport {
	case "", "tcp":
		return transport.DialTCP(ctx, ep.Addr), nil
	case "ws":
		return transport.DialWebSocket(ctx, "ws://"+ep.Addr+"/", nil), nil
	default:
		return nil, fmt.Errorf("endpoint %s: unknown transport %q", ep.Addr, ep.Transport)
	}
}

// DialDomain looks up the endpoints serving domain, lets bal pick one and
// starts a client on it. A nil dial uses DialEndpoint.
func DialDomain(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, domain string, dial Dialer, opts ...Option) (*Client, error) {
	ep, err := pick(ctx, reg, bal, domain)
	if err != nil {
		return nil, err
	}

	if dial == nil {
		dial = DialEndpoint
	}
	sock, err := dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	return New(sock, opts...), nil
}

func pick(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, domain string) (registry.Endpoint, error) {
	endpoints, err := reg.Discover(ctx, domain)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("discover %s: %w", domain, err)
	}
	if len(endpoints) == 0 {
		return registry.Endpoint{}, fmt.Errorf("%w %s", registry.ErrNotFound, domain)
	}
	return bal.Pick(domain, endpoints)
}
