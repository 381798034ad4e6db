package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"domain-rpc/loadbalance"
	"domain-rpc/message"
	"domain-rpc/registry"
)

var ErrPoolClosed = errors.New("client: pool closed")

// Pool keeps one Client per endpoint address and hands them out by domain.
// A Client multiplexes calls, so one connection per server is enough; the
// balancer spreads domains and calls across servers.
type Pool struct {
	reg  registry.Registry
	bal  loadbalance.Balancer
	dial Dialer
	opts []Option

	mu      sync.Mutex
	clients map[string]*Client // by endpoint address
	closed  bool
}

// NewPool creates an empty pool. A nil dial uses DialEndpoint.
func NewPool(reg registry.Registry, bal loadbalance.Balancer, dial Dialer, opts ...Option) *Pool {
	if dial == nil {
		dial = DialEndpoint
	}
	return &Pool{
		reg:     reg,
		bal:     bal,
		dial:    dial,
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Get picks an endpoint serving domain and returns its client, dialing on
// first use. A client whose connection has ended is replaced.
func (p *Pool) Get(ctx context.Context, domain string) (*Client, error) {
	ep, err := pick(ctx, p.reg, p.bal, domain)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[ep.Addr]; ok {
		select {
		case <-c.Done():
			delete(p.clients, ep.Addr)
		default:
			return c, nil
		}
	}

	sock, err := p.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	c := New(sock, p.opts...)
	p.clients[ep.Addr] = c
	return c, nil
}

// Call routes method to a server of its domain.
func (p *Pool) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	domain, _, ok := message.Split(method)
	if !ok {
		return nil, fmt.Errorf("method %q has no domain", method)
	}
	c, err := p.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params)
}

// Len returns the number of pooled clients, including ones whose connection has ended.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled client. Get fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = nil
	p.closed = true
	p.mu.Unlock()

	var errs error
	for _, c := range clients {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}
