package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	domains  map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		domains:  make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, domain string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.domains[domain] == nil {
		r.domains[domain] = make(map[string]Endpoint)
	}
	r.domains[domain][ep.Addr] = ep
	r.notify(domain)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, domain string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.domains[domain], addr)
	r.notify(domain)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, domain string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(domain), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, domain string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[domain] = append(r.watchers[domain], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[domain]
		for i, w := range ws {
			if w == ch {
				r.watchers[domain] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns the endpoints of domain sorted by address. Caller holds mu.
func (r *MemoryRegistry) list(domain string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(r.domains[domain]))
	for _, ep := range r.domains[domain] {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Addr < endpoints[j].Addr })
	return endpoints
}

// notify hands the latest list to every watcher, replacing an unread one. Caller holds mu.
func (r *MemoryRegistry) notify(domain string) {
	endpoints := r.list(domain)
	for _, ch := range r.watchers[domain] {
		select {
		case <-ch:
		default:
		}
		ch <- endpoints
	}
}
