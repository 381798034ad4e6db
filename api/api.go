// Package api builds the domain scoped call surface shared by clients and servers.
//
// A property name on a domain resolves structurally, in this order:
//
//	on<Event>    subscribe to "Domain.event"
//	emit<Event>  send (client) or broadcast (server) notification "Domain.event"
//	expose       register handlers under "Domain.*" (server only)
//	<method>     call "Domain.method" (client only)
//
// Anything else resolves to KindNone: a server has no way to originate calls.
// Resolved members are memoized, so resolving the same name twice yields the
// same *Member.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"domain-rpc/event"
	"domain-rpc/message"
)

var (
	ErrNotCallable  = errors.New("api: member is not callable on this peer")
	ErrKindMismatch = errors.New("api: member used as the wrong kind")
)

// Handler serves one exposed method. A nil or zero result is answered as {}.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Caller originates calls. Implemented by clients.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Notifier sends notifications. On a client the peer is the server; on a
// server every connected peer receives it.
type Notifier interface {
	Notify(method string, params any) error
}

// Subscriber delivers inbound notifications by exact method name.
type Subscriber interface {
	On(name string, fn func(params json.RawMessage)) *event.Subscription
	Off(sub *event.Subscription) bool
}

// Exposer registers handlers. Implemented by servers.
type Exposer interface {
	Expose(method string, h Handler)
}

// Kind tells what a resolved member does.
type Kind byte

const (
	KindNone Kind = iota
	KindCall
	KindSubscribe
	KindEmit
	KindExpose
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindSubscribe:
		return "subscribe"
	case KindEmit:
		return "emit"
	case KindExpose:
		return "expose"
	default:
		return "none"
	}
}

// API is the unscoped surface of one peer. Selecting a domain is memoized.
type API struct {
	peer any

	mu      sync.Mutex
	domains map[string]*Domain
}

// New wraps a client or server. Capabilities are detected through the
// Caller, Notifier, Subscriber and Exposer interfaces.
func New(peer any) *API {
	return &API{peer: peer, domains: make(map[string]*Domain)}
}

// Domain returns the surface for name, creating it on first use.
func (a *API) Domain(name string) *Domain {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.domains[name]
	if !ok {
		d = &Domain{api: a, name: name, members: make(map[string]*Member)}
		a.domains[name] = d
	}
	return d
}

// Domain is the surface of one domain.
type Domain struct {
	api  *API
	name string

	mu      sync.Mutex
	members map[string]*Member
}

func (d *Domain) Name() string {
	return d.name
}

// Resolve interprets prop by its shape. See the package documentation.
func (d *Domain) Resolve(prop string) *Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.members[prop]; ok {
		return m
	}
	m := d.resolve(prop)
	d.members[prop] = m
	return m
}

func (d *Domain) resolve(prop string) *Member {
	m := &Member{domain: d, prop: prop}
	_, exposer := d.api.peer.(Exposer)
	_, caller := d.api.peer.(Caller)

	switch {
	case len(prop) > len("on") && strings.HasPrefix(prop, "on"):
		m.Kind = KindSubscribe
		m.Method = message.Join(d.name, lowerFirst(prop[len("on"):]))
	case len(prop) > len("emit") && strings.HasPrefix(prop, "emit"):
		m.Kind = KindEmit
		m.Method = message.Join(d.name, lowerFirst(prop[len("emit"):]))
	case exposer && prop == "expose":
		m.Kind = KindExpose
	case caller:
		m.Kind = KindCall
		m.Method = message.Join(d.name, prop)
	default:
		m.Kind = KindNone
	}
	return m
}

// Call performs "Domain.method" on a client.
func (d *Domain) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c, ok := d.api.peer.(Caller)
	if !ok {
		return nil, ErrNotCallable
	}
	return c.Call(ctx, message.Join(d.name, method), params)
}

// On subscribes fn to "Domain.event".
func (d *Domain) On(name string, fn func(params json.RawMessage)) (*event.Subscription, error) {
	s, ok := d.api.peer.(Subscriber)
	if !ok {
		return nil, ErrNotCallable
	}
	return s.On(message.Join(d.name, name), fn), nil
}

// Emit sends notification "Domain.event".
func (d *Domain) Emit(name string, params any) error {
	n, ok := d.api.peer.(Notifier)
	if !ok {
		return ErrNotCallable
	}
	return n.Notify(message.Join(d.name, name), params)
}

// Expose registers every handler of module under this domain. module is either
// a map[string]Handler or a receiver whose exported methods have one of the
// shapes accepted by Methods.
func (d *Domain) Expose(module any) error {
	e, ok := d.api.peer.(Exposer)
	if !ok {
		return ErrNotCallable
	}

	var handlers map[string]Handler
	switch mod := module.(type) {
	case map[string]Handler:
		handlers = mod
	case map[string]func(context.Context, json.RawMessage) (any, error):
		handlers = make(map[string]Handler, len(mod))
		for name, fn := range mod {
			handlers[name] = fn
		}
	default:
		var err error
		if handlers, err = Methods(module); err != nil {
			return fmt.Errorf("expose %s: %w", d.name, err)
		}
	}

	for name, h := range handlers {
		if h == nil {
			continue
		}
		e.Expose(message.Join(d.name, name), h)
	}
	return nil
}

// Member is a resolved property of a domain.
type Member struct {
	Kind   Kind
	Method string // wire name; empty for KindExpose and KindNone

	domain *Domain
	prop   string
}

func (m *Member) check(want Kind) error {
	switch {
	case m.Kind == KindNone:
		return fmt.Errorf("%s.%s: %w", m.domain.name, m.prop, ErrNotCallable)
	case m.Kind != want:
		return fmt.Errorf("%s.%s is %s, not %s: %w", m.domain.name, m.prop, m.Kind, want, ErrKindMismatch)
	}
	return nil
}

// Call performs the call of a KindCall member.
func (m *Member) Call(ctx context.Context, params any) (json.RawMessage, error) {
	if err := m.check(KindCall); err != nil {
		return nil, err
	}
	return m.domain.api.peer.(Caller).Call(ctx, m.Method, params)
}

// Subscribe registers fn for the event of a KindSubscribe member.
func (m *Member) Subscribe(fn func(params json.RawMessage)) (*event.Subscription, error) {
	if err := m.check(KindSubscribe); err != nil {
		return nil, err
	}
	s, ok := m.domain.api.peer.(Subscriber)
	if !ok {
		return nil, ErrNotCallable
	}
	return s.On(m.Method, fn), nil
}

// Emit sends the notification of a KindEmit member.
func (m *Member) Emit(params any) error {
	if err := m.check(KindEmit); err != nil {
		return err
	}
	n, ok := m.domain.api.peer.(Notifier)
	if !ok {
		return ErrNotCallable
	}
	return n.Notify(m.Method, params)
}

// Expose registers module on the member's domain.
func (m *Member) Expose(module any) error {
	if err := m.check(KindExpose); err != nil {
		return err
	}
	return m.domain.Expose(module)
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}
