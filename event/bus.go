// Package event is a multicast subscriber table keyed by event name.
//
// Clients and servers embed a Bus instead of inheriting from an emitter:
// every listener registered for a name receives every emitted value, in the
// order the listeners subscribed.
package event

import "sync"

// Subscription is the handle returned by On and Once. Pass it to Off to stop listening.
type Subscription struct {
	name string
	once bool
}

// Name returns the event name the subscription listens to.
func (s *Subscription) Name() string {
	return s.name
}

type listener[T any] struct {
	sub *Subscription
	fn  func(T)
}

// Bus is safe for concurrent use. The zero value is ready to use.
type Bus[T any] struct {
	mu        sync.Mutex
	listeners map[string][]listener[T]
}

// On registers fn for name.
func (b *Bus[T]) On(name string, fn func(T)) *Subscription {
	return b.add(name, fn, false)
}

// Once registers fn for the next emission of name only.
func (b *Bus[T]) Once(name string, fn func(T)) *Subscription {
	return b.add(name, fn, true)
}

func (b *Bus[T]) add(name string, fn func(T), once bool) *Subscription {
	sub := &Subscription{name: name, once: once}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[string][]listener[T])
	}
	b.listeners[name] = append(b.listeners[name], listener[T]{sub: sub, fn: fn})
	return sub
}

// Off removes the subscription. It reports whether the subscription was still active.
func (b *Bus[T]) Off(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(sub)
}

// remove must be called with mu held.
func (b *Bus[T]) remove(sub *Subscription) bool {
	ls := b.listeners[sub.name]
	for i, l := range ls {
		if l.sub != sub {
			continue
		}
		// Copy so that a snapshot taken by a running Emit stays intact.
		next := make([]listener[T], 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, sub.name)
		} else {
			b.listeners[sub.name] = next
		}
		return true
	}
	return false
}

// Emit calls every listener of name with v and returns how many were called.
// Listeners run on the caller's goroutine, outside the lock, so they may
// subscribe or unsubscribe freely.
func (b *Bus[T]) Emit(name string, v T) int {
	b.mu.Lock()
	snapshot := b.listeners[name]
	for _, l := range snapshot {
		if l.sub.once {
			b.remove(l.sub)
		}
	}
	b.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
	return len(snapshot)
}

// Listeners returns the number of listeners registered for name.
func (b *Bus[T]) Listeners(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}
