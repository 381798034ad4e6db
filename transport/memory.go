package transport

import (
	"context"
	"sync"
)

// MemorySocket is one end of an in-process pipe.
type MemorySocket struct {
	q    *queue
	peer *MemorySocket
}

// Pipe returns two connected sockets. Both are open immediately.
func Pipe() (*MemorySocket, *MemorySocket) {
	a := &MemorySocket{q: newQueue()}
	b := &MemorySocket{q: newQueue()}
	a.peer, b.peer = b, a
	a.q.push(Event{Kind: EventOpen})
	b.q.push(Event{Kind: EventOpen})
	return a, b
}

func (s *MemorySocket) Send(text string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	if !s.peer.q.push(Event{Kind: EventMessage, Data: text}) {
		return ErrClosed
	}
	return nil
}

func (s *MemorySocket) Events() <-chan Event {
	return s.q.out
}

// Close closes both ends of the pipe.
func (s *MemorySocket) Close() error {
	s.q.push(Event{Kind: EventClose})
	s.peer.q.push(Event{Kind: EventClose})
	return nil
}

func (s *MemorySocket) isClosed() bool {
	return s.q.isClosed()
}

// MemoryListener accepts in-process connections made with Dial.
type MemoryListener struct {
	conns   chan *MemorySocket
	done    chan struct{}
	once    sync.Once
	clients registry[*MemorySocket]

	mu     sync.Mutex
	closed bool
}

func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		conns: make(chan *MemorySocket, 64),
		done:  make(chan struct{}),
	}
}

// Dial connects a new client socket to the listener.
func (l *MemoryListener) Dial() (Socket, error) {
	select {
	case <-l.done:
		return nil, ErrListenerClosed
	default:
	}

	local, remote := Pipe()
	select {
	case <-l.done:
		remote.Close()
		return nil, ErrListenerClosed
	case l.conns <- remote:
	}

	// Close may have run between the hand-off and here; the socket is then
	// closed instead of registered.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		remote.Close()
		return nil, ErrListenerClosed
	}
	l.clients.add(remote)
	return local, nil
}

func (l *MemoryListener) Accept(ctx context.Context) (Socket, error) {
	select {
	case <-l.done:
		return nil, ErrListenerClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case s := <-l.conns:
		return s, nil
	}
}

func (l *MemoryListener) Clients() []Socket {
	return l.clients.list()
}

// Close stops accepting and closes every connected peer.
func (l *MemoryListener) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.done)
		l.mu.Unlock()
		l.clients.closeAll()
	})
	return nil
}
