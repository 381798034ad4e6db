// Package transport defines the minimal socket capability the RPC engine needs
// and provides in-memory, TCP and WebSocket implementations of it.
//
// A Socket sends text and reports what happens to it as a stream of events:
//
//	EventOpen ──► EventMessage* ──► EventClose
//	     ╲
//	      EventError (before open: the connect failed; after open: a non-fatal channel error)
//
// The events channel is closed right after EventClose is delivered. A Listener
// is the server side: every Accept yields a peer that is already open.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed         = errors.New("transport: socket closed")
	ErrNotOpen        = errors.New("transport: socket not open")
	ErrListenerClosed = errors.New("transport: listener closed")
)

// EventKind identifies what happened on a socket.
type EventKind byte

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered on Socket.Events. Data is set for EventMessage, Err for EventError.
type Event struct {
	Kind EventKind
	Data string
	Err  error
}

// Socket is a message based, bidirectional text channel.
type Socket interface {
	// Send writes one text message. It is safe for concurrent use.
	Send(text string) error
	// Events returns the event stream of the socket. It is the same channel on every call.
	Events() <-chan Event
	// Close closes the socket. EventClose is delivered once.
	Close() error
}

// Listener yields connected peers.
type Listener interface {
	Accept(ctx context.Context) (Socket, error)
	Close() error
}

// ClientLister is implemented by listeners that can enumerate their currently
// connected peers. Broadcasting requires it.
type ClientLister interface {
	Clients() []Socket
}

// queue is an unbounded FIFO in front of an event channel, so producers never
// block on a slow consumer. EventClose is always the last event.
type queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newQueue() *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

// push appends ev and reports whether it was accepted.
func (q *queue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	if ev.Kind == EventClose {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(q.out)
				return
			}
			<-q.wake
			continue
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}

// registry tracks the open peers of a listener.
type registry[S interface {
	comparable
	Socket
	isClosed() bool
}] struct {
	mu    sync.Mutex
	peers map[S]struct{}
}

func (r *registry[S]) add(s S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers == nil {
		r.peers = make(map[S]struct{})
	}
	r.peers[s] = struct{}{}
}

func (r *registry[S]) list() []Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Socket, 0, len(r.peers))
	for s := range r.peers {
		if s.isClosed() {
			delete(r.peers, s)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *registry[S]) closeAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = nil
	r.mu.Unlock()
	for s := range peers {
		_ = s.Close()
	}
}
