package client

import (
	"context"
	"sync"

	"domain-rpc/transport"
)

// State is the lifecycle state of a connection.
//
//	Connecting ──open──► Open ──close──► Closed
//	     │
//	     └──error/close──► Failed
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// connHooks receive what happens on the socket. They run on the event loop
// goroutine, one at a time.
type connHooks struct {
	message func(text string)
	err     func(err error) // errors after open
	closed  func(err error) // once; err is ErrClosed or the connect error
}

// Conn gates outbound text on socket readiness. Text sent while connecting is
// kept in a backlog and flushed in order once the socket opens.
type Conn struct {
	sock  transport.Socket
	hooks connHooks

	mu      sync.Mutex // Guards state and backlog and serializes socket sends
	state   State
	backlog []string
	err     error // connect error once Failed

	ready chan struct{} // closed on Open or Failed
	done  chan struct{} // closed after the close hook ran
}

func newConn(sock transport.Socket, hooks connHooks) *Conn {
	c := &Conn{
		sock:  sock,
		hooks: hooks,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Conn) loop() {
	for ev := range c.sock.Events() {
		switch ev.Kind {
		case transport.EventOpen:
			c.open()
		case transport.EventMessage:
			c.hooks.message(ev.Data)
		case transport.EventError:
			if c.fail(ev.Err) {
				// a failed connect is reported once, through readiness
				_ = c.sock.Close()
				continue
			}
			c.hooks.err(ev.Err)
		case transport.EventClose:
			c.finish()
			return
		}
	}
	// events channel closed without EventClose
	c.finish()
}

func (c *Conn) open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return
	}
	for _, text := range c.backlog {
		if err := c.sock.Send(text); err != nil {
			c.backlog = nil
			c.state = StateFailed
			c.err = err
			close(c.ready)
			_ = c.sock.Close()
			return
		}
	}
	c.backlog = nil
	c.state = StateOpen
	close(c.ready)
}

// fail moves a connecting connection to Failed and reports whether it did.
func (c *Conn) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.state = StateFailed
	c.err = err
	c.backlog = nil
	close(c.ready)
	return true
}

func (c *Conn) finish() {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		// closed before it ever opened
		c.state = StateFailed
		c.err = ErrClosed
		c.backlog = nil
		close(c.ready)
	case StateOpen:
		c.state = StateClosed
	}
	reason := c.err
	if reason == nil {
		reason = ErrClosed
	}
	c.mu.Unlock()

	c.hooks.closed(reason)
	close(c.done)
}

// Send writes text, or queues it while the socket is still connecting.
func (c *Conn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting:
		c.backlog = append(c.backlog, text)
		return nil
	case StateOpen:
		return c.sock.Send(text)
	case StateFailed:
		return c.err
	default:
		return ErrClosed
	}
}

// Ready waits until the connection is open. It returns the connect error if
// the socket failed before opening.
func (c *Conn) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed {
		return c.err
	}
	if c.state == StateClosed {
		return ErrClosed
	}
	return nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes the socket. Sends fail with ErrClosed from now on; the close
// hook runs once the socket reports EventClose.
func (c *Conn) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.state = StateFailed
		c.err = ErrClosed
		c.backlog = nil
		close(c.ready)
	case StateOpen:
		c.state = StateClosed
	}
	c.mu.Unlock()
	return c.sock.Close()
}

// Done is closed after the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
