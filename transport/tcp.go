package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"domain-rpc/protocol"
)

// DefaultHeartbeat is the interval between keepalive frames on idle TCP sockets.
const DefaultHeartbeat = 30 * time.Second

// TCPSocket carries text messages over a net.Conn using protocol frames.
//
// Two background goroutines run once the connection is up:
//   - recvLoop reads frames and turns them into events
//   - heartbeatLoop writes periodic heartbeat frames so idle peers stay connected
type TCPSocket struct {
	q         *queue
	heartbeat time.Duration

	sending sync.Mutex // Write lock, a frame must be written without interleaving
	conn    net.Conn   // nil until the dial completes

	closed atomic.Bool
	done   chan struct{}
}

// TCPOption configures TCP sockets and listeners.
type TCPOption func(*tcpOptions)

type tcpOptions struct {
	heartbeat time.Duration
	dialer    net.Dialer
}

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) TCPOption {
	return func(o *tcpOptions) { o.heartbeat = d }
}

func newTCPOptions(opts []TCPOption) *tcpOptions {
	o := &tcpOptions{heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DialTCP returns immediately. The connection is made in the background:
// EventOpen follows a successful dial, EventError then EventClose a failed one.
func DialTCP(ctx context.Context, addr string, opts ...TCPOption) *TCPSocket {
	o := newTCPOptions(opts)
	s := &TCPSocket{q: newQueue(), heartbeat: o.heartbeat, done: make(chan struct{})}

	go func() {
		conn, err := o.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			s.q.push(Event{Kind: EventError, Err: err})
			s.Close()
			return
		}
		s.start(conn)
	}()
	return s
}

func newTCPSocket(conn net.Conn, heartbeat time.Duration) *TCPSocket {
	s := &TCPSocket{q: newQueue(), heartbeat: heartbeat, done: make(chan struct{})}
	s.start(conn)
	return s
}

func (s *TCPSocket) start(conn net.Conn) {
	s.sending.Lock()
	if s.closed.Load() {
		s.sending.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.sending.Unlock()

	s.q.push(Event{Kind: EventOpen})
	go s.recvLoop(conn)
	if s.heartbeat > 0 {
		go s.heartbeatLoop(conn, s.heartbeat)
	}
}

// Send writes text as one frame. The sending lock keeps header and body of
// concurrent sends from interleaving on the stream.
func (s *TCPSocket) Send(text string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	if s.conn == nil {
		return ErrNotOpen
	}
	header := &protocol.Header{Type: protocol.FrameText, BodyLen: uint32(len(text))}
	return protocol.Encode(s.conn, header, []byte(text))
}

func (s *TCPSocket) Events() <-chan Event {
	return s.q.out
}

func (s *TCPSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.sending.Lock()
	conn := s.conn
	s.sending.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.q.push(Event{Kind: EventClose})
	return err
}

func (s *TCPSocket) isClosed() bool {
	return s.closed.Load()
}

// RemoteAddr returns the peer address, or nil before the dial completes.
func (s *TCPSocket) RemoteAddr() net.Addr {
	s.sending.Lock()
	defer s.sending.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// recvLoop is the single reader of the stream; frame boundaries are only
// known to a sequential reader.
func (s *TCPSocket) recvLoop(conn net.Conn) {
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.q.push(Event{Kind: EventError, Err: err})
			}
			s.Close()
			return
		}

		if header.Type == protocol.FrameHeartbeat {
			continue
		}
		s.q.push(Event{Kind: EventMessage, Data: string(body)})
	}
}

func (s *TCPSocket) heartbeatLoop(conn net.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.sending.Lock()
		err := protocol.Encode(conn, &protocol.Header{Type: protocol.FrameHeartbeat}, nil)
		s.sending.Unlock()
		if err != nil {
			return // recvLoop notices the broken connection
		}
	}
}

// TCPListener accepts framed TCP connections.
type TCPListener struct {
	ln        net.Listener
	heartbeat time.Duration
	conns     chan *TCPSocket
	errc      chan error
	done      chan struct{}
	once      sync.Once
	clients   registry[*TCPSocket]
}

// ListenTCP listens on addr and starts accepting in the background.
func ListenTCP(addr string, opts ...TCPOption) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	o := newTCPOptions(opts)
	l := &TCPListener{
		ln:        ln,
		heartbeat: o.heartbeat,
		conns:     make(chan *TCPSocket),
		errc:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *TCPListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.errc <- err
			}
			return
		}

		s := newTCPSocket(conn, l.heartbeat)
		l.clients.add(s)
		select {
		case l.conns <- s:
		case <-l.done:
			s.Close()
			return
		}
	}
}

func (l *TCPListener) Accept(ctx context.Context) (Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case err := <-l.errc:
		return nil, err
	case s := <-l.conns:
		return s, nil
	}
}

func (l *TCPListener) Clients() []Socket {
	return l.clients.list()
}

// Addr returns the listen address.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting and closes every connected peer.
func (l *TCPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.clients.closeAll()
	})
	return err
}
