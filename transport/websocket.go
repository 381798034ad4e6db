package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 16 << 20
)

// WebSocket carries text messages as WebSocket text frames.
type WebSocket struct {
	q *queue

	sending sync.Mutex
	conn    *websocket.Conn // nil until the dial completes

	closed atomic.Bool
	done   chan struct{}
}

// DialWebSocket returns immediately and connects to url in the background.
// A failed handshake is reported as EventError followed by EventClose.
func DialWebSocket(ctx context.Context, url string, header http.Header) *WebSocket {
	s := &WebSocket{q: newQueue(), done: make(chan struct{})}

	go func() {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			s.q.push(Event{Kind: EventError, Err: err})
			s.Close()
			return
		}
		s.start(conn)
	}()
	return s
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	s := &WebSocket{q: newQueue(), done: make(chan struct{})}
	s.start(conn)
	return s
}

func (s *WebSocket) start(conn *websocket.Conn) {
	s.sending.Lock()
	if s.closed.Load() {
		s.sending.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.sending.Unlock()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	s.q.push(Event{Kind: EventOpen})
	go s.readLoop(conn)
	go s.pingLoop(conn)
}

func (s *WebSocket) Send(text string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	if s.conn == nil {
		return ErrNotOpen
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *WebSocket) Events() <-chan Event {
	return s.q.out
}

// Close sends a normal close frame when connected, then drops the connection.
func (s *WebSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.sending.Lock()
	conn := s.conn
	s.sending.Unlock()

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		err = conn.Close()
	}
	s.q.push(Event{Kind: EventClose})
	return err
}

func (s *WebSocket) isClosed() bool {
	return s.closed.Load()
}

func (s *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.q.push(Event{Kind: EventError, Err: err})
			}
			s.Close()
			return
		}
		if typ != websocket.TextMessage {
			s.q.push(Event{Kind: EventError, Err: errors.New("transport: binary frame ignored")})
			continue
		}
		s.q.push(Event{Kind: EventMessage, Data: string(data)})
	}
}

func (s *WebSocket) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

// WebSocketListener upgrades incoming HTTP requests and hands the sockets to Accept.
// Mount it on any http.ServeMux.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	conns    chan *WebSocket
	done     chan struct{}
	once     sync.Once
	clients  registry[*WebSocket]
}

// WebSocketOption configures a WebSocketListener.
type WebSocketOption func(*WebSocketListener)

// WithCheckOrigin overrides the origin check of the upgrade handshake.
func WithCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(l *WebSocketListener) { l.upgrader.CheckOrigin = fn }
}

func NewWebSocketListener(opts ...WebSocketOption) *WebSocketListener {
	l := &WebSocketListener{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:    make(chan *WebSocket),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied with an HTTP error
	}

	s := newWebSocket(conn)
	l.clients.add(s)
	select {
	case l.conns <- s:
	case <-r.Context().Done():
		s.Close()
	case <-l.done:
		s.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case s := <-l.conns:
		return s, nil
	}
}

func (l *WebSocketListener) Clients() []Socket {
	return l.clients.list()
}

func (l *WebSocketListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.clients.closeAll()
	})
	return nil
}
