// Package server answers calls from clients, receives their notifications and
// broadcasts notifications to every connected client.
//
// Message processing pipeline:
//
//	Accept socket → handleConn (one goroutine reads the socket's events)
//	  → processMessage: decode and classify
//	    → call:         go handleCall → Middleware Chain → businessHandler → response to the origin socket
//	    → notification: emitted inline, in arrival order
//	    → anything else: error response to the origin socket
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"domain-rpc/api"
	"domain-rpc/event"
	"domain-rpc/message"
	"domain-rpc/metrics"
	"domain-rpc/middleware"
	"domain-rpc/registry"
	"domain-rpc/transport"
)

var (
	ErrMethodNotFound       = errors.New("method not found")
	ErrBroadcastUnsupported = errors.New("server: listener cannot enumerate connected clients")
	ErrShutdownTimeout      = errors.New("server: timeout waiting for ongoing calls to finish")
	ErrShuttingDown         = errors.New("server is shutting down")
)

const (
	eventError      = "error"
	eventConnection = "connection"
	logSend         = "send"
	logReceive      = "receive"
)

// PanicError carries the value a handler panicked with.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type Server struct {
	opts     *options
	listener transport.Listener

	mu          sync.RWMutex // Guards handlers, middlewares and handler
	handlers    map[string]api.Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	inflight sync.Mutex     // Orders wg.Add against the shutdown flag
	wg       sync.WaitGroup // In-flight calls, waited for by Shutdown
	shutdown atomic.Bool
	ctx      context.Context // Parent of every handler context
	cancel   context.CancelFunc

	events      event.Bus[json.RawMessage]  // peer notifications by method name
	errs        event.Bus[error]            // listener and socket errors
	connections event.Bus[transport.Socket] // accepted sockets
	logs        event.Bus[string]           // raw text by direction

	registry  registry.Registry // nil unless Announce was called
	announced []string          // domains registered under advertise
	advertise string

	apiOnce sync.Once
	api     *api.API
}

// New creates a server on l. Call Serve to start accepting.
func New(l transport.Listener, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     o,
		listener: l,
		handlers: make(map[string]api.Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.handler = s.businessHandler
	return s
}

// Expose registers h for the exact wire name method. The last registration wins.
func (s *Server) Expose(method string, h api.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods returns the exposed method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Use adds middlewares around every call, outermost first.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mws...)
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
}

// API returns the domain surface of the server: api.Domain("Page").Resolve("expose").
func (s *Server) API() *api.API {
	s.apiOnce.Do(func() { s.api = api.New(s) })
	return s.api
}

// On subscribes fn to notifications named method sent by any client.
func (s *Server) On(method string, fn func(params json.RawMessage)) *event.Subscription {
	return s.events.On(method, fn)
}

func (s *Server) Off(sub *event.Subscription) bool {
	return s.events.Off(sub) || s.errs.Off(sub) || s.connections.Off(sub) || s.logs.Off(sub)
}

// OnError subscribes to accept errors and socket errors.
func (s *Server) OnError(fn func(err error)) *event.Subscription {
	return s.errs.On(eventError, fn)
}

// OnConnection subscribes to newly accepted sockets.
func (s *Server) OnConnection(fn func(sock transport.Socket)) *event.Subscription {
	return s.connections.On(eventConnection, fn)
}

// OnSend receives every outbound raw message. Requires WithLogEmit.
func (s *Server) OnSend(fn func(text string)) *event.Subscription {
	return s.logs.On(logSend, fn)
}

// OnReceive receives every inbound raw message. Requires WithLogEmit.
func (s *Server) OnReceive(fn func(text string)) *event.Subscription {
	return s.logs.On(logReceive, fn)
}

// Serve accepts sockets until ctx is done or the server shuts down.
// Every socket is read by its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		sock, err := s.listener.Accept(ctx)
		if err != nil {
			if s.shutdown.Load() || ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			s.emitError(fmt.Errorf("accept: %w", err))
			return err
		}
		s.connections.Emit(eventConnection, sock)
		go s.handleConn(sock)
	}
}

func (s *Server) handleConn(sock transport.Socket) {
	for ev := range sock.Events() {
		switch ev.Kind {
		case transport.EventMessage:
			s.processMessage(ev.Data, sock)
		case transport.EventError:
			s.emitError(ev.Err)
		case transport.EventClose:
			return
		}
	}
}

// processMessage decodes raw and answers the origin socket where an answer is due.
func (s *Server) processMessage(raw string, origin transport.Socket) {
	s.logRaw(logReceive, "Server <", raw)
	s.opts.metrics.Message(metrics.SideServer, metrics.DirectionIn)

	d, err := s.opts.codec.Decode([]byte(raw))
	if err != nil {
		s.opts.metrics.ProtocolError(metrics.SideServer)
		s.reply(origin, message.NewError(message.NoID, message.ParseError, "ParseError: invalid JSON received", nil))
		return
	}

	if !d.HasMethod || d.Method == "" {
		id := message.NoID
		if d.HasID {
			id = d.ID
		}
		s.opts.metrics.ProtocolError(metrics.SideServer)
		s.reply(origin, message.NewError(id, message.InvalidRequest, "InvalidRequest: JSON sent is not a valid request object", nil))
		return
	}

	if d.HasID {
		req := d.Request()
		s.inflight.Lock()
		if s.shutdown.Load() {
			s.inflight.Unlock()
			s.reply(origin, s.response(req, nil, ErrShuttingDown))
			return
		}
		s.wg.Add(1)
		s.inflight.Unlock()
		go s.handleCall(req, origin)
		return
	}

	s.events.Emit(d.Method, d.Params)
}

func (s *Server) handleCall(req *message.Request, origin transport.Socket) {
	defer s.wg.Done()

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	result, err := handler(s.ctx, req)
	s.reply(origin, s.response(req, result, err))
}

// businessHandler runs the exposed handler of req.Method. It is the innermost
// layer of the middleware chain. A panic is returned as *PanicError.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) (result any, err error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("handler panicked", zap.String("method", req.Method), zap.Any("panic", r), zap.Stack("stack"))
			result, err = nil, &PanicError{Value: r}
		}
	}()
	return h(ctx, req.Params)
}

// response turns a handler outcome into the Response for req.
func (s *Server) response(req *message.Request, result any, err error) *message.Response {
	if err == nil {
		if isFalsy(result) {
			result = struct{}{}
		}
		resp, encErr := message.NewResult(req.ID, result)
		if encErr == nil {
			s.opts.metrics.Call(metrics.SideServer, metrics.OutcomeOK)
			return resp
		}
		err = encErr
	}

	if errors.Is(err, ErrMethodNotFound) {
		s.opts.metrics.Call(metrics.SideServer, metrics.OutcomeNotFound)
		return message.NewError(req.ID, message.MethodNotFound, fmt.Sprintf("MethodNotFound: '%s' wasn't found", req.Method), nil)
	}

	s.opts.metrics.Call(metrics.SideServer, metrics.OutcomeError)
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return &message.Response{ID: req.ID, Error: rpcErr}
	}
	return message.NewError(req.ID, message.InternalError, fmt.Sprintf("InternalError: Internal Error when calling '%s'", req.Method), errorData(err))
}

// errorData is what goes into the data field of an InternalError: the panic
// value, or the error message.
func errorData(err error) any {
	var pe *PanicError
	if errors.As(err, &pe) {
		if e, ok := pe.Value.(error); ok {
			return e.Error()
		}
		return pe.Value
	}
	return err.Error()
}

func (s *Server) reply(origin transport.Socket, resp *message.Response) {
	data, err := s.opts.codec.Encode(resp)
	if err != nil {
		s.opts.logger.Error("encode response", zap.Int64("id", resp.ID), zap.Error(err))
		return
	}
	if err := s.send(origin, string(data)); err != nil {
		s.opts.logger.Warn("send response", zap.Int64("id", resp.ID), zap.Error(err))
	}
}

func (s *Server) send(sock transport.Socket, text string) error {
	s.logRaw(logSend, "Server >", text)
	if err := sock.Send(text); err != nil {
		return err
	}
	s.opts.metrics.Message(metrics.SideServer, metrics.DirectionOut)
	return nil
}

// Notify broadcasts a notification to every connected client. It fails with
// ErrBroadcastUnsupported when the listener cannot list its clients. Delivery
// is not atomic; failed recipients are combined into the returned error.
func (s *Server) Notify(method string, params any) error {
	lister, ok := s.listener.(transport.ClientLister)
	if !ok {
		return ErrBroadcastUnsupported
	}

	n, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := s.opts.codec.Encode(n)
	if err != nil {
		return err
	}

	clients := lister.Clients()
	text := string(data)
	var errs error
	for _, sock := range clients {
		errs = multierr.Append(errs, s.send(sock, text))
	}
	s.opts.metrics.Broadcast(len(clients))
	return errs
}

// Announce registers ep under every domain that has an exposed
// method. Shutdown deregisters them.
func (s *Server) Announce(ctx context.Context, reg registry.Registry, ep registry.Endpoint, ttl int64) error {
	domains := make(map[string]struct{})
	for _, method := range s.Methods() {
		if domain, _, ok := message.Split(method); ok {
			domains[domain] = struct{}{}
		}
	}

	var announced []string
	for domain := range domains {
		if err := reg.Register(ctx, domain, ep, ttl); err != nil {
			return fmt.Errorf("announce %s: %w", domain, err)
		}
		announced = append(announced, domain)
	}
	sort.Strings(announced)

	s.mu.Lock()
	s.registry = reg
	s.announced = announced
	s.advertise = ep.Addr
	s.mu.Unlock()

	s.opts.logger.Info("announced", zap.String("addr", ep.Addr), zap.Strings("domains", announced))
	return nil
}

// Shutdown stops the server gracefully:
//  1. deregister announced domains so clients stop picking this server
//  2. close the listener and every connected socket
//  3. wait for in-flight calls, up to timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.RLock()
	reg, announced, addr := s.registry, s.announced, s.advertise
	s.mu.RUnlock()

	var errs error
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, domain := range announced {
			errs = multierr.Append(errs, reg.Deregister(ctx, domain, addr))
		}
		cancel()
	}

	// set the flag first, so Serve treats the failing Accept as intentional
	s.inflight.Lock()
	s.shutdown.Store(true)
	s.inflight.Unlock()
	errs = multierr.Append(errs, s.listener.Close())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return errs
	case <-time.After(timeout):
		return multierr.Append(errs, ErrShutdownTimeout)
	}
}

func (s *Server) logRaw(direction, prefix, text string) {
	if s.opts.logEmit {
		s.logs.Emit(direction, text)
	}
	if s.opts.logConsole {
		s.opts.logger.Info(prefix, zap.String("message", text))
	}
}

func (s *Server) emitError(err error) {
	if s.errs.Emit(eventError, err) == 0 {
		s.opts.logger.Warn("server error", zap.Error(err))
	}
}
