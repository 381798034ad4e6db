// Package client issues calls and notifications to a server and receives its
// notifications over any transport.Socket.
//
// Many calls may be outstanding on one connection. Each request gets the next
// id, and the event loop routes every response to the call waiting on that id:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──► one socket ──► server
//	goroutine-3 ──Call(id=3)──┘
//
//	event loop: ◄── {"id":2,"result":...} → pending[2] → goroutine-2 wakes up
//
// Requests made before the socket opens are queued and flushed in order.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"domain-rpc/api"
	"domain-rpc/codec"
	"domain-rpc/event"
	"domain-rpc/message"
	"domain-rpc/metrics"
	"domain-rpc/transport"
)

var (
	ErrClosed            = errors.New("client: connection closed")
	ErrOrphanResponse    = errors.New("client: response matches no pending call")
	ErrMalformedMessage  = errors.New("client: malformed message")
	ErrUnexpectedRequest = errors.New("client: server sent a request")
)

const (
	eventError = "error"
	eventClose = "close"
	logSend    = "send"
	logReceive = "receive"
)

type Client struct {
	opts *options
	conn *Conn

	mu      sync.Mutex // Guards seq and pending
	seq     message.ID
	pending map[message.ID]*Call

	events    event.Bus[json.RawMessage] // notifications by method name
	lifecycle event.Bus[error]           // "error" and "close"
	logs      event.Bus[string]          // raw text by direction

	apiOnce sync.Once
	api     *api.API
}

// New starts a client on sock. sock may still be connecting.
func New(sock transport.Socket, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	c := &Client{
		opts:    o,
		pending: make(map[message.ID]*Call),
	}
	c.conn = newConn(sock, connHooks{
		message: c.handleMessage,
		err:     c.handleError,
		closed:  c.teardown,
	})
	return c
}

// Ready blocks until the socket is open.
func (c *Client) Ready(ctx context.Context) error {
	return c.conn.Ready(ctx)
}

// State reports the connection lifecycle state.
func (c *Client) State() State {
	return c.conn.State()
}

// Go sends a request and returns without waiting for the response. The id is
// allocated before the request is queued, so ids follow invocation order.
func (c *Client) Go(method string, params any) (*Call, error) {
	raw, err := message.Raw(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params of %s: %w", method, err)
	}

	call := newCall(c, method)
	c.mu.Lock()
	c.seq++
	call.ID = c.seq
	c.pending[call.ID] = call
	c.mu.Unlock()
	c.opts.metrics.PendingAdd(1)

	data, err := c.opts.codec.Encode(&message.Request{ID: call.ID, Method: method, Params: raw})
	if err == nil {
		err = c.send(data)
	}
	if err != nil {
		c.remove(call.ID)
		call.complete(nil, err)
		return nil, err
	}
	return call, nil
}

// Call sends a request and waits for its response. An error response is
// returned as *message.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok && c.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}

	call, err := c.Go(method, params)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// CallInto is Call followed by decoding the result into reply.
func (c *Client) CallInto(ctx context.Context, method string, params any, reply any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(result, reply); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}
	return nil
}

// Notify sends a notification. Nothing is waited for.
func (c *Client) Notify(method string, params any) error {
	n, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := c.opts.codec.Encode(n)
	if err != nil {
		return err
	}
	return c.send(data)
}

// On subscribes fn to notifications named method, e.g. "Page.loadEventFired".
// Listeners run on the event loop and must not wait for calls on this client.
func (c *Client) On(method string, fn func(params json.RawMessage)) *event.Subscription {
	return c.events.On(method, fn)
}

func (c *Client) Off(sub *event.Subscription) bool {
	return c.events.Off(sub) || c.lifecycle.Off(sub) || c.logs.Off(sub)
}

// OnError subscribes to non-fatal connection errors: transport errors after
// open, orphan responses and malformed messages.
func (c *Client) OnError(fn func(err error)) *event.Subscription {
	return c.lifecycle.On(eventError, fn)
}

// OnClose subscribes to the end of the connection. fn runs once with
// ErrClosed or the connect error.
func (c *Client) OnClose(fn func(err error)) *event.Subscription {
	return c.lifecycle.On(eventClose, fn)
}

// OnSend receives every outbound raw message. Requires WithLogEmit.
func (c *Client) OnSend(fn func(text string)) *event.Subscription {
	return c.logs.On(logSend, fn)
}

// OnReceive receives every inbound raw message. Requires WithLogEmit.
func (c *Client) OnReceive(fn func(text string)) *event.Subscription {
	return c.logs.On(logReceive, fn)
}

// API returns the domain surface of the client: api.Domain("Page").Resolve("enable").
func (c *Client) API() *api.API {
	c.apiOnce.Do(func() { c.api = api.New(c) })
	return c.api
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed after the connection has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *Client) send(data []byte) error {
	text := string(data)
	c.logRaw(logSend, "Client >", text)
	if err := c.conn.Send(text); err != nil {
		return err
	}
	c.opts.metrics.Message(metrics.SideClient, metrics.DirectionOut)
	return nil
}

func (c *Client) logRaw(direction, prefix, text string) {
	if c.opts.logEmit {
		c.logs.Emit(direction, text)
	}
	if c.opts.logConsole {
		c.opts.logger.Info(prefix, zap.String("message", text))
	}
}

func (c *Client) handleMessage(text string) {
	c.logRaw(logReceive, "Client <", text)
	c.opts.metrics.Message(metrics.SideClient, metrics.DirectionIn)

	d, err := c.opts.codec.Decode([]byte(text))
	if err != nil {
		c.protocolError(err)
		return
	}

	switch d.Kind {
	case codec.KindResponse:
		c.handleResponse(d.Response())
	case codec.KindNotification:
		c.events.Emit(d.Method, d.Params)
	case codec.KindRequest:
		c.protocolError(fmt.Errorf("%w: %s", ErrUnexpectedRequest, d.Method))
	default:
		c.protocolError(fmt.Errorf("%w: %.128s", ErrMalformedMessage, text))
	}
}

func (c *Client) handleResponse(resp *message.Response) {
	call := c.remove(resp.ID)
	if call == nil {
		c.protocolError(fmt.Errorf("%w: id %d", ErrOrphanResponse, resp.ID))
		return
	}

	if err := resp.Validate(); err != nil {
		c.protocolError(fmt.Errorf("id %d: %w", resp.ID, err))
		call.complete(nil, err)
		c.opts.metrics.Call(metrics.SideClient, metrics.OutcomeError)
		return
	}

	if resp.Error != nil {
		call.complete(nil, resp.Error)
		c.opts.metrics.Call(metrics.SideClient, metrics.OutcomeError)
		return
	}
	call.complete(resp.Result, nil)
	c.opts.metrics.Call(metrics.SideClient, metrics.OutcomeOK)
}

func (c *Client) protocolError(err error) {
	c.opts.metrics.ProtocolError(metrics.SideClient)
	c.handleError(err)
}

func (c *Client) handleError(err error) {
	if c.lifecycle.Emit(eventError, err) == 0 {
		c.opts.logger.Warn("connection error", zap.Error(err))
	}
}

// remove takes the pending call with id out of the table.
func (c *Client) remove(id message.ID) *Call {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.opts.metrics.PendingAdd(-1)
	return call
}

// forget abandons call, completing it with err unless a response won the race.
func (c *Client) forget(call *Call, err error) {
	if c.remove(call.ID) != nil && call.complete(nil, err) {
		c.opts.metrics.Call(metrics.SideClient, metrics.OutcomeCanceled)
	}
}

// teardown fails every pending call so no caller waits forever.
func (c *Client) teardown(reason error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[message.ID]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.complete(nil, reason)
		c.opts.metrics.Call(metrics.SideClient, metrics.OutcomeClosed)
	}
	c.opts.metrics.PendingAdd(-len(pending))

	if c.lifecycle.Emit(eventClose, reason) == 0 {
		c.opts.logger.Debug("connection closed", zap.Error(reason))
	}
}
