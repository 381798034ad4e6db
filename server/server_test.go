package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"domain-rpc/api"
	"domain-rpc/client"
	"domain-rpc/codec"
	"domain-rpc/message"
	"domain-rpc/middleware"
	"domain-rpc/registry"
	"domain-rpc/transport"
)

func startServer(t *testing.T, opts ...Option) (*Server, *transport.MemoryListener) {
	t.Helper()
	l := transport.NewMemoryListener()
	s := New(l, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		s.Shutdown(time.Second)
	})
	return s, l
}

// rawConn talks to the server with hand written messages.
type rawConn struct {
	t    *testing.T
	sock transport.Socket
}

func dialRaw(t *testing.T, l *transport.MemoryListener) *rawConn {
	t.Helper()
	sock, err := l.Dial()
	if err != nil {
		t.Fatal(err)
	}
	c := &rawConn{t: t, sock: sock}
	if ev := c.next(); ev.Kind != transport.EventOpen {
		t.Fatalf("expect open, got %s", ev.Kind)
	}
	return c
}

func (c *rawConn) next() transport.Event {
	c.t.Helper()
	select {
	case ev := <-c.sock.Events():
		return ev
	case <-time.After(3 * time.Second):
		c.t.Fatal("timeout waiting for event")
	}
	return transport.Event{}
}

// roundTrip sends text and decodes the next message as a response.
func (c *rawConn) roundTrip(text string) *message.Response {
	c.t.Helper()
	if err := c.sock.Send(text); err != nil {
		c.t.Fatal(err)
	}
	return c.response()
}

func (c *rawConn) response() *message.Response {
	c.t.Helper()
	ev := c.next()
	if ev.Kind != transport.EventMessage {
		c.t.Fatalf("expect message, got %s", ev.Kind)
	}
	d, err := codec.Default.Decode([]byte(ev.Data))
	if err != nil {
		c.t.Fatal(err)
	}
	if d.Kind != codec.KindResponse {
		c.t.Fatalf("expect response, got %s: %s", d.Kind, ev.Data)
	}
	return d.Response()
}

func expectNothing(t *testing.T, sock transport.Socket) {
	t.Helper()
	select {
	case ev := <-sock.Events():
		t.Fatalf("expect no message, got %s %q", ev.Kind, ev.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func handlerOf(v any, err error) api.Handler {
	return func(context.Context, json.RawMessage) (any, error) { return v, err }
}

func TestExposeAndCall(t *testing.T) {
	s, l := startServer(t)
	err := s.API().Domain("D").Resolve("expose").Expose(map[string]api.Handler{
		"foo": handlerOf(map[string]int{"answer": 42}, nil),
		"bar": handlerOf(nil, nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	c := dialRaw(t, l)
	resp := c.roundTrip(`{"id":1,"method":"D.foo","params":{}}`)
	if resp.ID != 1 || string(resp.Result) != `{"answer":42}` || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp = c.roundTrip(`{"id":2,"method":"D.bar","params":{}}`)
	if resp.ID != 2 || string(resp.Result) != `{}` {
		t.Fatalf("expect {} for a nil result, got %s", resp.Result)
	}
	expectNothing(t, c.sock)
}

func TestFalsyResults(t *testing.T) {
	s, l := startServer(t)
	cases := []struct {
		result any
		want   string
	}{
		{nil, `{}`},
		{false, `{}`},
		{0, `{}`},
		{0.0, `{}`},
		{"", `{}`},
		{json.RawMessage("null"), `{}`},
		{true, `true`},
		{1, `1`},
		{"x", `"x"`},
		{[]int{}, `[]`},
	}
	for i, tc := range cases {
		s.Expose(fmt.Sprintf("F.m%d", i), handlerOf(tc.result, nil))
	}

	c := dialRaw(t, l)
	for i, tc := range cases {
		resp := c.roundTrip(fmt.Sprintf(`{"id":%d,"method":"F.m%d"}`, i, i))
		if string(resp.Result) != tc.want {
			t.Errorf("result %#v: expect %s, got %s", tc.result, tc.want, resp.Result)
		}
	}
}

func TestMethodNotFound(t *testing.T) {
	_, l := startServer(t)
	c := dialRaw(t, l)

	resp := c.roundTrip(`{"id":7,"method":"Page.nope"}`)
	if resp.ID != 7 || resp.Error == nil || resp.Error.Code != message.MethodNotFound {
		t.Fatalf("expect MethodNotFound for id 7, got %+v", resp)
	}
	if resp.Error.Message != "MethodNotFound: 'Page.nope' wasn't found" {
		t.Fatalf("unexpected message %q", resp.Error.Message)
	}
}

func TestHandlerErrorAndPanic(t *testing.T) {
	s, l := startServer(t)
	s.Expose("D.fail", handlerOf(nil, errors.New("disk full")))
	s.Expose("D.panic", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	s.Expose("D.panicErr", func(context.Context, json.RawMessage) (any, error) {
		panic(errors.New("bad state"))
	})
	s.Expose("D.ok", handlerOf("still serving", nil))

	c := dialRaw(t, l)
	cases := []struct {
		method string
		data   string
	}{
		{"D.fail", `"disk full"`},
		{"D.panic", `"boom"`},
		{"D.panicErr", `"bad state"`},
	}
	for i, tc := range cases {
		resp := c.roundTrip(fmt.Sprintf(`{"id":%d,"method":"%s"}`, i+1, tc.method))
		if resp.Error == nil || resp.Error.Code != message.InternalError {
			t.Fatalf("%s: expect InternalError, got %+v", tc.method, resp)
		}
		if string(resp.Error.Data) != tc.data {
			t.Errorf("%s: expect data %s, got %s", tc.method, tc.data, resp.Error.Data)
		}
		if want := fmt.Sprintf("InternalError: Internal Error when calling '%s'", tc.method); resp.Error.Message != want {
			t.Errorf("expect message %q, got %q", want, resp.Error.Message)
		}
	}

	// the server keeps serving after a panic
	resp := c.roundTrip(`{"id":9,"method":"D.ok"}`)
	if string(resp.Result) != `"still serving"` {
		t.Fatalf("unexpected result %s", resp.Result)
	}
}

func TestProtocolErrorResponses(t *testing.T) {
	_, l := startServer(t)
	c := dialRaw(t, l)

	cases := []struct {
		in   string
		id   message.ID
		code message.ErrorCode
	}{
		{`{not json`, message.NoID, message.ParseError},
		{`{}`, message.NoID, message.InvalidRequest},
		{`{"id":5}`, 5, message.InvalidRequest},
		{`{"id":6,"method":42}`, 6, message.InvalidRequest},
		{`{"id":3,"result":{}}`, 3, message.InvalidRequest},
		{`[1,2]`, message.NoID, message.InvalidRequest},
		{`{"id":7,"method":""}`, 7, message.InvalidRequest},
		{`{"method":""}`, message.NoID, message.InvalidRequest},
		{`{"id":2.0,"method":"D.missing"}`, 2, message.MethodNotFound},
		{`{"id":1e1,"method":"D.missing"}`, 10, message.MethodNotFound},
	}
	for _, tc := range cases {
		resp := c.roundTrip(tc.in)
		if resp.ID != tc.id || resp.Error == nil || resp.Error.Code != tc.code {
			t.Errorf("%s: expect %s with id %d, got %+v", tc.in, tc.code, tc.id, resp)
		}
	}
}

func TestLastRegistrationWins(t *testing.T) {
	s, l := startServer(t)
	s.Expose("D.v", handlerOf("first", nil))
	s.Expose("D.v", handlerOf("second", nil))

	resp := dialRaw(t, l).roundTrip(`{"id":1,"method":"D.v"}`)
	if string(resp.Result) != `"second"` {
		t.Fatalf("expect second, got %s", resp.Result)
	}
}

func TestPeerNotification(t *testing.T) {
	s, l := startServer(t)

	got := make(chan string, 2)
	s.On("Log.entryAdded", func(params json.RawMessage) { got <- string(params) })

	c := dialRaw(t, l)
	c.sock.Send(`{"method":"Log.entryAdded","params":{"n":1}}`)
	c.sock.Send(`{"method":"Log.entryAdded","params":{"n":2}}`)

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case params := <-got:
			if params != want {
				t.Fatalf("expect %s, got %s", want, params)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for notification")
		}
	}
	// notifications are never answered
	expectNothing(t, c.sock)
}

func TestBroadcast(t *testing.T) {
	s, l := startServer(t)

	conns := []*rawConn{dialRaw(t, l), dialRaw(t, l), dialRaw(t, l)}
	// wait until every socket was accepted
	deadline := time.Now().Add(3 * time.Second)
	for len(l.Clients()) != len(conns) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.API().Domain("Debugger").Resolve("emitPaused").Emit(map[string]string{"reason": "step"}); err != nil {
		t.Fatal(err)
	}
	for i, c := range conns {
		ev := c.next()
		if ev.Data != `{"method":"Debugger.paused","params":{"reason":"step"}}` {
			t.Fatalf("conn %d: unexpected broadcast %q", i, ev.Data)
		}
	}
}

type plainListener struct {
	transport.Listener
}

func TestBroadcastUnsupported(t *testing.T) {
	s := New(plainListener{transport.NewMemoryListener()})
	if err := s.Notify("Debugger.paused", nil); !errors.Is(err, ErrBroadcastUnsupported) {
		t.Fatalf("expect ErrBroadcastUnsupported, got %v", err)
	}
}

// brokenSocket fails every send.
type brokenSocket struct {
	transport.Socket
}

func (brokenSocket) Send(string) error { return errors.New("broken pipe") }

type listerOf []transport.Socket

func (l listerOf) Accept(ctx context.Context) (transport.Socket, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (l listerOf) Close() error                { return nil }
func (l listerOf) Clients() []transport.Socket { return l }

func TestBroadcastPartialFailure(t *testing.T) {
	a, b := transport.Pipe()
	s := New(listerOf{a, brokenSocket{}, brokenSocket{}})

	err := s.Notify("Page.frameNavigated", nil)
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("expect combined send errors, got %v", err)
	}

	<-b.Events() // open
	if ev := <-b.Events(); ev.Data != `{"method":"Page.frameNavigated"}` {
		t.Fatalf("expect delivery to the healthy socket, got %q", ev.Data)
	}
}

func TestConcurrentCallsOnOneConnection(t *testing.T) {
	s, l := startServer(t)
	release := make(chan struct{})
	s.Expose("D.slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-release
		return "slow", nil
	})
	s.Expose("D.fast", handlerOf("fast", nil))

	c := dialRaw(t, l)
	c.sock.Send(`{"id":1,"method":"D.slow"}`)
	// a slow call does not hold up the next one
	if resp := c.roundTrip(`{"id":2,"method":"D.fast"}`); resp.ID != 2 {
		t.Fatalf("expect fast response first, got id %d", resp.ID)
	}
	close(release)
	if resp := c.response(); resp.ID != 1 {
		t.Fatalf("expect slow response, got id %d", resp.ID)
	}
}

func TestMiddleware(t *testing.T) {
	s, l := startServer(t)
	var (
		mu   sync.Mutex
		seen []string
	)
	s.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			mu.Lock()
			seen = append(seen, req.Method)
			mu.Unlock()
			return next(ctx, req)
		}
	}, middleware.Timeout(50*time.Millisecond))

	s.Expose("D.ok", handlerOf("ok", nil))
	s.Expose("D.hang", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := dialRaw(t, l)
	if resp := c.roundTrip(`{"id":1,"method":"D.ok"}`); string(resp.Result) != `"ok"` {
		t.Fatalf("unexpected result %s", resp.Result)
	}
	resp := c.roundTrip(`{"id":2,"method":"D.hang"}`)
	if resp.Error == nil || string(resp.Error.Data) != `"request timed out"` {
		t.Fatalf("expect timeout error, got %+v", resp)
	}
	resp = c.roundTrip(`{"id":3,"method":"D.missing"}`)
	if resp.Error == nil || resp.Error.Code != message.MethodNotFound {
		t.Fatalf("expect MethodNotFound through the chain, got %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expect 3 calls through middleware, got %v", seen)
	}
}

func TestServerAPIHasNoCalls(t *testing.T) {
	s, _ := startServer(t)
	m := s.API().Domain("Page").Resolve("enable")
	if m.Kind != api.KindNone {
		t.Fatalf("expect KindNone on the server, got %s", m.Kind)
	}
	if _, err := m.Call(context.Background(), nil); !errors.Is(err, api.ErrNotCallable) {
		t.Fatalf("expect ErrNotCallable, got %v", err)
	}
}

type Profiler struct{}

type startArgs struct {
	Interval int `json:"interval"`
}

func (Profiler) Start(_ context.Context, args *startArgs) (map[string]int, error) {
	return map[string]int{"interval": args.Interval}, nil
}

func (Profiler) Stop(context.Context) (bool, error) {
	return false, nil
}

func TestClientServer(t *testing.T) {
	s, l := startServer(t)
	if err := s.API().Domain("Profiler").Expose(Profiler{}); err != nil {
		t.Fatal(err)
	}

	sock, err := l.Dial()
	if err != nil {
		t.Fatal(err)
	}
	c := client.New(sock)
	defer c.Close()

	var started struct{ Interval int }
	if err := c.CallInto(context.Background(), "Profiler.start", startArgs{Interval: 100}, &started); err != nil {
		t.Fatal(err)
	}
	if started.Interval != 100 {
		t.Fatalf("expect 100, got %d", started.Interval)
	}

	res, err := c.API().Domain("Profiler").Resolve("stop").Call(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != `{}` {
		t.Fatalf("expect {} for false, got %s", res)
	}

	// server broadcast reaches the client subscription
	got := make(chan json.RawMessage, 1)
	c.API().Domain("Profiler").Resolve("onConsoleProfileStarted").Subscribe(func(p json.RawMessage) { got <- p })
	if err := s.API().Domain("Profiler").Emit("consoleProfileStarted", map[string]string{"id": "1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if string(p) != `{"id":"1"}` {
			t.Fatalf("unexpected params %s", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	// client notification reaches the server subscription
	heard := make(chan struct{})
	s.On("Profiler.ping", func(json.RawMessage) { close(heard) })
	c.API().Domain("Profiler").Resolve("emitPing").Emit(nil)
	select {
	case <-heard:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for client notification")
	}
}

func TestClientServerTCP(t *testing.T) {
	l, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(l)
	s.Expose("Runtime.evaluate", func(_ context.Context, params json.RawMessage) (any, error) {
		var args struct{ Expression string }
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return map[string]string{"value": args.Expression}, nil
	})
	go s.Serve(context.Background())
	defer s.Shutdown(time.Second)

	c := client.New(transport.DialTCP(context.Background(), l.Addr()))
	defer c.Close()

	var reply struct{ Value string }
	if err := c.CallInto(context.Background(), "Runtime.evaluate", map[string]string{"expression": "1+1"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Value != "1+1" {
		t.Fatalf("expect 1+1, got %s", reply.Value)
	}
}

func TestAnnounceAndShutdown(t *testing.T) {
	l := transport.NewMemoryListener()
	s := New(l)
	s.Expose("Page.enable", handlerOf(nil, nil))
	s.Expose("Page.reload", handlerOf(nil, nil))
	s.Expose("Network.enable", handlerOf(nil, nil))
	s.Expose("bare", handlerOf(nil, nil))

	reg := registry.NewMemoryRegistry()
	ep := registry.Endpoint{Addr: "127.0.0.1:9000", Transport: "tcp", Weight: 1}
	if err := s.Announce(context.Background(), reg, ep, 10); err != nil {
		t.Fatal(err)
	}

	for _, domain := range []string{"Page", "Network"} {
		eps, _ := reg.Discover(context.Background(), domain)
		if len(eps) != 1 || eps[0] != ep {
			t.Fatalf("%s: expect %v, got %v", domain, ep, eps)
		}
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatalf("expect Serve to return nil after shutdown, got %v", err)
	}
	for _, domain := range []string{"Page", "Network"} {
		if eps, _ := reg.Discover(context.Background(), domain); len(eps) != 0 {
			t.Fatalf("%s: expect deregistered, got %v", domain, eps)
		}
	}
}

func TestShutdownWaitsForCalls(t *testing.T) {
	l := transport.NewMemoryListener()
	s := New(l)
	started := make(chan struct{})
	s.Expose("D.slow", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})
	go s.Serve(context.Background())

	c := dialRaw(t, l)
	c.sock.Send(`{"id":1,"method":"D.slow"}`)
	<-started

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("expect graceful shutdown, got %v", err)
	}
}

func TestCallAfterShutdown(t *testing.T) {
	l := transport.NewMemoryListener()
	s := New(l)
	ran := make(chan struct{}, 1)
	s.Expose("D.late", func(context.Context, json.RawMessage) (any, error) {
		ran <- struct{}{}
		return "ran", nil
	})
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}

	local, remote := transport.Pipe()
	c := &rawConn{t: t, sock: local}
	if ev := c.next(); ev.Kind != transport.EventOpen {
		t.Fatalf("expect open, got %s", ev.Kind)
	}
	s.processMessage(`{"id":4,"method":"D.late"}`, remote)

	resp := c.response()
	if resp.ID != 4 || resp.Error == nil || resp.Error.Code != message.InternalError {
		t.Fatalf("expect InternalError for a call after shutdown, got %+v", resp)
	}
	var data string
	if err := json.Unmarshal(resp.Error.Data, &data); err != nil || data != ErrShuttingDown.Error() {
		t.Fatalf("expect data %q, got %s", ErrShuttingDown, resp.Error.Data)
	}
	select {
	case <-ran:
		t.Fatal("handler ran after shutdown")
	default:
	}
}

func TestCallsRacingShutdown(t *testing.T) {
	for i := 0; i < 20; i++ {
		l := transport.NewMemoryListener()
		s := New(l)
		s.Expose("D.ctx", func(ctx context.Context, _ json.RawMessage) (any, error) {
			return nil, ctx.Err()
		})
		_, remote := transport.Pipe()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.processMessage(fmt.Sprintf(`{"id":%d,"method":"D.ctx"}`, j+1), remote)
			}
		}()
		if err := s.Shutdown(time.Second); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		wg.Wait()
	}
}

func TestShutdownTimeout(t *testing.T) {
	l := transport.NewMemoryListener()
	s := New(l)
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	s.Expose("D.stuck", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		<-block
		return nil, nil
	})
	go s.Serve(context.Background())

	c := dialRaw(t, l)
	c.sock.Send(`{"id":1,"method":"D.stuck"}`)
	<-started

	if err := s.Shutdown(20 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expect ErrShutdownTimeout, got %v", err)
	}
}

func TestMethods(t *testing.T) {
	s := New(transport.NewMemoryListener())
	s.Expose("B.x", handlerOf(nil, nil))
	s.Expose("A.y", handlerOf(nil, nil))
	got := s.Methods()
	if !sort.StringsAreSorted(got) || len(got) != 2 {
		t.Fatalf("expect 2 sorted methods, got %v", got)
	}
}

func TestLogEmit(t *testing.T) {
	s, l := startServer(t, WithLogEmit())
	s.Expose("D.ok", handlerOf("ok", nil))

	in := make(chan string, 1)
	out := make(chan string, 1)
	s.OnReceive(func(text string) { in <- text })
	s.OnSend(func(text string) { out <- text })

	dialRaw(t, l).roundTrip(`{"id":1,"method":"D.ok"}`)
	if got := <-in; got != `{"id":1,"method":"D.ok"}` {
		t.Fatalf("unexpected receive log %q", got)
	}
	if got := <-out; got != `{"id":1,"result":"ok"}` {
		t.Fatalf("unexpected send log %q", got)
	}
}
