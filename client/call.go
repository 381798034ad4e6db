package client

import (
	"context"
	"encoding/json"
	"sync"

	"domain-rpc/message"
)

// Call is an outstanding request. It completes exactly once, with a result,
// an error response, or the reason the connection went away.
type Call struct {
	ID     message.ID
	Method string

	Result json.RawMessage // set on success
	Err    error           // *message.Error for error responses

	client *Client
	once   sync.Once
	done   chan struct{}
}

func newCall(c *Client, method string) *Call {
	return &Call{Method: method, client: c, done: make(chan struct{})}
}

// Done is closed when the call completes.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

func (call *Call) complete(result json.RawMessage, err error) bool {
	completed := false
	call.once.Do(func() {
		call.Result, call.Err = result, err
		close(call.done)
		completed = true
	})
	return completed
}

// Wait blocks until the call completes or ctx is done. When ctx ends first
// the call is forgotten: a response arriving later is reported as an orphan.
func (call *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-call.done:
		return call.Result, call.Err
	case <-ctx.Done():
		call.client.forget(call, ctx.Err())
		<-call.done
		return call.Result, call.Err
	}
}
