package middleware

import (
	"context"
	"errors"
	"time"

	"domain-rpc/message"
)

var ErrTimeout = errors.New("request timed out")

type outcome struct {
	result any
	err    error
}

// Timeout answers with ErrTimeout when the handler takes longer than timeout.
// The handler keeps running with a cancelled context; its result is dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
