package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"domain-rpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit admits r calls per second with bursts of up to burst calls, using a
// token bucket shared by every connection of the server.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
