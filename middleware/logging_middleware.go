package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"domain-rpc/message"
)

// Logging logs every call with its duration; failed calls are logged at warn level.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Int64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call", fields...)
			}
			return result, err
		}
	}
}
