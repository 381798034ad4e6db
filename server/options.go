package server

import (
	"go.uber.org/zap"

	"domain-rpc/codec"
	"domain-rpc/metrics"
)

type options struct {
	logger     *zap.Logger
	codec      codec.Codec
	metrics    *metrics.Collector
	logEmit    bool
	logConsole bool
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		logger: zap.NewNop(),
		codec:  codec.Default,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogEmit delivers every raw message to OnSend and OnReceive listeners.
func WithLogEmit() Option {
	return func(o *options) { o.logEmit = true }
}

// WithLogConsole echoes every raw message through the logger as "Server >" and "Server <".
func WithLogConsole() Option {
	return func(o *options) { o.logConsole = true }
}
