package transport

import (
	"time"

	"event-rpc/codec"

	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds a single frame write. A peer that stops reading fails the
// write once its buffers fill, and its socket is closed.
const DefaultWriteTimeout = 10 * time.Second

type options struct {
	codec        codec.CodecType
	logger       *zap.Logger
	heartbeat    time.Duration // Dialed sockets only
	idleTimeout  time.Duration // Longest silence tolerated from the other end
	writeTimeout time.Duration
	dialTimeout  time.Duration
}

func defaultOptions() options {
	return options{
		codec:        codec.CodecTypeJSON,
		logger:       zap.NewNop(),
		heartbeat:    30 * time.Second,
		writeTimeout: DefaultWriteTimeout,
		dialTimeout:  5 * time.Second,
	}
}

// Option configures sockets created by a Server or by Dial.
type Option func(*options)

// WithCodec selects the codec for outgoing events. Replies always use the codec of the
// event they answer.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codec = ct }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHeartbeat sets the heartbeat period of dialed sockets. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithIdleTimeout closes a socket that received nothing, heartbeats included, for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithWriteTimeout bounds each frame write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
