package server

import (
	"event-rpc/message"
	"event-rpc/transport"

	"go.uber.org/zap"
)

type options struct {
	variant       message.Variant
	logger        *zap.Logger
	debug         bool // Ship remote_stack with translated errors
	rateLimit     float64
	rateBurst     int
	serviceName   string
	weight        int
	version       string
	ttl           int64
	transportOpts []transport.Option
}

func defaultOptions() options {
	return options{
		variant:     message.SharedChannel,
		logger:      zap.NewNop(),
		serviceName: "event-rpc",
		weight:      1,
		ttl:         10,
	}
}

// Option configures a Server.
type Option func(*options)

// WithVariant selects the wire variant every peer of this server speaks.
func WithVariant(v message.Variant) Option {
	return func(o *options) { o.variant = v }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDebug makes translated errors carry their stack trace.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithRateLimit caps every peer at r calls per second with the given burst.
// r <= 0 disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = r
		o.rateBurst = burst
	}
}

// WithRegistration sets how Serve advertises this server in a registry.
func WithRegistration(serviceName string, weight int, version string, ttl int64) Option {
	return func(o *options) {
		if serviceName != "" {
			o.serviceName = serviceName
		}
		o.weight = weight
		o.version = version
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithTransportOptions configures the sockets Serve accepts.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}
