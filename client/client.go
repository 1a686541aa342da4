// Package client calls methods declared on an event-rpc server and listens to the
// events it publishes.
package client

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"

	"event-rpc/message"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type options struct {
	variant       message.Variant
	logger        *zap.Logger
	transportOpts []transport.Option
}

type Option func(*options)

// WithVariant must match the server's wire variant.
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

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{variant: message.SharedChannel, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is one connection to a server. It is safe for concurrent use; overlapping
// calls are answered independently and in any order.
type Client struct {
	socket  *transport.Socket
	variant message.Variant
	logger  *zap.Logger
	cookies atomic.Uint64 // PerMethod correlation tokens
}

// Dial connects to the server at address.
func Dial(network, address string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), network, address, opts...)
}

func DialContext(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	topts := append([]transport.Option{transport.WithLogger(o.logger)}, o.transportOpts...)
	sock, err := transport.DialContext(ctx, network, address, topts...)
	if err != nil {
		return nil, err
	}
	return newClient(sock, o), nil
}

// NewClient wraps an already connected socket.
func NewClient(sock *transport.Socket, opts ...Option) *Client {
	return newClient(sock, buildOptions(opts))
}

func newClient(sock *transport.Socket, o options) *Client {
	return &Client{
		socket:  sock,
		variant: o.variant,
		logger:  o.logger.With(zap.String("socket", sock.ID())),
	}
}

// Call invokes method with args and decodes the returned value into reply (which may be
// nil). An exception thrown by the method comes back as *message.TranslatedError.
// ctx bounds the wait; the server still runs the call to completion.
func (c *Client) Call(ctx context.Context, method string, reply any, args ...any) error {
	ret, err := c.Invoke(ctx, method, args...)
	if err != nil {
		return err
	}
	return ret.Decode(reply)
}

// Invoke is Call without decoding: the raw reply.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (*message.Return, error) {
	if c.variant == message.PerMethod {
		return c.invokePerMethod(ctx, method, args)
	}
	callArgs := append([]any{method}, args...)
	reply, err := c.socket.EmitWithAck(ctx, message.CallEvent, callArgs...)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	return decodeReturn(reply)
}

func (c *Client) invokePerMethod(ctx context.Context, method string, args []any) (*message.Return, error) {
	argList, err := message.Values(args...)
	if err != nil {
		return nil, err
	}
	cookie := strconv.FormatUint(c.cookies.Add(1), 10)
	event := message.ReturnEvent(method, cookie)

	replies := make(chan message.Args, 1)
	c.socket.On(event, func(a message.Args, _ transport.AckFunc) {
		select {
		case replies <- a:
		default:
		}
	})
	defer c.socket.Off(event)

	call := message.PerMethodCall{Cookie: json.RawMessage(cookie), Args: argList}
	if err := c.socket.Emit(method+message.CallSuffix, call); err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}

	select {
	case reply := <-replies:
		return decodeReturn(reply)
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "call %s", method)
	case <-c.socket.Done():
		return nil, errors.Wrapf(transport.ErrClosed, "call %s", method)
	}
}

func decodeReturn(reply message.Args) (*message.Return, error) {
	var ret message.Return
	if err := reply.Bind(0, &ret); err != nil {
		return nil, errors.Wrap(err, "malformed reply")
	}
	return &ret, nil
}

// Notify invokes method without asking for a reply.
func (c *Client) Notify(method string, args ...any) error {
	if c.variant == message.PerMethod {
		argList, err := message.Values(args...)
		if err != nil {
			return err
		}
		return c.socket.Emit(method+message.CallSuffix, message.PerMethodCall{Args: argList})
	}
	return c.socket.Emit(message.CallEvent, append([]any{method}, args...)...)
}

// Subscribe runs fn for every published event. fn runs on the connection's read
// goroutine: it must not block, nor Call on this client.
func (c *Client) Subscribe(event string, fn func(args message.Args)) {
	c.socket.On(c.variant.BroadcastEvent(event), func(args message.Args, _ transport.AckFunc) {
		fn(args)
	})
}

func (c *Client) Unsubscribe(event string) {
	c.socket.Off(c.variant.BroadcastEvent(event))
}

// ID returns the connection's socket id.
func (c *Client) ID() string {
	return c.socket.ID()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.socket.Done()
}

func (c *Client) Close() error {
	return c.socket.Close()
}
