package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"event-rpc/message"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// notDeclared is the error a call to an unknown method is answered with.
func notDeclared(method string) error {
	return errors.Errorf("Method '%s' is not declared", method)
}

// errShuttingDown answers calls that arrive after Shutdown began.
var errShuttingDown = errors.New("server is shutting down")

// methodName renders the first argument of a shared call as a method name. A missing
// argument reads "undefined"; non-string values keep their JSON text, so null reads "null".
func methodName(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "undefined"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// onSharedCall handles a "call" event: [method, args...] with an optional ack.
func (svr *Server) onSharedCall(sock *transport.Socket, args message.Args, ack transport.AckFunc) {
	rawName, rest := args.Shift()
	inv := &message.Invocation{
		Method: methodName(rawName),
		Peer:   sock.ID(),
		Args:   rest,
	}

	reply := func(ret *message.Return) {
		if ack == nil {
			return
		}
		if err := ack(ret); err != nil {
			svr.logger.Debug("reply undeliverable", zap.String("method", inv.Method), zap.String("peer", inv.Peer), zap.Error(err))
		}
	}
	svr.start(inv, reply)
}

// onPerMethodCall handles a "<method>..call" event whose single argument is {cookie, args}.
func (svr *Server) onPerMethodCall(sock *transport.Socket, event string, args message.Args) {
	method, ok := message.CallMethod(event)
	if !ok {
		svr.logger.Debug("ignoring event", zap.String("event", event), zap.String("peer", sock.ID()))
		return
	}

	// Args stays raw so that a bad argument list can still be answered on the cookie.
	var call struct {
		Cookie json.RawMessage `json:"cookie"`
		Args   json.RawMessage `json:"args"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &call); err != nil {
			// Without a readable cookie there is nowhere to reply.
			svr.logger.Warn("malformed call", zap.String("event", event), zap.String("peer", sock.ID()), zap.Error(err))
			return
		}
	}
	inv := &message.Invocation{
		Method: method,
		Cookie: message.Token(call.Cookie),
		Peer:   sock.ID(),
	}

	reply := func(ret *message.Return) {
		if inv.Cookie == "" {
			return
		}
		if err := sock.Emit(message.ReturnEvent(inv.Method, inv.Cookie), ret); err != nil {
			svr.logger.Debug("reply undeliverable", zap.String("method", inv.Method), zap.String("peer", inv.Peer), zap.Error(err))
		}
	}

	callArgs, err := (&message.Packet{Event: event, Payload: call.Args}).Args()
	if err != nil {
		reply(message.Thrown(message.WithName(ArgumentErrorName, err), svr.opts.debug))
		return
	}
	inv.Args = callArgs
	svr.start(inv, reply)
}

// start runs inv on its own goroutine, counted in svr.wg. Once Shutdown has begun the
// call is refused instead, so the count never grows while Shutdown waits on it.
func (svr *Server) start(inv *message.Invocation, reply func(*message.Return)) {
	svr.mu.RLock()
	if svr.closing {
		svr.mu.RUnlock()
		reply(message.Thrown(errShuttingDown, false))
		return
	}
	svr.wg.Add(1)
	svr.mu.RUnlock()
	go svr.invoke(inv, reply)
}

// onMalformed answers an event whose arguments could not be decoded, when the sender
// left a reply channel. Only shared calls can be answered: a per-method call's cookie
// is inside the undecodable arguments.
func (svr *Server) onMalformed(sock *transport.Socket, event string, cause error, ack transport.AckFunc) {
	svr.logger.Warn("malformed event", zap.String("event", event), zap.String("peer", sock.ID()), zap.Error(cause))
	if ack == nil || svr.opts.variant == message.PerMethod {
		return
	}
	if err := ack(message.Thrown(message.WithName(ArgumentErrorName, cause), svr.opts.debug)); err != nil {
		svr.logger.Debug("reply undeliverable", zap.String("event", event), zap.String("peer", sock.ID()), zap.Error(err))
	}
}

// invoke runs one call through the middleware chain and hands the result to reply.
// start has already counted it in svr.wg.
func (svr *Server) invoke(inv *message.Invocation, reply func(*message.Return)) {
	defer svr.wg.Done()
	ctx := withPeer(context.Background(), inv.Peer)
	ret := svr.currentHandler()(ctx, inv)
	if ret == nil {
		ret = &message.Return{}
	}
	reply(ret)
}

// businessHandler looks up the declared method and runs it. It is the innermost
// layer of the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, inv *message.Invocation) *message.Return {
	svr.mu.RLock()
	m, ok := svr.methods[inv.Method]
	svr.mu.RUnlock()
	if !ok {
		return message.Thrown(notDeclared(inv.Method), svr.opts.debug)
	}
	return svr.call(ctx, m, inv.Args)
}

// call runs a handler; a returned error or a panic becomes the thrown exception.
func (svr *Server) call(ctx context.Context, m *declaredMethod, args message.Args) (ret *message.Return) {
	defer func() {
		if r := recover(); r != nil {
			err := panicError(r)
			svr.logger.Error("method panicked", zap.String("method", m.name), zap.Error(err))
			ret = message.Thrown(err, svr.opts.debug)
		}
	}()

	v, err := m.handler(ctx, args)
	if err != nil {
		return message.Thrown(err, svr.opts.debug)
	}
	ret, err = message.Returned(v)
	if err != nil {
		return message.Thrown(err, svr.opts.debug)
	}
	return ret
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.WithStack(err)
	}
	return errors.New(fmt.Sprint(r))
}
