// Package server implements the RPC server: declared methods callable by connected peers,
// and events published to all of them.
//
// Call processing pipeline:
//
//	socket read loop → call event (shared "call" or "<method>..call")
//	  → go invoke (one goroutine per call, a slow method never blocks the others)
//	    → Middleware Chain → businessHandler (registry lookup, handler, error translation)
//	    → reply on the caller's ack, or on "<method>..return..<cookie>"
package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"event-rpc/message"
	"event-rpc/middleware"
	"event-rpc/registry"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handler runs one invocation of a declared method. args are the call's positional
// arguments, still JSON encoded. A returned error becomes the reply's thrownException.
type Handler func(ctx context.Context, args message.Args) (any, error)

type declaredMethod struct {
	name    string
	handler Handler
}

// Server owns a method registry and the set of connected peers. Both are scoped to the
// instance, so several servers can live in one process.
type Server struct {
	opts   options
	logger *zap.Logger

	mu          sync.RWMutex
	methods     map[string]*declaredMethod   // "add" → handler
	peers       map[string]*transport.Socket // socket id → socket
	middlewares []middleware.Middleware      // Applied in the order added
	handler     middleware.HandlerFunc       // Chain(middlewares...)(businessHandler), built by Run
	limiter     *middleware.RateLimiter      // nil without WithRateLimit
	transport   *transport.Server            // Set by Run
	registry    registry.Registry            // nil if not advertising
	advertise   string                       // Address registered in the registry
	closing     bool                         // Set by Shutdown; new calls are refused

	wg sync.WaitGroup // In-flight invocations
}

func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svr := &Server{
		opts:    o,
		logger:  o.logger,
		methods: make(map[string]*declaredMethod),
		peers:   make(map[string]*transport.Socket),
	}
	if o.rateLimit > 0 {
		svr.limiter = middleware.NewRateLimiter(o.rateLimit, o.rateBurst)
	}
	return svr
}

// Declare makes handler callable as name. Declaring an existing name replaces its handler;
// peers already connected see the new handler on their next call.
func (svr *Server) Declare(name string, handler Handler) error {
	if name == "" {
		return errors.New("declare: empty method name")
	}
	if handler == nil {
		return errors.Errorf("declare %q: nil handler", name)
	}
	svr.mu.Lock()
	_, replaced := svr.methods[name]
	svr.methods[name] = &declaredMethod{name: name, handler: handler}
	svr.mu.Unlock()

	svr.logger.Debug("method declared", zap.String("method", name), zap.Bool("replaced", replaced))
	return nil
}

// DeclareFunc declares an ordinary Go function; see FuncHandler for the accepted shapes.
func (svr *Server) DeclareFunc(name string, fn any) error {
	handler, err := FuncHandler(fn)
	if err != nil {
		return errors.Wrapf(err, "declare %q", name)
	}
	return svr.Declare(name, handler)
}

// Methods returns the declared method names, sorted.
func (svr *Server) Methods() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.methods))
	for name := range svr.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Use registers a middleware. Middlewares added after Run do not take effect.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Peers returns the ids of the connected peers.
func (svr *Server) Peers() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	ids := make([]string, 0, len(svr.peers))
	for id := range svr.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (svr *Server) PeerCount() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.peers)
}

// Publish sends event with args to every peer connected right now. Peers that connect
// later never see it. A failed or stalled delivery to one peer is logged and does not
// delay the rest. Publish returns once every write has finished or failed, so successive
// publishes reach each peer in order.
func (svr *Server) Publish(event string, args ...any) {
	if event == "" {
		svr.logger.Warn("publish: empty event name")
		return
	}
	pkt, err := message.NewPacket(svr.opts.variant.BroadcastEvent(event), args...)
	if err != nil {
		svr.logger.Error("publish: encode arguments", zap.String("event", event), zap.Error(err))
		return
	}

	svr.mu.RLock()
	peers := make([]*transport.Socket, 0, len(svr.peers))
	for _, p := range svr.peers {
		peers = append(peers, p)
	}
	svr.mu.RUnlock()

	// One writer per peer: a peer that stopped reading holds up only its own delivery,
	// until the write timeout ends its socket.
	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		errs   error
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p *transport.Socket) {
			defer wg.Done()
			if err := p.EmitPacket(pkt); err != nil {
				failMu.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "peer %s", p.ID()))
				failMu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	if errs != nil {
		svr.logger.Debug("publish: undelivered",
			zap.String("event", event),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Int("peers", len(peers)),
			zap.Error(errs))
	}
}

// Run binds the server to ts: connections become peers, their call events are dispatched.
// Run does not block; the caller drives ts.Serve.
func (svr *Server) Run(ts *transport.Server) {
	svr.mu.Lock()
	mws := append([]middleware.Middleware(nil), svr.middlewares...)
	if svr.limiter != nil {
		mws = append(mws, svr.limiter.Middleware())
	}
	svr.handler = middleware.Chain(mws...)(svr.businessHandler)
	svr.transport = ts
	svr.mu.Unlock()

	ts.OnConnection(svr.onConnect)
}

// Serve listens on address, runs the server on it, optionally advertises the declared
// methods in reg, and blocks in the accept loop until Shutdown.
//
// advertiseAddr is the routable address put in the registry; empty means the bound
// listen address.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	topts := append([]transport.Option{transport.WithLogger(svr.logger)}, svr.opts.transportOpts...)
	ts := transport.NewServer(topts...)
	if err := ts.Listen(network, address); err != nil {
		return err
	}
	svr.Run(ts)

	if advertiseAddr == "" {
		advertiseAddr = ts.Addr().String()
	}
	if reg != nil {
		err := reg.Register(svr.opts.serviceName, registry.ServiceInstance{
			Addr:    advertiseAddr,
			Weight:  svr.opts.weight,
			Version: svr.opts.version,
			Methods: svr.Methods(),
		}, svr.opts.ttl)
		if err != nil {
			ts.Close()
			return errors.Wrap(err, "register service")
		}
		svr.mu.Lock()
		svr.registry = reg
		svr.advertise = advertiseAddr
		svr.mu.Unlock()
	}

	return ts.Serve()
}

// Addr returns the address the server listens on, or "" before Run.
func (svr *Server) Addr() string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.transport == nil || svr.transport.Addr() == nil {
		return ""
	}
	return svr.transport.Addr().String()
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry, so clients stop picking this server
//  2. Stop accepting connections
//  3. Wait for in-flight invocations, at most timeout, so their replies still go out
//  4. Close every peer socket
//
// Calls arriving once Shutdown has begun are answered with a "server is shutting down"
// exception.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	svr.closing = true
	reg, addr, ts := svr.registry, svr.advertise, svr.transport
	svr.mu.Unlock()

	var errs error
	if reg != nil {
		errs = multierr.Append(errs, reg.Deregister(svr.opts.serviceName, addr))
	}
	if ts != nil {
		errs = multierr.Append(errs, ts.StopAccepting())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, errors.New("timeout waiting for ongoing invocations to finish"))
	}

	if ts != nil {
		errs = multierr.Append(errs, ts.Close())
	}
	return errs
}

// onConnect turns a new socket into a peer.
func (svr *Server) onConnect(sock *transport.Socket) {
	id := sock.ID()
	svr.mu.Lock()
	svr.peers[id] = sock
	svr.mu.Unlock()
	svr.logger.Debug("peer connected", zap.String("peer", id))

	sock.OnDisconnect(func() { svr.removePeer(id) })

	switch svr.opts.variant {
	case message.PerMethod:
		sock.OnAny(func(event string, args message.Args, _ transport.AckFunc) {
			svr.onPerMethodCall(sock, event, args)
		})
	default:
		sock.On(message.CallEvent, func(args message.Args, ack transport.AckFunc) {
			svr.onSharedCall(sock, args, ack)
		})
	}
	sock.OnMalformed(func(event string, cause error, ack transport.AckFunc) {
		svr.onMalformed(sock, event, cause, ack)
	})
}

// removePeer forgets a peer. An unknown id is a no-op.
func (svr *Server) removePeer(id string) {
	svr.mu.Lock()
	_, ok := svr.peers[id]
	delete(svr.peers, id)
	svr.mu.Unlock()

	if svr.limiter != nil {
		svr.limiter.Forget(id)
	}
	if ok {
		svr.logger.Debug("peer disconnected", zap.String("peer", id))
	}
}

func (svr *Server) currentHandler() middleware.HandlerFunc {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.handler == nil {
		return svr.businessHandler
	}
	return svr.handler
}
