package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server accepts connections and turns each into a *Socket.
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → OnConnection(socket)   handlers installed before the first frame is read
//	  → socket.serve()         read loop until the connection ends
//	  → disconnect hooks
type Server struct {
	opts     options
	listener net.Listener
	shutdown atomic.Bool // Set before closing the listener to suppress the Accept error

	mu           sync.Mutex
	sockets      map[*Socket]struct{}
	onConnection func(*Socket)
	wg           sync.WaitGroup // Tracks read loops
}

func NewServer(opts ...Option) *Server {
	return &Server{
		opts:    buildOptions(opts),
		sockets: make(map[*Socket]struct{}),
	}
}

// OnConnection sets the callback run for every new socket. It runs on the socket's
// read goroutine, before any event from that socket is dispatched.
func (ts *Server) OnConnection(fn func(*Socket)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onConnection = fn
}

// Listen binds the listening address. Call Serve afterwards.
func (ts *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s %s", network, address)
	}
	ts.listener = listener
	ts.opts.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (ts *Server) Addr() net.Addr {
	if ts.listener == nil {
		return nil
	}
	return ts.listener.Addr()
}

// Serve runs the accept loop until Close. It returns nil after Close.
func (ts *Server) Serve() error {
	if ts.listener == nil {
		return errors.New("transport: Serve called before Listen")
	}
	for {
		conn, err := ts.listener.Accept()
		if err != nil {
			if ts.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		ts.wg.Add(1)
		go ts.handleConn(conn)
	}
}

func (ts *Server) handleConn(conn net.Conn) {
	defer ts.wg.Done()
	s := newSocket(conn, ts.opts)

	ts.mu.Lock()
	if ts.shutdown.Load() {
		ts.mu.Unlock()
		conn.Close()
		return
	}
	ts.sockets[s] = struct{}{}
	onConnection := ts.onConnection
	ts.mu.Unlock()

	s.logger.Debug("peer connected", zap.String("remote", s.RemoteAddr()))
	if onConnection != nil {
		onConnection(s)
	}
	s.serve()

	ts.mu.Lock()
	delete(ts.sockets, s)
	ts.mu.Unlock()
}

// StopAccepting closes the listener. Live sockets keep running.
func (ts *Server) StopAccepting() error {
	// Flag first, so Serve sees an intentional close rather than an Accept failure.
	if ts.shutdown.Swap(true) || ts.listener == nil {
		return nil
	}
	return ts.listener.Close()
}

// Close stops accepting, closes every live socket and waits for their read loops.
func (ts *Server) Close() error {
	err := ts.StopAccepting()

	ts.mu.Lock()
	live := make([]*Socket, 0, len(ts.sockets))
	for s := range ts.sockets {
		live = append(live, s)
	}
	ts.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
	ts.wg.Wait()
	return err
}

// Dial connects to a Server.
func Dial(network, address string, opts ...Option) (*Socket, error) {
	return DialContext(context.Background(), network, address, opts...)
}

// DialContext connects to a Server, bounded by ctx and the dial timeout.
// The returned socket is already reading; install handlers with On before
// expecting server-initiated events.
func DialContext(ctx context.Context, network, address string, opts ...Option) (*Socket, error) {
	o := buildOptions(opts)
	dialer := net.Dialer{Timeout: o.dialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", network, address)
	}

	s := newSocket(conn, o)
	go s.serve()
	if o.heartbeat > 0 {
		go s.heartbeatLoop(o.heartbeat)
	}
	return s, nil
}
