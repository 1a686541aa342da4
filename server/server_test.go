package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"event-rpc/client"
	"event-rpc/codec"
	"event-rpc/message"
	"event-rpc/middleware"
	"event-rpc/protocol"
	"event-rpc/registry"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var variants = []message.Variant{message.SharedChannel, message.PerMethod}

// start runs svr on a loopback port until the test ends and returns its address.
func start(t *testing.T, svr *Server, opts ...transport.Option) string {
	t.Helper()
	ts := transport.NewServer(opts...)
	require.NoError(t, ts.Listen("tcp", "127.0.0.1:0"))
	svr.Run(ts)
	go ts.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return ts.Addr().String()
}

func connect(t *testing.T, svr *Server, addr string, v message.Variant) *client.Client {
	t.Helper()
	before := svr.PeerCount()
	c, err := client.Dial("tcp", addr, client.WithVariant(v))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return svr.PeerCount() > before }, 2*time.Second, 5*time.Millisecond)
	return c
}

func declareAdd(t *testing.T, svr *Server) {
	require.NoError(t, svr.Declare("add", func(ctx context.Context, args message.Args) (any, error) {
		var a, b int
		if err := args.Bind(0, &a); err != nil {
			return nil, err
		}
		if err := args.Bind(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}))
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAdd(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			svr := NewServer(WithVariant(v))
			declareAdd(t, svr)
			c := connect(t, svr, start(t, svr), v)

			ret, err := c.Invoke(callCtx(t), "add", 3, 4)
			require.NoError(t, err)
			assert.Nil(t, ret.ThrownException)
			assert.JSONEq(t, `7`, string(ret.ReturnedValue))

			var sum int
			require.NoError(t, c.Call(callCtx(t), "add", &sum, 10, 20))
			assert.Equal(t, 30, sum)
		})
	}
}

func TestThrownException(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			svr := NewServer(WithVariant(v))
			require.NoError(t, svr.Declare("fail", func(ctx context.Context, args message.Args) (any, error) {
				return nil, errors.New("boom")
			}))
			c := connect(t, svr, start(t, svr), v)

			ret, err := c.Invoke(callCtx(t), "fail")
			require.NoError(t, err)
			assert.Empty(t, ret.ReturnedValue)
			require.NotNil(t, ret.ThrownException)
			assert.Equal(t, "Error", ret.ThrownException.Name)
			assert.Equal(t, "boom", ret.ThrownException.Message)
			assert.Empty(t, ret.ThrownException.Stack)

			err = c.Call(callCtx(t), "fail", nil)
			var te *message.TranslatedError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "boom", te.Message)
		})
	}
}

func TestThrownExceptionStackInDebug(t *testing.T) {
	svr := NewServer(WithDebug(true))
	require.NoError(t, svr.Declare("fail", func(ctx context.Context, args message.Args) (any, error) {
		return nil, errors.New("boom")
	}))
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	ret, err := c.Invoke(callCtx(t), "fail")
	require.NoError(t, err)
	require.NotNil(t, ret.ThrownException)
	assert.Contains(t, ret.ThrownException.Stack, "Error: boom")
	assert.Contains(t, ret.ThrownException.Stack, "server_test.go")
}

func TestUndeclaredMethod(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			var ran atomic.Int32
			svr := NewServer(WithVariant(v))
			require.NoError(t, svr.Declare("real", func(ctx context.Context, args message.Args) (any, error) {
				ran.Add(1)
				return nil, nil
			}))
			c := connect(t, svr, start(t, svr), v)

			ret, err := c.Invoke(callCtx(t), "ghost")
			require.NoError(t, err)
			require.NotNil(t, ret.ThrownException)
			assert.Equal(t, "Method 'ghost' is not declared", ret.ThrownException.Message)
			assert.Equal(t, "Error", ret.ThrownException.Name)
			assert.Zero(t, ran.Load())
		})
	}
}

func TestDisconnectUnknownPeerIsNoop(t *testing.T) {
	svr := NewServer()
	addr := start(t, svr)
	connect(t, svr, addr, message.SharedChannel)
	peers := svr.Peers()

	svr.removePeer("not-a-peer")
	svr.removePeer("not-a-peer")

	assert.Equal(t, peers, svr.Peers())
}

func TestPeerRemovedOnDisconnect(t *testing.T) {
	svr := NewServer()
	addr := start(t, svr)
	c := connect(t, svr, addr, message.SharedChannel)
	connect(t, svr, addr, message.SharedChannel)
	require.Equal(t, 2, svr.PeerCount())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return svr.PeerCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, svr.Peers(), c.ID())
}

func TestPublishFanOut(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			svr := NewServer(WithVariant(v))
			addr := start(t, svr)

			const n = 3
			inboxes := make([]chan int, n+1)
			clients := make([]*client.Client, n+1)
			for i := range clients {
				inbox := make(chan int, 4)
				inboxes[i] = inbox
				clients[i] = connect(t, svr, addr, v)
				clients[i].Subscribe("tick", func(args message.Args) {
					var x int
					args.Bind(0, &x)
					inbox <- x
				})
			}

			// The last client leaves before the publish.
			require.NoError(t, clients[n].Close())
			require.Eventually(t, func() bool { return svr.PeerCount() == n }, 2*time.Second, 5*time.Millisecond)

			svr.Publish("tick", 42)

			for i := 0; i < n; i++ {
				select {
				case x := <-inboxes[i]:
					assert.Equal(t, 42, x)
				case <-time.After(2 * time.Second):
					t.Fatalf("client %d got no tick", i)
				}
			}
			time.Sleep(100 * time.Millisecond)
			for i := 0; i <= n; i++ {
				assert.Empty(t, inboxes[i], "client %d got more than one tick", i)
			}
		})
	}
}

func TestPublishSkipsLateJoiners(t *testing.T) {
	svr := NewServer()
	addr := start(t, svr)
	svr.Publish("tick", 1)

	got := make(chan int, 2)
	c := connect(t, svr, addr, message.SharedChannel)
	c.Subscribe("tick", func(args message.Args) {
		var x int
		args.Bind(0, &x)
		got <- x
	})
	svr.Publish("tick", 2)

	select {
	case x := <-got:
		assert.Equal(t, 2, x)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
	assert.Empty(t, got)
}

func TestOverlappingCallsResolveIndependently(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			svr := NewServer(WithVariant(v))
			require.NoError(t, svr.DeclareFunc("slow", func(s string) string {
				time.Sleep(300 * time.Millisecond)
				return "slow:" + s
			}))
			require.NoError(t, svr.DeclareFunc("fast", func(s string) string {
				return "fast:" + s
			}))
			c := connect(t, svr, start(t, svr), v)

			var mu sync.Mutex
			var order []string
			var wg sync.WaitGroup
			call := func(method, arg string) {
				defer wg.Done()
				var out string
				if assert.NoError(t, c.Call(callCtx(t), method, &out, arg)) {
					assert.Equal(t, method+":"+arg, out)
				}
				mu.Lock()
				order = append(order, method)
				mu.Unlock()
			}

			wg.Add(2)
			go call("slow", "a")
			time.Sleep(50 * time.Millisecond)
			go call("fast", "b")
			wg.Wait()

			assert.Equal(t, []string{"fast", "slow"}, order)
		})
	}
}

func TestFireAndForget(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			var count atomic.Int32
			svr := NewServer(WithVariant(v))
			require.NoError(t, svr.DeclareFunc("bump", func(n int) error {
				count.Add(int32(n))
				return errors.New("nobody listens")
			}))
			c := connect(t, svr, start(t, svr), v)

			require.NoError(t, c.Notify("bump", 2))
			require.NoError(t, c.Notify("ghost"))
			require.Eventually(t, func() bool { return count.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

			// The connection is still healthy afterwards.
			ret, err := c.Invoke(callCtx(t), "bump", 1)
			require.NoError(t, err)
			assert.Equal(t, "nobody listens", ret.ThrownException.Message)
		})
	}
}

func TestPanicIsTranslated(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Declare("explode", func(ctx context.Context, args message.Args) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	}))
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	ret, err := c.Invoke(callCtx(t), "explode")
	require.NoError(t, err)
	require.NotNil(t, ret.ThrownException)
	assert.Contains(t, ret.ThrownException.Message, "nil map")

	// The server survives.
	ret, err = c.Invoke(callCtx(t), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "Method 'ghost' is not declared", ret.ThrownException.Message)
}

func TestDeclare(t *testing.T) {
	svr := NewServer()
	noop := func(ctx context.Context, args message.Args) (any, error) { return nil, nil }

	assert.Error(t, svr.Declare("", noop))
	assert.Error(t, svr.Declare("nil", nil))
	assert.Error(t, svr.DeclareFunc("notfunc", 42))

	require.NoError(t, svr.Declare("v", func(ctx context.Context, args message.Args) (any, error) { return 1, nil }))
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	var got int
	require.NoError(t, c.Call(callCtx(t), "v", &got))
	assert.Equal(t, 1, got)

	// Last declaration wins, and is visible to peers that connected earlier.
	require.NoError(t, svr.Declare("v", func(ctx context.Context, args message.Args) (any, error) { return 2, nil }))
	require.NoError(t, svr.Declare("late", noop))
	require.NoError(t, c.Call(callCtx(t), "v", &got))
	assert.Equal(t, 2, got)
	require.NoError(t, c.Call(callCtx(t), "late", nil))

	assert.Equal(t, []string{"late", "v"}, svr.Methods())
}

func TestHandlerSeesPeer(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.DeclareFunc("whoami", func(ctx context.Context) string {
		return PeerID(ctx)
	}))
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	var id string
	require.NoError(t, c.Call(callCtx(t), "whoami", &id))
	assert.Equal(t, svr.Peers(), []string{id})
}

func TestMiddlewareAndRateLimit(t *testing.T) {
	var seen atomic.Int32
	svr := NewServer(WithRateLimit(0.001, 2))
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Return {
			seen.Add(1)
			return next(ctx, inv)
		}
	})
	declareAdd(t, svr)
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Call(callCtx(t), "add", nil, 1, 1))
	}
	err := c.Call(callCtx(t), "add", nil, 1, 1)
	var te *message.TranslatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, middleware.RateLimitErrorName, te.Name)
	assert.Equal(t, int32(3), seen.Load())
}

func TestReplyToDepartedPeerIsDropped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svr := NewServer()
	require.NoError(t, svr.Declare("wait", func(ctx context.Context, args message.Args) (any, error) {
		close(started)
		<-release
		return "late", nil
	}))
	addr := start(t, svr)
	c := connect(t, svr, addr, message.SharedChannel)

	go c.Invoke(context.Background(), "wait")
	<-started
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return svr.PeerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	close(release)

	// The server keeps serving others.
	declareAdd(t, svr)
	other := connect(t, svr, addr, message.SharedChannel)
	var sum int
	require.NoError(t, other.Call(callCtx(t), "add", &sum, 3, 4))
	assert.Equal(t, 7, sum)
}

func TestSharedChannelWireShape(t *testing.T) {
	svr := NewServer()
	declareAdd(t, svr)
	addr := start(t, svr)

	sock, err := transport.Dial("tcp", addr)
	require.NoError(t, err)
	defer sock.Close()

	reply, err := sock.EmitWithAck(callCtx(t), "call", "add", 3, 4)
	require.NoError(t, err)
	require.Len(t, reply, 1)
	assert.JSONEq(t, `{"returnedValue":7}`, string(reply[0]))

	reply, err = sock.EmitWithAck(callCtx(t), "call", "ghost")
	require.NoError(t, err)
	assert.JSONEq(t, `{"thrownException":{"remote_name":"Error","remote_message":"Method 'ghost' is not declared"}}`, string(reply[0]))

	// No method name at all, or a name that is not a string.
	for _, tc := range []struct {
		args []any
		want string
	}{
		{nil, "Method 'undefined' is not declared"},
		{[]any{nil}, "Method 'null' is not declared"},
		{[]any{12}, "Method '12' is not declared"},
	} {
		reply, err = sock.EmitWithAck(callCtx(t), "call", tc.args...)
		require.NoError(t, err)
		var ret message.Return
		require.NoError(t, json.Unmarshal(reply[0], &ret))
		require.NotNil(t, ret.ThrownException)
		assert.Equal(t, tc.want, ret.ThrownException.Message)
	}
}

func TestPerMethodWireShape(t *testing.T) {
	svr := NewServer(WithVariant(message.PerMethod))
	declareAdd(t, svr)
	addr := start(t, svr)

	sock, err := transport.Dial("tcp", addr)
	require.NoError(t, err)
	defer sock.Close()

	returns := make(chan json.RawMessage, 1)
	sock.On("add..return..abc", func(args message.Args, ack transport.AckFunc) { returns <- args[0] })
	events := make(chan message.Args, 1)
	sock.On("tick..event", func(args message.Args, ack transport.AckFunc) { events <- args })

	require.NoError(t, sock.Emit("add..call", map[string]any{"cookie": "abc", "args": []int{3, 4}}))
	select {
	case raw := <-returns:
		assert.JSONEq(t, `{"returnedValue":7}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("no return event")
	}

	require.Eventually(t, func() bool { return svr.PeerCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	svr.Publish("tick", 42, "x")
	select {
	case args := <-events:
		assert.Equal(t, message.Args{json.RawMessage(`42`), json.RawMessage(`"x"`)}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast")
	}
}

func TestServeAdvertisesAndShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithRegistration("Calc", 3, "1.0", 10))
	declareAdd(t, svr)
	require.NoError(t, svr.DeclareFunc("echo", func(s string) string { return s }))

	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", "127.0.0.1:0", "", reg) }()

	var instances []registry.ServiceInstance
	require.Eventually(t, func() bool {
		instances, _ = reg.Discover("Calc")
		return len(instances) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, svr.Addr(), instances[0].Addr)
	assert.Equal(t, 3, instances[0].Weight)
	assert.Equal(t, []string{"add", "echo"}, instances[0].Methods)

	c := connect(t, svr, svr.Addr(), message.SharedChannel)
	var out string
	require.NoError(t, c.Call(callCtx(t), "echo", &out, "hi"))
	assert.Equal(t, "hi", out)

	require.NoError(t, svr.Shutdown(time.Second))
	assert.NoError(t, <-served)

	instances, _ = reg.Discover("Calc")
	assert.Empty(t, instances)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still connected after shutdown")
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.DeclareFunc("nap", func() string {
		time.Sleep(200 * time.Millisecond)
		return "rested"
	}))
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	result := make(chan error, 1)
	var out string
	go func() { result <- c.Call(context.Background(), "nap", &out) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svr.Shutdown(2*time.Second))
	require.NoError(t, <-result)
	assert.Equal(t, "rested", out)
}

func TestPublishSurvivesPeerThatStopsReading(t *testing.T) {
	svr := NewServer()
	addr := start(t, svr, transport.WithWriteTimeout(500*time.Millisecond))

	const healthy = 8
	ticks := make(chan string, healthy)
	for i := 0; i < healthy; i++ {
		c := connect(t, svr, addr, message.SharedChannel)
		id := c.ID()
		c.Subscribe("tick", func(args message.Args) { ticks <- id })
	}

	// Connects and never reads.
	stalled, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer stalled.Close()
	require.Eventually(t, func() bool { return svr.PeerCount() == healthy+1 }, 2*time.Second, 5*time.Millisecond)

	published := make(chan struct{})
	go func() {
		defer close(published)
		big := strings.Repeat("x", 1<<20)
		for i := 0; i < 16; i++ {
			svr.Publish("fill", big)
		}
		svr.Publish("tick", 42)
	}()
	select {
	case <-published:
	case <-time.After(10 * time.Second):
		t.Fatal("Publish blocked on a peer that does not read")
	}

	got := map[string]bool{}
	for len(got) < healthy {
		select {
		case id := <-ticks:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("tick reached %d of %d healthy peers", len(got), healthy)
		}
	}
	require.Eventually(t, func() bool { return svr.PeerCount() == healthy }, 2*time.Second, 5*time.Millisecond)
}

func TestCallsRefusedDuringShutdown(t *testing.T) {
	svr := NewServer()
	declareAdd(t, svr)
	napping := make(chan struct{})
	require.NoError(t, svr.DeclareFunc("nap", func() string {
		close(napping)
		time.Sleep(300 * time.Millisecond)
		return "rested"
	}))
	c := connect(t, svr, start(t, svr), message.SharedChannel)

	napped := make(chan error, 1)
	var out string
	go func() { napped <- c.Call(context.Background(), "nap", &out) }()
	<-napping

	stopped := make(chan error, 1)
	go func() { stopped <- svr.Shutdown(2 * time.Second) }()

	require.Eventually(t, func() bool {
		err := c.Call(callCtx(t), "add", nil, 1, 2)
		var te *message.TranslatedError
		return errors.As(err, &te) && te.Message == "server is shutting down"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, <-napped)
	assert.Equal(t, "rested", out)
	require.NoError(t, <-stopped)
}

func TestMalformedCallsThrowTypeError(t *testing.T) {
	t.Run("shared payload not an array", func(t *testing.T) {
		svr := NewServer()
		declareAdd(t, svr)
		conn, err := net.Dial("tcp", start(t, svr))
		require.NoError(t, err)
		defer conn.Close()

		body := []byte(`{"event":"call","payload":{"method":"add"}}`)
		h := protocol.Header{CodecType: byte(codec.CodecTypeJSON), MsgType: protocol.MsgTypeEvent, AckID: 3}
		require.NoError(t, protocol.Encode(conn, &h, body))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		header, reply, err := protocol.Decode(conn)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgTypeAck, header.MsgType)
		assert.Equal(t, uint32(3), header.AckID)

		var pkt message.Packet
		require.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(reply, &pkt))
		args, err := pkt.Args()
		require.NoError(t, err)
		var ret message.Return
		require.NoError(t, args.Bind(0, &ret))
		require.NotNil(t, ret.ThrownException)
		assert.Equal(t, ArgumentErrorName, ret.ThrownException.Name)
	})

	t.Run("per-method args not an array", func(t *testing.T) {
		svr := NewServer(WithVariant(message.PerMethod))
		declareAdd(t, svr)
		sock, err := transport.Dial("tcp", start(t, svr))
		require.NoError(t, err)
		defer sock.Close()

		returns := make(chan json.RawMessage, 1)
		sock.On("add..return..k1", func(args message.Args, ack transport.AckFunc) { returns <- args[0] })
		require.NoError(t, sock.Emit("add..call", map[string]any{"cookie": "k1", "args": map[string]int{"a": 1}}))

		select {
		case raw := <-returns:
			var ret message.Return
			require.NoError(t, json.Unmarshal(raw, &ret))
			require.NotNil(t, ret.ThrownException)
			assert.Equal(t, ArgumentErrorName, ret.ThrownException.Name)
			assert.Empty(t, ret.ReturnedValue)
		case <-time.After(2 * time.Second):
			t.Fatal("no return event")
		}
	})
}
