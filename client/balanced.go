package client

import (
	"context"
	"sync"

	"event-rpc/loadbalance"
	"event-rpc/registry"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Balanced calls a service that may run on several servers. Each call discovers the
// service's instances, prefers those advertising the method, lets the balancer pick one,
// and reuses one connection per address.
type Balanced struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	service  string
	network  string
	opts     []Option

	mu      sync.Mutex
	clients map[string]*Client // addr → connection
}

func NewBalanced(reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) *Balanced {
	return &Balanced{
		registry: reg,
		balancer: bal,
		service:  service,
		network:  "tcp",
		opts:     opts,
		clients:  make(map[string]*Client),
	}
}

// Call is Client.Call on a picked instance. A connection found dead is dropped so the
// next call dials again; the failed call itself is not repeated.
func (b *Balanced) Call(ctx context.Context, method string, reply any, args ...any) error {
	c, addr, err := b.pick(ctx, method)
	if err != nil {
		return err
	}
	err = c.Call(ctx, method, reply, args...)
	if errors.Is(err, transport.ErrClosed) {
		b.drop(addr, c)
	}
	return err
}

func (b *Balanced) pick(ctx context.Context, method string) (*Client, string, error) {
	instances, err := b.registry.Discover(b.service)
	if err != nil {
		return nil, "", err
	}
	candidates := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.HasMethod(method) {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		// Let some server answer with its "not declared" error.
		candidates = instances
	}

	inst, err := b.balancer.Pick(candidates)
	if err != nil {
		return nil, "", errors.Wrapf(err, "service %s", b.service)
	}
	c, err := b.client(ctx, inst.Addr)
	return c, inst.Addr, err
}

func (b *Balanced) client(ctx context.Context, addr string) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[addr]; ok {
		select {
		case <-c.Done():
			delete(b.clients, addr)
		default:
			return c, nil
		}
	}
	c, err := DialContext(ctx, b.network, addr, b.opts...)
	if err != nil {
		return nil, err
	}
	b.clients[addr] = c
	return c, nil
}

func (b *Balanced) drop(addr string, c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[addr] == c {
		delete(b.clients, addr)
	}
	c.Close()
}

// Close closes every cached connection.
func (b *Balanced) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs error
	for addr, c := range b.clients {
		errs = multierr.Append(errs, c.Close())
		delete(b.clients, addr)
	}
	return errs
}
