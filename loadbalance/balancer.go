// Package loadbalance picks which event-rpc server a client dials when a service has
// several registered instances.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (Weight from the registry)
//   - ConsistentHash:  sticky placement, e.g. one client id always on the same server,
//     so it keeps receiving that server's broadcasts
package loadbalance

import (
	"event-rpc/registry"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before dialing a server.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin" (default), "weighted_random".
// Consistent hashing is key based and built with NewConsistentHashBalancer instead.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
