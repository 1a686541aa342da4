package registry

import (
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored: entries live until
// Deregister. Useful for single-process deployments and tests.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // service → addr → instance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[serviceName] == nil {
		m.instances[serviceName] = make(map[string]ServiceInstance)
	}
	m.instances[serviceName][instance.Addr] = instance
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[serviceName][addr]; !ok {
		return nil
	}
	delete(m.instances[serviceName], addr)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(serviceName), nil
}

// Watch emits the instance list after every change. A watcher that falls behind only
// sees the latest list.
func (m *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	return ch
}

func (m *MemoryRegistry) snapshotLocked(serviceName string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(m.instances[serviceName]))
	for _, inst := range m.instances[serviceName] {
		out = append(out, inst)
	}
	// Stable order keeps round robin deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (m *MemoryRegistry) notifyLocked(serviceName string) {
	snapshot := m.snapshotLocked(serviceName)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch: // Drop the stale list
		default:
		}
		ch <- snapshot
	}
}
