// Package registry advertises running event-rpc servers and the methods they declare,
// so clients can find an address to dial.
package registry

// KeyPrefix roots every registry key: /event-rpc/{service}/{addr}.
const KeyPrefix = "/event-rpc/"

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
	Methods []string // Declared method names at registration time
}

// HasMethod reports whether the instance declared method when it registered.
// An instance that advertised no methods is assumed to serve all of them.
func (s ServiceInstance) HasMethod(method string) bool {
	if len(s.Methods) == 0 {
		return true
	}
	for _, m := range s.Methods {
		if m == method {
			return true
		}
	}
	return false
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}

func instanceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}
