package registry

import "context"

type ServiceInstance struct {
	Addr     string
	Weight   int // Weight for load balancing
	Version  string
	Protocol string // "standard", "push" or "http"
}

// Registry is where a server advertises the services it hosts.
type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
}
