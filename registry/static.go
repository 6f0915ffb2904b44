package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Static is an in-memory Registry, for fixed deployments and tests.
type Static struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
}

// NewStatic creates a Static registry listing instances for each service in services.
func NewStatic(instances []ServiceInstance, services ...string) *Static {
	s := &Static{instances: make(map[string][]ServiceInstance)}
	for _, name := range services {
		s.instances[name] = slices.Clone(instances)
	}
	return s
}

// Register adds or replaces the instance with the same address. ttl is ignored.
func (s *Static) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.instances[serviceName]
	if i := slices.IndexFunc(list, func(in ServiceInstance) bool { return in.Addr == instance.Addr }); i >= 0 {
		list[i] = instance
		return nil
	}
	s.instances[serviceName] = append(list, instance)
	return nil
}

func (s *Static) Deregister(_ context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[serviceName] = slices.DeleteFunc(s.instances[serviceName], func(in ServiceInstance) bool {
		return in.Addr == addr
	})
	return nil
}

func (s *Static) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.instances[serviceName]
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("service %q: no instances registered", serviceName)
	}
	return slices.Clone(list), nil
}
