// Package loadbalance picks the server instance a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (ServiceInstance.Weight)
//   - ConsistentHash:  calls with the same key stick to one instance, so pushes
//     and state tied to a session land on the same server
package loadbalance

import (
	"errors"
	"fmt"

	"push-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per call. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects an instance for key, typically the "Service.Method" being called.
	// Only ConsistentHash looks at key.
	Pick(key string, instances []registry.ServiceInstance) (registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobin{}, nil
	case "weighted_random":
		return &WeightedRandom{}, nil
	case "consistent_hash":
		return NewConsistentHash(0), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
