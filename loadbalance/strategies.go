package loadbalance

import (
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"push-rpc/registry"
)

// RoundRobin cycles through the instances in order with a lock-free counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(_ string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	n := b.counter.Add(1) - 1
	return instances[n%uint64(len(instances))], nil
}

func (b *RoundRobin) Name() string { return "round_robin" }

// WeightedRandom picks with probability proportional to Weight. Instances without
// a positive weight count as weight 1.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(_ string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	total := 0
	for _, inst := range instances {
		total += weight(inst)
	}
	r := rand.IntN(total)
	for _, inst := range instances {
		r -= weight(inst)
		if r < 0 {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandom) Name() string { return "weighted_random" }

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

// ConsistentHash maps keys onto a ring of virtual nodes, replicas per instance.
// The ring is rebuilt only when the instance set changes.
//
//	        0
//	      ╱   ╲
//	 B ●         ● A
//	   │  key ◆──►  (clockwise to the nearest node → A)
//	 C ●         ● A'
type ConsistentHash struct {
	replicas int

	mu    sync.Mutex
	ident string   // addresses the ring was built from
	ring  []uint32 // sorted virtual node hashes
	nodes map[uint32]registry.ServiceInstance
}

// NewConsistentHash creates a ring with replicas virtual nodes per instance, 100 when replicas <= 0.
func NewConsistentHash(replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = 100
	}
	return &ConsistentHash{replicas: replicas}
}

func (b *ConsistentHash) Pick(key string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	h := ringHash(key)
	idx, _ := slices.BinarySearch(b.ring, h)
	if idx == len(b.ring) {
		idx = 0 // past the last node, wrap around
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) Name() string { return "consistent_hash" }

func (b *ConsistentHash) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	ident := strings.Join(addrs, ",")
	if ident == b.ident && b.ring != nil {
		return
	}

	b.ident = ident
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			h := ringHash(inst.Addr + "#" + strconv.Itoa(i))
			b.ring = append(b.ring, h)
			b.nodes[h] = inst
		}
	}
	slices.Sort(b.ring)
}

// ringHash maps s to its point on the ring: the first 4 bytes of its blake3 digest.
func ringHash(s string) uint32 {
	sum := blake3.Sum256([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}
