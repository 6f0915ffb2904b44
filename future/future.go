// Package future correlates outstanding calls with their replies: server pushes
// with their acknowledgments, and client calls with their responses.
//
// The registry is a sync.Map keyed by sequence ID, the same structure the client
// transport uses for its pending calls. Lookup and removal are a single
// LoadAndDelete, so an acknowledgment that races the caller's own timeout finds
// nothing and becomes a no-op instead of completing the future twice.
//
//	Push(seq=7) ──Register(7)──► pending[7]
//	ack(seq=7)  ──Take(7)──────► Complete(resp) → Wait returns
//	timeout     ──Remove(7)────► late ack(seq=7) → Take returns nil
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"push-rpc/message"
)

// ErrDuplicateID is returned when registering an ID that is already pending.
var ErrDuplicateID = errors.New("future: id already registered")

// Future is a pending push awaiting its acknowledgment.
type Future struct {
	id   uint32
	reg  *Registry
	once sync.Once
	done chan struct{}
	resp *message.Response
}

// ID returns the sequence ID the future is registered under.
func (f *Future) ID() uint32 {
	return f.id
}

// Complete delivers resp to the waiter. Only the first call has an effect.
func (f *Future) Complete(resp *message.Response) bool {
	completed := false
	f.once.Do(func() {
		f.resp = resp
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future has been completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx ends. On ctx expiry the future is
// removed from its registry; that removal is the only timeout path.
func (f *Future) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
	}

	if f.reg != nil && !f.reg.Remove(f.id) {
		// An acknowledgment took the entry first, its Complete is imminent.
		<-f.done
		return f.resp, nil
	}
	return nil, fmt.Errorf("future %d: %w", f.id, ctx.Err())
}

// Registry maps sequence IDs to pending futures. Safe for concurrent use.
type Registry struct {
	seq     atomic.Uint32
	pending sync.Map // map[uint32]*Future
	size    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register allocates the next free sequence ID and registers a future under it.
func (r *Registry) Register() *Future {
	for {
		id := r.seq.Add(1)
		if id == 0 {
			continue
		}
		if f, err := r.RegisterID(id); err == nil {
			return f
		}
	}
}

// RegisterID registers a future under a caller-chosen ID.
func (r *Registry) RegisterID(id uint32) (*Future, error) {
	f := &Future{id: id, reg: r, done: make(chan struct{})}
	if _, loaded := r.pending.LoadOrStore(id, f); loaded {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	r.size.Add(1)
	return f, nil
}

// Take removes and returns the future registered under id, or nil.
func (r *Registry) Take(id uint32) *Future {
	v, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return nil
	}
	r.size.Add(-1)
	return v.(*Future)
}

// Complete takes the future registered under id and completes it with resp.
// It returns false when nothing is registered, which is a normal outcome.
func (r *Registry) Complete(id uint32, resp *message.Response) bool {
	f := r.Take(id)
	if f == nil {
		return false
	}
	return f.Complete(resp)
}

// Remove drops id without completing it. It reports whether an entry was removed.
func (r *Registry) Remove(id uint32) bool {
	return r.Take(id) != nil
}

// Len returns the number of pending futures.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// FailAll completes every pending future with err and empties the registry.
// It returns how many futures were failed.
func (r *Registry) FailAll(err error) int {
	n := 0
	r.pending.Range(func(key, _ any) bool {
		id := key.(uint32)
		if f := r.Take(id); f != nil && f.Complete(&message.Response{Seq: id, Err: err}) {
			n++
		}
		return true
	})
	return n
}
