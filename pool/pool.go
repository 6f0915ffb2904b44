// Package pool provides the fixed-size worker pools handlers run on.
//
// A Pool is a buffered channel of tasks drained by N goroutines, the same
// channel-as-queue shape the client transport pool uses. Submit is fire-and-forget:
// when the queue is full it blocks the submitter, which is the only back-pressure.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"push-rpc/logger"
)

// ErrClosed is logged when work is submitted to a closed pool.
var ErrClosed = errors.New("pool: closed")

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	name    string
	tasks   chan func()
	mu      sync.RWMutex // guards closed against concurrent Submit
	closed  bool
	wg      sync.WaitGroup
	running atomic.Int64
	done    atomic.Uint64
	logger  *zap.Logger
}

// New starts a pool with the given number of workers and queue capacity.
func New(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		name:   name,
		tasks:  make(chan func(), queueSize),
		logger: logger.Named("pool").With(zap.String("pool", name)),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	return p.name
}

// Submit queues task. Tasks submitted after Close are dropped and logged.
func (p *Pool) Submit(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("task dropped", zap.Error(ErrClosed))
		return
	}
	p.tasks <- task
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns the number of running and completed tasks.
func (p *Pool) Stats() (running int64, completed uint64) {
	return p.running.Load(), p.done.Load()
}

func (p *Pool) String() string {
	running, completed := p.Stats()
	return fmt.Sprintf("%s: queued=%d running=%d completed=%d", p.name, len(p.tasks), running, completed)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

// run isolates a panicking task so one bad handler cannot take a worker down.
func (p *Pool) run(task func()) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.done.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
