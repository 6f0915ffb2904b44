package status

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type line string

func (l line) String() string { return string(l) }

func TestConcurrentCounters(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Requests.Add(1)
			s.Connections.Add(1)
			_ = s.String()
			s.Connections.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), s.Requests.Load())
	assert.Equal(t, int64(0), s.Connections.Load())
}

func TestString(t *testing.T) {
	s := New(line("pool default: queued=0"))
	s.Connections.Add(3)
	s.CorrelationMisses.Add(2)

	out := s.String()
	assert.Contains(t, out, "connections: 3")
	assert.Contains(t, out, "correlation misses: 2")
	assert.Contains(t, out, "pool default: queued=0")
}
