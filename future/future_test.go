package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"push-rpc/message"
)

func TestCompleteDeliversResponse(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.RegisterID(77)
	require.NoError(t, err)

	resp := &message.Response{Seq: 77, Payload: []byte("ok")}
	assert.True(t, reg.Complete(77, resp))

	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, resp, got)
	assert.Equal(t, 0, reg.Len())
}

func TestCompleteUnknownIsNoop(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Complete(42, &message.Response{Seq: 42}))
}

func TestCompleteAtMostOnce(t *testing.T) {
	reg := NewRegistry()
	f := reg.Register()

	first := &message.Response{Payload: []byte("first")}
	assert.True(t, f.Complete(first))
	assert.False(t, f.Complete(&message.Response{Payload: []byte("second")}))

	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestDuplicateID(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterID(5)
	require.NoError(t, err)
	_, err = reg.RegisterID(5)
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestWaitTimeoutRemovesEntry(t *testing.T) {
	reg := NewRegistry()
	f := reg.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, reg.Len())

	// A late acknowledgment finds nothing.
	assert.False(t, reg.Complete(f.ID(), &message.Response{}))
}

func TestConcurrentCompleteSingleWinner(t *testing.T) {
	reg := NewRegistry()
	f := reg.Register()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Complete(f.ID(), &message.Response{}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	select {
	case <-f.Done():
	default:
		t.Fatal("future not completed")
	}
}

func TestRegisterUniqueIDs(t *testing.T) {
	reg := NewRegistry()
	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		f := reg.Register()
		require.False(t, seen[f.ID()], "duplicate id %d", f.ID())
		seen[f.ID()] = true
	}
	assert.Equal(t, 100, reg.Len())
}

func TestFailAll(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register()
	b := reg.Register()
	boom := errors.New("connection lost")

	assert.Equal(t, 2, reg.FailAll(boom))
	assert.Equal(t, 0, reg.Len())

	for _, f := range []*Future{a, b} {
		resp, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, resp.Err, boom)
		assert.Equal(t, f.ID(), resp.Seq)
	}
}
