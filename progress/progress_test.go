package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterZeroValue(t *testing.T) {
	t.Parallel()

	var c Counter
	assert.Equal(t, uint64(0), c.Load())
	assert.Equal(t, Event{}, c.Snapshot())
}

func TestCounterAddReset(t *testing.T) {
	t.Parallel()

	var c Counter
	assert.Equal(t, uint64(3), c.Add(3))
	assert.Equal(t, uint64(10), c.Add(7))
	assert.Equal(t, uint64(10), c.Add(0))
	assert.Equal(t, uint64(10), c.Add(-4))

	c.Reset()
	assert.Equal(t, uint64(0), c.Load())
}

func TestCounterConcurrentAdd(t *testing.T) {
	t.Parallel()

	var c Counter
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			for range 1000 {
				c.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, uint64(16000), c.Load())
}

func TestWatchEmitsImmediately(t *testing.T) {
	t.Parallel()

	var c Counter
	c.Add(42)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Watch(ctx, time.Hour)
	select {
	case ev := <-ch:
		assert.Equal(t, uint64(42), ev.ProcessedBytes)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot emitted")
	}
}

func TestWatchObservesUpdates(t *testing.T) {
	t.Parallel()

	var c Counter
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Watch(ctx, 5*time.Millisecond)
	c.Add(100)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.ProcessedBytes == 100 {
				return
			}
		case <-deadline:
			t.Fatal("update never observed")
		}
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	t.Parallel()

	var c Counter
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Watch(ctx, time.Millisecond)
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch loop did not exit")
		}
	}
}

func TestWatchDoesNotMutate(t *testing.T) {
	t.Parallel()

	var c Counter
	c.Add(7)
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Watch(ctx, time.Millisecond)
	for range 3 {
		<-ch
	}
	cancel()
	require.Equal(t, uint64(7), c.Load())
}
