// Package progress tracks bytes processed by the most recent ingestion and
// streams snapshots of that count to observers.
//
// There is a single counter per service. Concurrent ingestions share it, so
// observers may see the count jump backwards when a new ingestion resets it
// or interleave when two run at once. Observers must not assume any
// relationship between the count and a particular dataset.
package progress

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultInterval is the cadence at which Watch emits snapshots.
const DefaultInterval = 500 * time.Millisecond

// Event is a single progress snapshot delivered to observers.
type Event struct {
	ProcessedBytes uint64 `json:"processed_bytes"`
}

// Counter is a lock-free byte counter. The zero value is ready to use.
type Counter struct {
	n atomic.Uint64
}

// Reset sets the counter back to zero at the start of an ingestion.
func (c *Counter) Reset() {
	c.n.Store(0)
}

// Add advances the counter by n bytes and returns the new total.
func (c *Counter) Add(n int) uint64 {
	if n <= 0 {
		return c.n.Load()
	}
	return c.n.Add(uint64(n))
}

// Load returns the current count.
func (c *Counter) Load() uint64 {
	return c.n.Load()
}

// Snapshot returns the current count as an Event.
func (c *Counter) Snapshot() Event {
	return Event{ProcessedBytes: c.n.Load()}
}

// Watch emits a snapshot immediately and then once per interval until ctx
// is done. The returned channel is closed when the loop exits. Slow
// receivers only ever see the latest snapshot; the loop never blocks on them.
//
// Watch only reads the counter.
func (c *Counter) Watch(ctx context.Context, interval time.Duration) <-chan Event {
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			// Replace a snapshot the receiver has not consumed yet.
			select {
			case <-out:
			default:
			}
			out <- c.Snapshot()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
