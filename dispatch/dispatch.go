// Package dispatch runs blocking archive operations on a bounded pool of
// goroutines, separate from the goroutines serving requests.
//
// A slow archive open or search holds one pool slot and nothing else, so
// it cannot starve unrelated requests beyond the pool bound.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meigma/archivist/internal/metrics"
)

// ErrClosed is returned by Do after the pool is closed.
var ErrClosed = errors.New("dispatch: pool closed")

// Pool bounds the number of concurrently running blocking operations.
type Pool struct {
	size    int64
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *slog.Logger
	closed  chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithSize sets the number of slots. Values <= 0 select the default of
// twice GOMAXPROCS.
func WithSize(n int) Option {
	return func(p *Pool) {
		p.size = int64(n)
	}
}

// WithMetrics records operation counts and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool.
func New(opts ...Option) *Pool {
	p := &Pool{closed: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	if p.size <= 0 {
		p.size = int64(runtime.GOMAXPROCS(0) * 2)
	}
	p.sem = semaphore.NewWeighted(p.size)
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Close stops the pool from accepting new operations and waits until
// running ones finish or ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}

type result[T any] struct {
	v   T
	err error
}

// Do runs fn on a pool goroutine and returns its result.
//
// Do waits for a free slot while respecting ctx. Errors returned by fn are
// passed through unchanged. If ctx ends while fn is running, Do returns
// ctx.Err() immediately; fn keeps its slot until it returns and its result
// is dropped. A panic in fn is returned as an error.
func Do[T any](ctx context.Context, p *Pool, op string, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-p.closed:
		return zero, ErrClosed
	default:
	}
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	p.metrics.DispatchStarted()

	done := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if v := recover(); v != nil {
				r = result[T]{err: &PanicError{Op: op, Value: v}}
				p.log().Error("blocking operation panicked", "op", op, "panic", v)
			}
			p.metrics.DispatchFinished(op, time.Since(start), r.err)
			p.sem.Release(1)
			done <- r
		}()
		r.v, r.err = fn()
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		p.log().Debug("caller gave up on blocking operation", "op", op, "error", ctx.Err())
		return zero, ctx.Err()
	}
}

// PanicError reports a panic recovered from a dispatched operation.
type PanicError struct {
	Op    string
	Value any
}

func (e *PanicError) Error() string {
	return "dispatch: " + e.Op + " panicked"
}
