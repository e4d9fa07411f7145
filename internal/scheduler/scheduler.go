// Package scheduler runs queued tasks one at a time on a single drain
// goroutine.
//
// [Scheduler.Schedule] may be called from any goroutine and never blocks
// beyond a short critical section. [Scheduler.Run] drains the queue in FIFO
// order whenever it is signalled, and at least every tick. Each drain swaps
// the queue for an empty one before executing, so a task that schedules
// more work sees it run in a later pass, never in the current one.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTick is the fallback drain interval.
const DefaultTick = 10 * time.Millisecond

// Handler executes one task.
type Handler[T any] func(ctx context.Context, task T) error

// Scheduler is a FIFO task queue with exactly one consumer.
type Scheduler[T any] struct {
	handle Handler[T]
	tick   time.Duration

	mu      sync.Mutex
	pending []T
	wake    chan struct{}

	draining atomic.Bool
	executed atomic.Int64
}

// Option configures a [Scheduler].
type Option func(*config)

type config struct {
	tick time.Duration
}

// WithTick overrides the fallback drain interval.
func WithTick(d time.Duration) Option {
	return func(c *config) { c.tick = d }
}

// New returns a Scheduler dispatching every task to handle.
func New[T any](handle Handler[T], opts ...Option) *Scheduler[T] {
	cfg := config{tick: DefaultTick}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.tick <= 0 {
		cfg.tick = DefaultTick
	}
	return &Scheduler[T]{
		handle: handle,
		tick:   cfg.tick,
		wake:   make(chan struct{}, 1),
	}
}

// Schedule enqueues task and signals the drain loop.
func (s *Scheduler[T]) Schedule(task T) {
	s.mu.Lock()
	s.pending = append(s.pending, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Executed returns the number of tasks run so far.
func (s *Scheduler[T]) Executed() int64 { return s.executed.Load() }

// Run drains the queue until ctx is cancelled. Tasks still queued at
// cancellation are dropped.
func (s *Scheduler[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.Drain(ctx)
	}
}

// Drain executes every task queued at the moment of the call and returns
// how many ran. A Drain invoked from inside a task returns 0 immediately.
func (s *Scheduler[T]) Drain(ctx context.Context) int {
	if !s.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer s.draining.Store(false)

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, task := range batch {
		s.run(ctx, task)
	}
	return len(batch)
}

func (s *Scheduler[T]) run(ctx context.Context, task T) {
	defer s.executed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled task panicked", "task", fmt.Sprint(task), "panic", r)
		}
	}()
	if err := s.handle(ctx, task); err != nil {
		slog.Warn("scheduled task failed", "task", fmt.Sprint(task), "error", err)
	}
}
