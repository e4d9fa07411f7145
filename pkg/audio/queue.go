package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FrameQueue is a bounded FIFO of frames shared between one producer and one
// consumer goroutine.
//
// Push never blocks: a full queue rejects the new frame with [ErrQueueFull]
// and logs a warning. Clear swaps the backing slice for an empty one under
// the lock, so after Clear returns Len is zero regardless of concurrent
// producers that have not yet acquired the lock.
//
// All methods are safe for concurrent use.
type FrameQueue struct {
	name     string
	capacity int

	mu     sync.Mutex
	items  [][]byte
	notify chan struct{} // buffered(1); signalled on push

	dropped atomic.Int64
	onDrop  func(queue string)
}

// QueueOption configures a [FrameQueue].
type QueueOption func(*FrameQueue)

// WithDropHook registers fn to be called (outside the lock) for every
// rejected frame. Used to feed the dropped-frames metric.
func WithDropHook(fn func(queue string)) QueueOption {
	return func(q *FrameQueue) { q.onDrop = fn }
}

// NewFrameQueue creates a queue that holds at most capacity frames. A
// capacity below 1 is treated as 1.
func NewFrameQueue(name string, capacity int, opts ...QueueOption) *FrameQueue {
	q := &FrameQueue{
		name:     name,
		capacity: max(capacity, 1),
		notify:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	q.items = make([][]byte, 0, q.capacity)
	return q
}

// Name returns the queue name given at construction.
func (q *FrameQueue) Name() string { return q.name }

// Push appends frame to the tail of the queue. It returns [ErrQueueFull]
// without modifying the queue when it is at capacity.
func (q *FrameQueue) Push(frame []byte) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		n := q.dropped.Add(1)
		slog.Warn("audio: queue full, frame rejected", "queue", q.name, "capacity", q.capacity, "dropped_total", n)
		if q.onDrop != nil {
			q.onDrop(q.name)
		}
		return ErrQueueFull
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes and returns the head of the queue without blocking.
func (q *FrameQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	frame := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return frame, true
}

// Pop blocks until a frame is available or ctx is cancelled.
func (q *FrameQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := q.TryPop(); ok {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Clear discards every queued frame and returns how many were discarded.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = make([][]byte, 0, q.capacity)
	q.mu.Unlock()
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of frames rejected since construction.
func (q *FrameQueue) Dropped() int64 { return q.dropped.Load() }
