// Package detector runs the wake word and voice activity detectors that
// consume the shared microphone stream.
//
// A [Loop] owns one goroutine that pops frames from its fan-out
// [audio.FrameQueue] and hands them to a [Processor]. The loop moves between
// three states:
//
//	Stopped --Start--> Running --Pause--> Paused
//	   ^                  ^                  |
//	   |                  +------Resume------+
//	   +------Stop (from any state)----------+
//
// Pausing does not tear down the goroutine: a paused loop keeps draining its
// queue and discards the frames so that resuming is immediate and never
// replays stale audio. Resuming resets the processor's accumulated state
// before the next frame is processed.
//
// Per-frame errors are logged and counted. After [DefaultMaxErrors]
// consecutive failures the loop stops itself and reports through the error
// handler given with [WithErrorHandler].
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/pkg/audio"
)

// Defaults for [Loop] tuning.
const (
	DefaultMaxErrors   = 5
	DefaultStopTimeout = 2 * time.Second
)

// ErrTooManyErrors is reported to the error handler when a loop stops
// itself after consecutive processing failures.
var ErrTooManyErrors = errors.New("detector: too many consecutive errors")

// Processor handles the frames of one detector.
//
// Process and Reset are only ever called from the loop goroutine.
type Processor interface {
	// Process handles one PCM frame. A returned error counts towards the
	// loop's consecutive error limit.
	Process(ctx context.Context, frame []byte) error

	// Reset discards accumulated state (counters, partial transcripts).
	Reset()
}

// RunState is the lifecycle state of a [Loop].
type RunState int32

const (
	Stopped RunState = iota
	Running
	Paused
)

// String returns the lowercase name of the state.
func (s RunState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("run_state(%d)", int32(s))
	}
}

var _ device.Detector = (*Loop)(nil)

// Loop drives a [Processor] from a frame queue. It is safe for concurrent
// use.
type Loop struct {
	name      string
	queue     *audio.FrameQueue
	proc      Processor
	maxErrors int
	timeout   time.Duration
	onError   func(name string, err error)
	metrics   *observe.Metrics

	state        atomic.Int32
	resetPending atomic.Bool

	mu     sync.Mutex // guards cancel and done
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a [Loop].
type Option func(*Loop)

// WithMaxErrors sets the consecutive error limit.
func WithMaxErrors(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxErrors = n
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the goroutine to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithErrorHandler registers fn to be called after the loop stopped itself.
// fn runs on the exiting loop goroutine, after the loop reports Stopped, so
// it may call Start to restart the loop.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(l *Loop) { l.onError = fn }
}

// WithLoopMetrics records per-frame errors in m.
func WithLoopMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop returns a stopped Loop named name that feeds frames from q to p.
func NewLoop(name string, q *audio.FrameQueue, p Processor, opts ...Option) *Loop {
	l := &Loop{
		name:      name,
		queue:     q,
		proc:      p,
		maxErrors: DefaultMaxErrors,
		timeout:   DefaultStopTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// RunState returns the current lifecycle state.
func (l *Loop) RunState() RunState { return RunState(l.state.Load()) }

// IsRunning reports whether the loop goroutine is active, paused or not.
func (l *Loop) IsRunning() bool { return l.RunState() != Stopped }

// IsPaused reports whether the loop is paused.
func (l *Loop) IsPaused() bool { return l.RunState() == Paused }

// Start spawns the loop goroutine. Starting a running or paused loop is a
// no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.IsRunning() {
		return nil
	}
	if done := l.done; done != nil {
		// A previous goroutine may still be unwinding.
		<-done
	}
	l.state.Store(int32(Running))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.queue.Clear()
	l.resetPending.Store(true)

	go l.run(runCtx, done)
	slog.Info("detector started", "detector", l.name)
	return nil
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// The shared stream feeding the queue is left untouched.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.state.Store(int32(Stopped))
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		slog.Info("detector stopped", "detector", l.name)
	case <-time.After(l.timeout):
		slog.Warn("detector did not stop in time", "detector", l.name, "timeout", l.timeout)
	}
}

// Pause moves a running loop to Paused.
func (l *Loop) Pause() {
	if l.state.CompareAndSwap(int32(Running), int32(Paused)) {
		slog.Debug("detector paused", "detector", l.name)
	}
}

// Resume moves a paused loop to Running, discards queued frames and resets
// the processor before the next frame.
func (l *Loop) Resume() {
	if l.state.CompareAndSwap(int32(Paused), int32(Running)) {
		l.resetPending.Store(true)
		l.queue.Clear()
		slog.Debug("detector resumed", "detector", l.name)
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	err := l.loop(ctx)
	close(done)
	if err != nil {
		slog.Error("detector stopped after repeated errors", "detector", l.name, "error", err)
		if l.onError != nil {
			l.onError(l.name, err)
		}
	}
}

// loop returns nil on cancellation and a wrapped [ErrTooManyErrors] when it
// gives up.
func (l *Loop) loop(ctx context.Context) error {
	var consecutive int
	for {
		frame, err := l.queue.Pop(ctx)
		if err != nil || ctx.Err() != nil {
			return nil
		}

		switch l.RunState() {
		case Stopped:
			return nil
		case Paused:
			continue
		}

		if l.resetPending.CompareAndSwap(true, false) {
			l.proc.Reset()
		}

		if err := l.process(ctx, frame); err != nil {
			consecutive++
			l.metrics.RecordDetectorError(ctx, l.name)
			slog.Warn("detector frame failed", "detector", l.name, "consecutive", consecutive, "error", err)
			if consecutive >= l.maxErrors {
				l.state.Store(int32(Stopped))
				return fmt.Errorf("%w: %s: %d in a row, last: %w", ErrTooManyErrors, l.name, consecutive, err)
			}
			continue
		}
		consecutive = 0
	}
}

func (l *Loop) process(ctx context.Context, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector: processor panicked: %v", r)
		}
	}()
	return l.proc.Process(ctx, frame)
}
