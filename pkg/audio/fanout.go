package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultMaxFailures is the number of consecutive read failures after which a
// [FanOut] gives up on the stream and reports [ErrDeviceError].
const DefaultMaxFailures = 3

// FanOut owns the only reader goroutine of a [Stream] and copies each frame
// into every subscribed [FrameQueue].
//
// On a read error the stream is reinitialised once and reading continues.
// After [DefaultMaxFailures] consecutive failures (configurable with
// [WithMaxFailures]) the reader exits and the fatal handler receives an error
// wrapping [ErrDeviceError].
type FanOut struct {
	stream      Stream
	frameSize   int
	maxFailures int
	onFatal     func(error)

	mu   sync.Mutex
	subs map[string]*FrameQueue

	failed  atomic.Bool
	running atomic.Bool

	lifeMu sync.Mutex // serialises Start and Stop
	cancel context.CancelFunc
	done   chan struct{}
}

// FanOutOption configures a [FanOut].
type FanOutOption func(*FanOut)

// WithMaxFailures overrides [DefaultMaxFailures]. Values below 1 are ignored.
func WithMaxFailures(n int) FanOutOption {
	return func(f *FanOut) {
		if n > 0 {
			f.maxFailures = n
		}
	}
}

// WithFatalHandler registers fn to receive the terminal device error. fn is
// called from the reader goroutine after it has stopped reading.
func WithFatalHandler(fn func(error)) FanOutOption {
	return func(f *FanOut) { f.onFatal = fn }
}

// NewFanOut creates a fan-out over stream that reads frameSize samples per
// frame. Call [FanOut.Start] to begin reading.
func NewFanOut(stream Stream, frameSize int, opts ...FanOutOption) *FanOut {
	f := &FanOut{
		stream:      stream,
		frameSize:   frameSize,
		maxFailures: DefaultMaxFailures,
		subs:        make(map[string]*FrameQueue),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Subscribe registers q to receive a copy of every frame read from now on.
// A queue with the same name replaces the previous subscriber.
func (f *FanOut) Subscribe(q *FrameQueue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[q.Name()] = q
}

// Unsubscribe removes the queue registered under name.
func (f *FanOut) Unsubscribe(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, name)
}

// Start launches the reader goroutine. Calling Start on a running fan-out is
// a no-op.
func (f *FanOut) Start(ctx context.Context) {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done
	f.failed.Store(false)
	go f.readLoop(ctx, done)
}

// Stop cancels the reader and waits for it to exit. The stream itself is not
// closed.
func (f *FanOut) Stop() {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

// Failed reports whether the reader gave up after repeated device errors.
func (f *FanOut) Failed() bool { return f.failed.Load() }

// Running reports whether the reader goroutine is active.
func (f *FanOut) Running() bool { return f.running.Load() }

func (f *FanOut) readLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		f.running.Store(false)
		close(done)
	}()

	failures := 0
	for {
		frame, err := f.stream.ReadFrame(ctx, f.frameSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Warn("audio: read failed", "err", err, "consecutive", failures)
			if failures >= f.maxFailures {
				f.fail(fmt.Errorf("%w: %d consecutive read failures: %w", ErrDeviceError, failures, err))
				return
			}
			if rerr := f.stream.Reinitialize(); rerr != nil {
				slog.Warn("audio: reinitialize failed", "err", rerr)
				if errors.Is(rerr, ErrStreamClosed) {
					f.fail(fmt.Errorf("%w: %w", ErrDeviceError, rerr))
					return
				}
			}
			continue
		}
		failures = 0
		f.dispatch(frame)
	}
}

func (f *FanOut) dispatch(frame []byte) {
	f.mu.Lock()
	subs := make([]*FrameQueue, 0, len(f.subs))
	for _, q := range f.subs {
		subs = append(subs, q)
	}
	f.mu.Unlock()

	for i, q := range subs {
		out := frame
		// The last subscriber may keep the original slice.
		if i < len(subs)-1 {
			out = make([]byte, len(frame))
			copy(out, frame)
		}
		_ = q.Push(out)
	}
}

func (f *FanOut) fail(err error) {
	f.failed.Store(true)
	slog.Error("audio: input stream failed", "err", err)
	if f.onFatal != nil {
		f.onFatal(err)
	}
}
