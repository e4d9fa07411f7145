// Package abort stops server speech when the user barges in.
//
// [Coordinator.Abort] does the latency-critical part synchronously on the
// caller's goroutine (drop the playing flag, clear queued playback audio)
// and hands the network round trip and the state changes to a tail
// goroutine. The session's aborted flag guards re-entry of Abort itself and
// is cleared at the end of the tail, once the follow-up commands have been
// scheduled.
package abort

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/linkinwong/xiaozhi/internal/command"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/internal/session"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// Timing defaults.
const (
	DefaultSendTimeout   = time.Second
	DefaultWakePause     = 100 * time.Millisecond
	DefaultRelistenDelay = 100 * time.Millisecond
)

// Queue is the inbound playback queue.
type Queue interface {
	Clear() int
}

// Output is a playback device that buffers frames of its own.
type Output interface {
	ClearOutput()
}

// Scheduler accepts commands for the main loop.
type Scheduler interface {
	Schedule(cmd command.Command)
}

// Coordinator implements barge-in handling. It is safe for concurrent use.
type Coordinator struct {
	flags   *session.Flags
	inbound Queue
	output  Output
	channel transport.Channel
	sched   Scheduler
	metrics *observe.Metrics

	sendTimeout   time.Duration
	wakePause     time.Duration
	relistenDelay time.Duration

	mu   sync.Mutex
	wake device.Detector

	wg sync.WaitGroup
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithMetrics records abort requests in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithOutput drops audio already handed to o on every accepted abort.
func WithOutput(o Output) Option {
	return func(c *Coordinator) { c.output = o }
}

// WithTimings overrides the abort send timeout, the wake word pause and the
// delay before re-entering Listening. Zero values keep the defaults.
func WithTimings(sendTimeout, wakePause, relistenDelay time.Duration) Option {
	return func(c *Coordinator) {
		if sendTimeout > 0 {
			c.sendTimeout = sendTimeout
		}
		if wakePause > 0 {
			c.wakePause = wakePause
		}
		if relistenDelay > 0 {
			c.relistenDelay = relistenDelay
		}
	}
}

// New returns a Coordinator.
func New(flags *session.Flags, inbound Queue, ch transport.Channel, sched Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		flags:         flags,
		inbound:       inbound,
		channel:       ch,
		sched:         sched,
		sendTimeout:   DefaultSendTimeout,
		wakePause:     DefaultWakePause,
		relistenDelay: DefaultRelistenDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BindWakeWord sets the wake word detector paused on wake word aborts.
func (c *Coordinator) BindWakeWord(d device.Detector) {
	c.mu.Lock()
	c.wake = d
	c.mu.Unlock()
}

// InProgress reports whether an abort has been accepted and its tail has
// not finished scheduling yet.
func (c *Coordinator) InProgress() bool { return c.flags.Aborted() }

// Abort stops server speech for reason. A call made while another abort is
// in progress is ignored.
func (c *Coordinator) Abort(reason transport.AbortReason) {
	ctx, span := observe.StartSpan(context.Background(), "abort")
	defer span.End()
	log := observe.Logger(ctx)

	if !c.flags.BeginAbort() {
		log.Debug("abort already in progress, request ignored", "reason", reason)
		c.metrics.RecordAbort(ctx, reason.String(), observe.OutcomeIgnored)
		return
	}
	log.Info("aborting speech", "reason", reason)
	c.metrics.RecordAbort(ctx, reason.String(), observe.OutcomeAccepted)

	c.flags.SetTTSPlaying(false)
	if n := c.inbound.Clear(); n > 0 {
		log.Debug("playback queue cleared", "frames", n)
	}
	if c.output != nil {
		c.output.ClearOutput()
	}

	wakeEvent := reason == transport.ReasonWakeWordDetected
	if wakeEvent {
		c.mu.Lock()
		wake := c.wake
		c.mu.Unlock()
		if wake != nil && wake.IsRunning() {
			wake.Pause()
			time.Sleep(c.wakePause)
		}
	}

	c.wg.Add(1)
	go c.tail(reason, wakeEvent)
}

func (c *Coordinator) tail(reason transport.AbortReason, wakeEvent bool) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	if err := c.channel.SendAbort(ctx, reason); err != nil {
		slog.Warn("failed to send abort", "reason", reason, "error", err)
		c.metrics.RecordTransportError(ctx, "abort")
	}
	cancel()

	c.sched.Schedule(command.To(device.Idle))

	// EndAbort below runs once the commands are scheduled, not executed. A
	// second barge-in before the toggle runs is accepted and schedules its
	// own transitions.
	if wakeEvent && c.flags.KeepListening() && c.channel.IsAudioChannelOpened() {
		time.Sleep(c.relistenDelay)
		c.sched.Schedule(command.Of(command.ToggleChat))
	}

	c.flags.EndAbort()
}

// Wait blocks until every abort tail has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }
