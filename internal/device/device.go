// Package device implements the device state machine that arbitrates the
// detectors, the input stream and the display across the four conversation
// states.
//
// [Machine.SetState] is the only way to change state. Each transition runs
// the entry actions of the target state (pause or resume detectors, update
// the display, push IoT state) and then notifies observers. Observers run
// synchronously after the state is published; a panicking observer is
// recovered and logged without affecting the others.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/linkinwong/xiaozhi/internal/observe"
)

// State is the device's conversation state.
type State int

const (
	// Idle waits for a wake word or a manual trigger.
	Idle State = iota

	// Connecting is opening the audio channel.
	Connecting

	// Listening uploads microphone audio to the server.
	Listening

	// Speaking plays server speech; the user may barge in.
	Speaking
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Display status texts set on entry to each state.
const (
	StatusStandby    = "standby"
	StatusConnecting = "connecting"
	StatusListening  = "listening"
	StatusSpeaking   = "speaking"
)

// EmotionNeutral is the emotion restored on entry to Idle.
const EmotionNeutral = "neutral"

// Detector is the detector loop surface the machine arbitrates.
type Detector interface {
	Start(ctx context.Context) error
	Pause()
	Resume()
	IsRunning() bool // running or paused, i.e. not stopped
	IsPaused() bool
}

// Input is the microphone side of the audio stream.
type Input interface {
	IsActive() bool
	Resume() error
}

// Display shows status and emotion to the user.
type Display interface {
	SetStatus(text string)
	SetEmotion(emotion string)
}

// StatePusher pushes IoT thing states to the server. full requests a
// complete snapshot rather than a delta.
type StatePusher interface {
	PushStates(ctx context.Context, full bool)
}

// Observer is notified after every effective transition.
type Observer func(from, to State)

// Machine is the device state machine. It is safe for concurrent use;
// transitions are serialised so entry actions of two transitions never
// interleave.
type Machine struct {
	// transMu serialises whole transitions; mu guards the published state
	// and the observer list so readers never wait on entry actions.
	transMu sync.Mutex

	mu        sync.RWMutex
	state     State
	observers []Observer

	wake    Detector
	vad     Detector
	input   Input
	display Display
	iot     StatePusher
	metrics *observe.Metrics

	// ctx is handed to detector Start calls made from entry actions.
	ctx context.Context
}

// Option configures a [Machine].
type Option func(*Machine)

// WithWakeWord sets the wake word detector.
func WithWakeWord(d Detector) Option { return func(m *Machine) { m.wake = d } }

// WithVAD sets the voice activity detector.
func WithVAD(d Detector) Option { return func(m *Machine) { m.vad = d } }

// WithInput sets the input stream.
func WithInput(in Input) Option { return func(m *Machine) { m.input = in } }

// WithDisplay sets the display.
func WithDisplay(d Display) Option { return func(m *Machine) { m.display = d } }

// WithStatePusher sets the IoT state pusher.
func WithStatePusher(p StatePusher) Option { return func(m *Machine) { m.iot = p } }

// WithMetrics records transitions in m.
func WithMetrics(met *observe.Metrics) Option { return func(m *Machine) { m.metrics = met } }

// WithContext sets the context passed to detector Start calls.
func WithContext(ctx context.Context) Option { return func(m *Machine) { m.ctx = ctx } }

// New returns a Machine in [Idle]. Collaborators left unset are skipped by
// the entry actions.
func New(opts ...Option) *Machine {
	m := &Machine{state: Idle, ctx: context.Background()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Bind replaces the detectors after construction. The app builds the
// detectors after the machine because their processors read its state.
func (m *Machine) Bind(wake, vad Detector) {
	m.transMu.Lock()
	m.wake, m.vad = wake, vad
	m.transMu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Is reports whether the current state is s.
func (m *Machine) Is(s State) bool { return m.State() == s }

// Observe registers fn to run after every effective transition.
func (m *Machine) Observe(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// SetState transitions to next. Setting the current state is a no-op and
// returns false.
func (m *Machine) SetState(next State) bool {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return false
	}
	m.state = next
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	slog.Info("device state changed", "from", prev, "to", next)
	m.metrics.RecordTransition(m.ctx, prev.String(), next.String())

	m.enter(next)

	for _, fn := range observers {
		m.notify(fn, prev, next)
	}
	return true
}

func (m *Machine) notify(fn Observer, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state observer panicked", "from", from, "to", to, "panic", r)
		}
	}()
	fn(from, to)
}

// enter runs the entry actions of s.
func (m *Machine) enter(s State) {
	switch s {
	case Idle:
		if m.wake != nil && m.wake.IsPaused() {
			m.wake.Resume()
		}
		if m.vad != nil && m.vad.IsRunning() && !m.vad.IsPaused() {
			m.vad.Pause()
		}
		m.ensureInput()
		m.setStatus(StatusStandby)
		if m.display != nil {
			m.display.SetEmotion(EmotionNeutral)
		}

	case Connecting:
		m.setStatus(StatusConnecting)

	case Listening:
		if m.wake != nil && m.wake.IsRunning() && !m.wake.IsPaused() {
			m.wake.Pause()
		}
		m.ensureInput()
		m.setStatus(StatusListening)
		if m.iot != nil {
			m.iot.PushStates(m.ctx, true)
		}

	case Speaking:
		m.ensureRunning("vad", m.vad)
		m.ensureRunning("wake_word", m.wake)
		m.setStatus(StatusSpeaking)
	}
}

// ensureRunning starts d when stopped and resumes it when paused.
func (m *Machine) ensureRunning(name string, d Detector) {
	if d == nil {
		return
	}
	switch {
	case !d.IsRunning():
		if err := d.Start(m.ctx); err != nil {
			slog.Warn("failed to start detector", "detector", name, "error", err)
		}
	case d.IsPaused():
		d.Resume()
	}
}

func (m *Machine) ensureInput() {
	if m.input == nil || m.input.IsActive() {
		return
	}
	if err := m.input.Resume(); err != nil {
		slog.Warn("failed to resume input stream", "error", err)
	}
}

func (m *Machine) setStatus(text string) {
	if m.display != nil {
		m.display.SetStatus(text)
	}
}
