// Package verify runs speaker verification off the detector goroutine.
//
// A [Pipeline] accepts at most one segment at a time. [Pipeline.Submit]
// hands the segment to a worker goroutine started by [Pipeline.Run] and
// returns [ErrBusy] while a previous segment is still being recognised. Each
// result is checked against the allow-list and delivered to the handler
// given with [WithResultHandler].
//
// The allow-list, enable flag, threshold and minimum segment length can be
// changed at any time; changes apply to the next submission.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

// Minimum segment length bounds and default, in seconds.
const (
	DefaultMinLength = 2.0
	MinMinLength     = 0.5
	MaxMinLength     = 5.0
)

// DefaultTimeout bounds a single recognition.
const DefaultTimeout = 5 * time.Second

var (
	// ErrBusy is returned by Submit while a segment is being recognised.
	ErrBusy = errors.New("verify: recognition in progress")

	// ErrDisabled is returned by Submit when verification is switched off.
	ErrDisabled = errors.New("verify: verification disabled")
)

// Result is the outcome of one submitted segment.
type Result struct {
	Match    types.SpeakerMatch
	Allowed  bool
	Err      error
	Duration time.Duration
}

// ClampMinLength limits v to [MinMinLength, MaxMinLength].
func ClampMinLength(v float64) float64 {
	return min(max(v, MinMinLength), MaxMinLength)
}

// Pipeline is the speaker verification worker. It is safe for concurrent
// use.
type Pipeline struct {
	verifier   speaker.Verifier
	sampleRate int
	timeout    time.Duration
	onResult   func(Result)
	metrics    *observe.Metrics

	tasks       chan []byte
	recognizing atomic.Bool
	enabled     atomic.Bool

	mu        sync.RWMutex
	allowed   []string
	minLength float64
	last      Result
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithSampleRate sets the sample rate of submitted PCM.
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithAllowed sets the initial allow-list.
func WithAllowed(names []string) Option {
	return func(p *Pipeline) { p.allowed = slices.Clone(names) }
}

// WithMinLength sets the minimum segment length in seconds.
func WithMinLength(seconds float64) Option {
	return func(p *Pipeline) { p.minLength = ClampMinLength(seconds) }
}

// WithEnabled sets the initial enable flag.
func WithEnabled(on bool) Option {
	return func(p *Pipeline) { p.enabled.Store(on) }
}

// WithTimeout bounds a single recognition.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithResultHandler registers fn to receive every result. fn runs on the
// worker goroutine after the pipeline is ready for the next submission.
func WithResultHandler(fn func(Result)) Option {
	return func(p *Pipeline) { p.onResult = fn }
}

// WithMetrics records recognitions in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New returns a Pipeline around v. Call Run to start the worker.
func New(v speaker.Verifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		verifier:   v,
		sampleRate: 16000,
		timeout:    DefaultTimeout,
		minLength:  DefaultMinLength,
		tasks:      make(chan []byte, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run processes submissions until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	slog.Info("speaker verification worker started")
	defer slog.Info("speaker verification worker stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-p.tasks:
			p.recognize(ctx, pcm)
		}
	}
}

// Submit queues pcm for recognition.
func (p *Pipeline) Submit(pcm []byte) error {
	if !p.Enabled() {
		return ErrDisabled
	}
	if !p.recognizing.CompareAndSwap(false, true) {
		return ErrBusy
	}
	select {
	case p.tasks <- pcm:
		return nil
	default:
		p.recognizing.Store(false)
		return ErrBusy
	}
}

func (p *Pipeline) recognize(ctx context.Context, pcm []byte) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	match, err := p.verifier.Recognize(ctx, pcm, p.sampleRate)
	res := Result{Duration: time.Since(start)}

	outcome := observe.OutcomeDenied
	if err != nil {
		slog.Warn("speaker recognition failed", "error", err, "duration", res.Duration)
		res.Err = err
		outcome = observe.OutcomeError
	} else {
		res.Match = match
		res.Allowed = match.Recognised() && p.IsAllowed(match.Name)
		if res.Allowed {
			outcome = observe.OutcomeAllowed
		}
		slog.Info("speaker recognised", "speaker", match.Name, "score", match.Score,
			"allowed", res.Allowed, "duration", res.Duration)
	}

	p.mu.Lock()
	p.last = res
	p.mu.Unlock()
	p.recognizing.Store(false)

	p.metrics.RecordRecognition(ctx, outcome, res.Duration)
	if p.onResult != nil {
		p.onResult(res)
	}
}

// IsRecognizing reports whether a segment is queued or being recognised.
func (p *Pipeline) IsRecognizing() bool { return p.recognizing.Load() }

// Enabled reports whether verification gates interrupts.
func (p *Pipeline) Enabled() bool { return p.enabled.Load() }

// SetEnabled switches verification on or off.
func (p *Pipeline) SetEnabled(on bool) {
	p.enabled.Store(on)
	slog.Info("speaker verification toggled", "enabled", on)
}

// LastResult returns the most recent result.
func (p *Pipeline) LastResult() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// SetThreshold changes the verifier's similarity cut-off and returns the
// clamped value in effect.
func (p *Pipeline) SetThreshold(v float64) float64 {
	p.verifier.SetThreshold(v)
	return p.verifier.Threshold()
}

// Threshold returns the verifier's similarity cut-off.
func (p *Pipeline) Threshold() float64 { return p.verifier.Threshold() }

// MinLength returns the minimum segment length in seconds.
func (p *Pipeline) MinLength() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minLength
}

// SetMinLength changes the minimum segment length and returns the clamped
// value in effect.
func (p *Pipeline) SetMinLength(seconds float64) float64 {
	v := ClampMinLength(seconds)
	p.mu.Lock()
	p.minLength = v
	p.mu.Unlock()
	return v
}

// ── Allow-list ───────────────────────────────────────────────────────────────

// Allowed returns a copy of the allow-list.
func (p *Pipeline) Allowed() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.allowed)
}

// SetAllowed replaces the allow-list.
func (p *Pipeline) SetAllowed(names []string) {
	p.mu.Lock()
	p.allowed = slices.Clone(names)
	p.mu.Unlock()
}

// IsAllowed reports whether name is on the allow-list. An empty list admits
// nobody.
func (p *Pipeline) IsAllowed(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Contains(p.allowed, name)
}

// AddAllowed appends name to the allow-list and reports whether it changed.
func (p *Pipeline) AddAllowed(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" || slices.Contains(p.allowed, name) {
		return false
	}
	p.allowed = append(p.allowed, name)
	return true
}

// RemoveAllowed drops name from the allow-list and reports whether it
// changed.
func (p *Pipeline) RemoveAllowed(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.allowed, name)
	if i < 0 {
		return false
	}
	p.allowed = slices.Delete(p.allowed, i, i+1)
	return true
}

// ── Enrolment ────────────────────────────────────────────────────────────────

// Register enrols name from pcm and adds it to the allow-list.
func (p *Pipeline) Register(ctx context.Context, name string, pcm []byte, sampleRate int) error {
	if err := p.verifier.Enroll(ctx, name, pcm, sampleRate); err != nil {
		return fmt.Errorf("verify: register %q: %w", name, err)
	}
	p.AddAllowed(name)
	slog.Info("voiceprint registered", "speaker", name)
	return nil
}

// Remove forgets name's voiceprint and drops it from the allow-list.
func (p *Pipeline) Remove(ctx context.Context, name string) error {
	if err := p.verifier.Remove(ctx, name); err != nil {
		return fmt.Errorf("verify: remove %q: %w", name, err)
	}
	p.RemoveAllowed(name)
	slog.Info("voiceprint removed", "speaker", name)
	return nil
}
