package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// VAD tuning defaults.
const (
	DefaultEnergyThreshold = 1200.0
	DefaultSpeakingBoost   = 500.0
	DefaultSpeechWindow    = 8
	DefaultSpeechDecay     = 0.2
	DefaultCooldown        = 3 * time.Second
	DefaultBufferSeconds   = 3.0
	DefaultMinInterval     = 300 * time.Millisecond

	energyHistorySize = 100
)

// ErrNoFrames is returned by Calibrate when no frames were supplied.
var ErrNoFrames = errors.New("detector: no frames to calibrate from")

// StateSource reports the device state. *device.Machine satisfies it.
type StateSource interface {
	State() device.State
}

// Aborter interrupts playback. InProgress reports whether an abort is
// already being handled.
type Aborter interface {
	Abort(reason transport.AbortReason)
	InProgress() bool
}

// Verification submits speech segments for speaker verification.
// *verify.Pipeline satisfies it.
type Verification interface {
	Enabled() bool
	IsRecognizing() bool
	MinLength() float64
	Submit(pcm []byte) error
}

// Controller is the loop surface a processor uses to pause itself.
type Controller interface {
	Pause()
	Resume()
	IsRunning() bool
	IsPaused() bool
}

var _ Processor = (*VADProcessor)(nil)

// VADProcessor detects barge-in while the device is speaking.
//
// A frame counts as speech when the classifier marks it voiced and its RMS
// energy exceeds the energy threshold plus the speaking boost. The speech
// counter grows by one per speech frame and decays by a fraction per silent
// frame. Once it reaches the speech window the processor either interrupts
// directly or, with verification enabled, submits the buffered audio and
// interrupts on a later allowed result.
//
// After interrupting, the processor pauses its loop and resumes it when the
// cooldown expires.
type VADProcessor struct {
	session  vad.SessionHandle
	state    StateSource
	aborter  Aborter
	verifier Verification
	metrics  *observe.Metrics

	sampleRate    int
	cooldown      time.Duration
	decay         float64
	bufferSeconds float64
	minInterval   time.Duration

	mu            sync.Mutex
	ctl           Controller
	threshold     float64
	boost         float64
	window        int
	speechCount   float64
	silenceCount  int
	segment       int // speech samples in the current segment
	triggered     bool
	ring          *audio.RingBuffer
	limiter       *rate.Limiter
	history       []float64
	lastEnergy    float64
	cooldownTimer *time.Timer
}

// VADOption configures a [VADProcessor].
type VADOption func(*VADProcessor)

// WithEnergyThreshold sets the base RMS threshold.
func WithEnergyThreshold(v float64) VADOption {
	return func(p *VADProcessor) { p.threshold = v }
}

// WithSpeakingBoost sets the amount added to the threshold while the device
// is speaking.
func WithSpeakingBoost(v float64) VADOption {
	return func(p *VADProcessor) { p.boost = v }
}

// WithSpeechWindow sets the speech count that triggers an interrupt.
func WithSpeechWindow(n int) VADOption {
	return func(p *VADProcessor) {
		if n > 0 {
			p.window = n
		}
	}
}

// WithCooldown sets how long the processor stays paused after an interrupt.
func WithCooldown(d time.Duration) VADOption {
	return func(p *VADProcessor) { p.cooldown = d }
}

// WithVerification gates interrupts on speaker verification. bufferSeconds
// is the length of audio submitted; minInterval spaces out submissions.
func WithVerification(v Verification, bufferSeconds float64, minInterval time.Duration) VADOption {
	return func(p *VADProcessor) {
		p.verifier = v
		if bufferSeconds > 0 {
			p.bufferSeconds = bufferSeconds
		}
		if minInterval > 0 {
			p.minInterval = minInterval
		}
	}
}

// WithVADMetrics records triggers in m.
func WithVADMetrics(m *observe.Metrics) VADOption {
	return func(p *VADProcessor) { p.metrics = m }
}

// WithVADSampleRate sets the input sample rate.
func WithVADSampleRate(hz int) VADOption {
	return func(p *VADProcessor) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// NewVADProcessor returns a processor classifying frames with sess.
func NewVADProcessor(sess vad.SessionHandle, state StateSource, aborter Aborter, opts ...VADOption) *VADProcessor {
	p := &VADProcessor{
		session:       sess,
		state:         state,
		aborter:       aborter,
		sampleRate:    16000,
		cooldown:      DefaultCooldown,
		decay:         DefaultSpeechDecay,
		bufferSeconds: DefaultBufferSeconds,
		minInterval:   DefaultMinInterval,
		threshold:     DefaultEnergyThreshold,
		boost:         DefaultSpeakingBoost,
		window:        DefaultSpeechWindow,
		history:       make([]float64, 0, energyHistorySize),
	}
	for _, o := range opts {
		o(p)
	}
	if p.verifier != nil {
		p.ring = audio.NewRingBuffer(p.sampleRate, p.bufferSeconds)
		p.limiter = rate.NewLimiter(rate.Every(p.minInterval), 1)
	}
	return p
}

// Attach gives the processor control over the loop that drives it.
func (p *VADProcessor) Attach(c Controller) {
	p.mu.Lock()
	p.ctl = c
	p.mu.Unlock()
}

// Process implements [Processor].
func (p *VADProcessor) Process(ctx context.Context, frame []byte) error {
	if p.state.State() != device.Speaking {
		p.Reset()
		return nil
	}

	ev, err := p.session.ProcessFrame(frame)
	if err != nil {
		return fmt.Errorf("vad: classify: %w", err)
	}
	energy := audio.RMS(frame)

	p.mu.Lock()
	p.recordEnergy(energy)
	if p.ring != nil {
		p.ring.Write(audio.BytesToInt16(frame))
	}

	if !ev.IsSpeech() || energy <= p.threshold+p.boost {
		p.speechCount = max(0, p.speechCount-p.decay)
		p.silenceCount++
		if p.speechCount == 0 {
			p.segment = 0
		}
		p.mu.Unlock()
		return nil
	}

	p.speechCount++
	p.silenceCount = 0
	p.segment += len(frame) / 2
	slog.Debug("vad: speech frame", "energy", energy, "count", p.speechCount, "window", p.window)

	if p.speechCount < float64(p.window) || p.triggered || p.aborter.InProgress() {
		p.mu.Unlock()
		return nil
	}

	if p.verifier == nil || !p.verifier.Enabled() {
		p.mu.Unlock()
		p.trigger(ctx, energy)
		return nil
	}

	p.maybeSubmitLocked()
	p.mu.Unlock()
	return nil
}

// maybeSubmitLocked submits the buffered audio once the segment is long
// enough, nothing is being recognised and the submission interval allows.
func (p *VADProcessor) maybeSubmitLocked() {
	segmentSeconds := float64(p.segment) / float64(p.sampleRate)
	if segmentSeconds < p.verifier.MinLength() || p.verifier.IsRecognizing() {
		return
	}
	if !p.limiter.Allow() {
		return
	}
	pcm := audio.Int16ToBytes(p.ring.Snapshot())
	if err := p.verifier.Submit(pcm); err != nil {
		slog.Debug("vad: verification not submitted", "error", err)
		return
	}
	slog.Debug("vad: segment submitted for verification", "seconds", segmentSeconds)
}

// OnVerified receives the outcome of a submitted segment and interrupts when
// the speaker is allowed, the device is still speaking and no abort is in
// flight.
func (p *VADProcessor) OnVerified(speaker string, allowed bool) {
	if !allowed {
		slog.Info("vad: speaker not allowed to interrupt", "speaker", speaker)
		return
	}
	if p.state.State() != device.Speaking || p.aborter.InProgress() {
		return
	}
	p.mu.Lock()
	ctl, triggered := p.ctl, p.triggered
	p.mu.Unlock()
	if triggered || (ctl != nil && ctl.IsPaused()) {
		return
	}
	slog.Info("vad: verified speaker interrupts playback", "speaker", speaker)
	p.trigger(context.Background(), p.LastEnergy())
}

// trigger aborts playback, pauses the loop and arms the cooldown.
func (p *VADProcessor) trigger(ctx context.Context, energy float64) {
	p.mu.Lock()
	if p.triggered {
		p.mu.Unlock()
		return
	}
	p.triggered = true
	p.speechCount, p.silenceCount, p.segment = 0, 0, 0
	if p.ring != nil {
		p.ring.Reset()
	}
	ctl := p.ctl
	p.mu.Unlock()

	slog.Info("vad: user interruption detected", "energy", energy)
	p.metrics.RecordVADTrigger(ctx)
	p.aborter.Abort(transport.ReasonUserInterruption)

	if ctl == nil {
		return
	}
	ctl.Pause()

	p.mu.Lock()
	if p.cooldownTimer != nil {
		p.cooldownTimer.Stop()
	}
	p.cooldownTimer = time.AfterFunc(p.cooldown, func() {
		p.mu.Lock()
		p.triggered = false
		p.mu.Unlock()
		if ctl.IsRunning() && ctl.IsPaused() {
			ctl.Resume()
			slog.Info("vad: cooldown over, detection resumed")
		}
	})
	p.mu.Unlock()
}

// Reset implements [Processor].
func (p *VADProcessor) Reset() {
	p.mu.Lock()
	p.speechCount, p.silenceCount, p.segment = 0, 0, 0
	p.triggered = false
	if p.ring != nil {
		p.ring.Reset()
	}
	p.mu.Unlock()
	p.session.Reset()
}

// Close cancels a pending cooldown and releases the classifier session.
func (p *VADProcessor) Close() error {
	p.mu.Lock()
	if p.cooldownTimer != nil {
		p.cooldownTimer.Stop()
		p.cooldownTimer = nil
	}
	p.mu.Unlock()
	return p.session.Close()
}

func (p *VADProcessor) recordEnergy(e float64) {
	p.lastEnergy = e
	if len(p.history) == energyHistorySize {
		copy(p.history, p.history[1:])
		p.history = p.history[:energyHistorySize-1]
	}
	p.history = append(p.history, e)
}

// Calibrate sets the energy threshold to mean + 3·stddev of the frames' RMS.
// frames should span about two seconds of ambient noise.
func (p *VADProcessor) Calibrate(frames [][]byte) (float64, error) {
	if len(frames) == 0 {
		return 0, ErrNoFrames
	}
	energies := make([]float64, len(frames))
	var sum float64
	for i, f := range frames {
		energies[i] = audio.RMS(f)
		sum += energies[i]
	}
	mean := sum / float64(len(energies))
	var variance float64
	for _, e := range energies {
		variance += (e - mean) * (e - mean)
	}
	std := math.Sqrt(variance / float64(len(energies)))

	threshold := mean + 3*std
	p.SetEnergyThreshold(threshold)
	slog.Info("vad: threshold calibrated", "threshold", threshold, "frames", len(frames))
	return threshold, nil
}

// SetEnergyThreshold replaces the base RMS threshold.
func (p *VADProcessor) SetEnergyThreshold(v float64) {
	p.mu.Lock()
	p.threshold = v
	p.mu.Unlock()
}

// SetSpeakingBoost replaces the speaking boost.
func (p *VADProcessor) SetSpeakingBoost(v float64) {
	p.mu.Lock()
	p.boost = v
	p.mu.Unlock()
}

// SetSpeechWindow replaces the trigger window. Non-positive values are
// ignored.
func (p *VADProcessor) SetSpeechWindow(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.window = n
	p.mu.Unlock()
}

// EnergyThreshold returns the base RMS threshold.
func (p *VADProcessor) EnergyThreshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// SpeechCount returns the current speech counter.
func (p *VADProcessor) SpeechCount() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speechCount
}

// LastEnergy returns the RMS of the most recent frame.
func (p *VADProcessor) LastEnergy() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEnergy
}

// EnergyHistory returns the RMS of up to the last 100 frames, oldest first.
func (p *VADProcessor) EnergyHistory() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.history...)
}
