// Package app wires the device subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New builds the queues, detectors,
// state machine, abort coordinator and IoT registry around the injected
// providers, Run drives the scheduler and audio loops until its context is
// cancelled, and Shutdown tears everything down in order.
//
// Every state-changing reaction to an inbound event is posted to the
// scheduler and runs on its single consumer goroutine. Work that blocks on
// the network (opening the channel, draining playback) runs on tracked
// goroutines and posts its follow-up transition back to the scheduler.
//
// For testing, inject mock implementations through [Providers] and the
// functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkinwong/xiaozhi/internal/abort"
	"github.com/linkinwong/xiaozhi/internal/command"
	"github.com/linkinwong/xiaozhi/internal/config"
	"github.com/linkinwong/xiaozhi/internal/detector"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/iot"
	"github.com/linkinwong/xiaozhi/internal/iot/mcpbridge"
	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/internal/phonetic"
	"github.com/linkinwong/xiaozhi/internal/resilience"
	"github.com/linkinwong/xiaozhi/internal/scheduler"
	"github.com/linkinwong/xiaozhi/internal/session"
	"github.com/linkinwong/xiaozhi/internal/verify"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/codec"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// Queue names, also used as metric attributes.
const (
	queueWakeWord = "wake_word"
	queueVAD      = "vad"
	queueUplink   = "uplink"
	queueInbound  = "inbound"
)

// captureFrameMs is the length of one frame read from the input stream.
const captureFrameMs = 20

// maxDetectorRestarts bounds how often a self-stopped detector is restarted.
const maxDetectorRestarts = 3

// Providers holds the device and recognition backends. Populated by main.go
// via the config registry. Stream, Channel and Codec are required; a nil
// optional field disables the feature it backs.
type Providers struct {
	Stream  audio.Stream
	Channel transport.Channel
	Codec   codec.Codec

	// WakeWord recognises wake phrases while idle.
	WakeWord wakeword.Engine

	// VAD classifies frames for barge-in while speaking.
	VAD vad.Engine

	// Verifier gates barge-in on the speaker's identity.
	Verifier speaker.Verifier
}

// Timings holds the deadlines and delays of the application flows.
type Timings struct {
	ToggleOpen    time.Duration // channel open from ToggleChatState
	ListenOpen    time.Duration // channel open from StartListening and wake words
	Close         time.Duration // channel close
	Send          time.Duration // one control message
	DrainPoll     time.Duration // inbound queue check after tts stop
	DrainAttempts int
	DrainGrace    time.Duration // tail after the inbound queue empties
	OutputPoll    time.Duration // playback loop wake-up
	ConfigPoll    time.Duration // config file watcher
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		ToggleOpen:    5 * time.Second,
		ListenOpen:    10 * time.Second,
		Close:         3 * time.Second,
		Send:          2 * time.Second,
		DrainPoll:     100 * time.Millisecond,
		DrainAttempts: 30,
		DrainGrace:    500 * time.Millisecond,
		OutputPoll:    10 * time.Millisecond,
		ConfigPoll:    config.DefaultWatchInterval,
	}
}

// App owns all subsystem lifetimes and coordinates the device.
type App struct {
	cfg       *config.Config
	providers *Providers
	store     *config.Store
	display   Display
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	timings   Timings

	flags    session.Flags
	machine  *device.Machine
	sched    *scheduler.Scheduler[command.Command]
	aborter  *abort.Coordinator
	breaker  *resilience.CircuitBreaker
	things   *iot.Manager
	bridge   *mcpbridge.Bridge
	volume   *audio.Volume
	verifier *verify.Pipeline

	fanout  *audio.FanOut
	uplinkQ *audio.FrameQueue
	inbound *audio.FrameQueue

	wakeLoop *detector.Loop
	wakeProc *detector.WakeWordProcessor
	vadLoop  *detector.Loop
	vadProc  *detector.VADProcessor

	restartMu sync.Mutex
	restarts  map[string]int

	// detectorsOff is set once the input device has failed for good.
	detectorsOff atomic.Bool

	// ctx outlives individual flows; it is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore persists voiceprint changes to s and hot-reloads edits made to
// its file.
func WithStore(s *config.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDisplay replaces the default [LogDisplay].
func WithDisplay(d Display) Option {
	return func(a *App) { a.display = d }
}

// WithMetrics records application metrics in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reload change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithTimings overrides [DefaultTimings].
func WithTimings(t Timings) Option {
	return func(a *App) { a.timings = t }
}

// New creates an App from cfg and the injected providers. Nothing runs until
// [App.Run] is called.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.Stream == nil || providers.Channel == nil || providers.Codec == nil {
		return nil, errors.New("app: stream, channel and codec providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		timings:   DefaultTimings(),
		restarts:  make(map[string]int),
	}
	for _, o := range opts {
		o(a)
	}
	if a.display == nil {
		a.display = NewLogDisplay()
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.initQueues()
	a.initIoT()
	a.machine = device.New(
		device.WithInput(providers.Stream),
		device.WithDisplay(a.display),
		device.WithStatePusher(a.things),
		device.WithMetrics(a.metrics),
		device.WithContext(a.ctx),
	)
	a.sched = scheduler.New(a.handle)
	abortOpts := []abort.Option{abort.WithMetrics(a.metrics)}
	if out, ok := providers.Stream.(abort.Output); ok {
		abortOpts = append(abortOpts, abort.WithOutput(out))
	}
	a.aborter = abort.New(&a.flags, a.inbound, providers.Channel, a.sched, abortOpts...)
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "transport"})

	a.initVerifier()
	a.initWakeWord()
	a.initVAD()
	a.machine.Bind(asDetector(a.wakeLoop), asDetector(a.vadLoop))
	a.aborter.BindWakeWord(asDetector(a.wakeLoop))

	a.bridge = mcpbridge.New(a.things, providers.Channel)
	providers.Channel.SetHandlers(transport.Handlers{
		OnNetworkError:       a.onNetworkError,
		OnIncomingAudio:      a.onIncomingAudio,
		OnIncomingJSON:       a.onIncomingJSON,
		OnAudioChannelOpened: a.onChannelOpened,
		OnAudioChannelClosed: a.onChannelClosed,
	})

	slog.Info("app initialised",
		"wake_word", a.wakeLoop != nil,
		"vad", a.vadLoop != nil,
		"voiceprint", a.verifier != nil,
	)
	return a, nil
}

// ─── Initialisation ──────────────────────────────────────────────────────────

func (a *App) initQueues() {
	drop := audio.WithDropHook(func(queue string) {
		a.metrics.RecordQueueDrop(a.ctx, queue)
	})
	frameSize := audio.SamplesPerFrame(a.cfg.Audio.InputSampleRate, captureFrameMs)
	a.fanout = audio.NewFanOut(a.providers.Stream, frameSize, audio.WithFatalHandler(a.onAudioFatal))

	a.uplinkQ = audio.NewFrameQueue(queueUplink, a.cfg.Audio.DetectorQueueSize, drop)
	a.inbound = audio.NewFrameQueue(queueInbound, a.cfg.Audio.InboundQueueSize, drop)
	a.fanout.Subscribe(a.uplinkQ)
}

func (a *App) initIoT() {
	a.volume = audio.NewVolume(audio.DefaultVolume)
	a.things = iot.NewManager(iot.WithChannel(a.providers.Channel))
	if err := a.things.Add(iot.NewSpeaker(a.volume)); err != nil {
		slog.Warn("failed to register iot thing", "thing", "Speaker", "err", err)
	}
}

func (a *App) initVerifier() {
	if a.providers.Verifier == nil {
		return
	}
	vp := a.cfg.VoicePrint
	a.providers.Verifier.SetThreshold(vp.Threshold)
	a.verifier = verify.New(a.providers.Verifier,
		verify.WithSampleRate(a.cfg.Audio.InputSampleRate),
		verify.WithAllowed(vp.AllowedSpeakers),
		verify.WithMinLength(vp.MinAudioLength),
		verify.WithEnabled(vp.Enabled),
		verify.WithResultHandler(a.onVerified),
		verify.WithMetrics(a.metrics),
	)
	if err := a.things.Add(iot.NewVoicePrint(voicePrintControl{a})); err != nil {
		slog.Warn("failed to register iot thing", "thing", "VoicePrint", "err", err)
	}
}

func (a *App) initWakeWord() {
	ww := a.cfg.WakeWord
	if a.providers.WakeWord == nil || !ww.Enabled {
		return
	}
	matcher := phonetic.New(ww.Words, phonetic.WithFuzzyThreshold(ww.FuzzyThreshold))
	a.wakeProc = detector.NewWakeWordProcessor(a.providers.WakeWord, matcher, a.onWakeWord,
		detector.WithDebounce(ww.Debounce),
		detector.WithWakeMetrics(a.metrics),
	)
	q := a.detectorQueue(queueWakeWord)
	a.wakeLoop = detector.NewLoop(queueWakeWord, q, a.wakeProc,
		detector.WithErrorHandler(a.onDetectorError),
		detector.WithLoopMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.providers.WakeWord.Close)
}

func (a *App) initVAD() {
	vc := a.cfg.VAD
	if a.providers.VAD == nil || !vc.Enabled {
		return
	}
	sess, err := a.providers.VAD.NewSession(vad.Config{
		SampleRate:       a.cfg.Audio.InputSampleRate,
		FrameSizeMs:      captureFrameMs,
		SpeechThreshold:  config.Option(vc.Engine, "speech_threshold", 0.0),
		SilenceThreshold: config.Option(vc.Engine, "silence_threshold", 0.0),
	})
	if err != nil {
		slog.Warn("vad disabled: failed to create session", "err", err)
		return
	}

	opts := []detector.VADOption{
		detector.WithEnergyThreshold(vc.EnergyThreshold),
		detector.WithSpeakingBoost(vc.SpeakingBoost),
		detector.WithSpeechWindow(vc.SpeechWindow),
		detector.WithCooldown(vc.Cooldown),
		detector.WithVADSampleRate(a.cfg.Audio.InputSampleRate),
		detector.WithVADMetrics(a.metrics),
	}
	if a.verifier != nil {
		vp := a.cfg.VoicePrint
		opts = append(opts, detector.WithVerification(a.verifier, vp.BufferSeconds, vp.MinInterval))
	}
	a.vadProc = detector.NewVADProcessor(sess, a.machine, a.aborter, opts...)

	q := a.detectorQueue(queueVAD)
	a.vadLoop = detector.NewLoop(queueVAD, q, a.vadProc,
		detector.WithErrorHandler(a.onDetectorError),
		detector.WithLoopMetrics(a.metrics),
	)
	a.vadProc.Attach(a.vadLoop)
	a.closers = append(a.closers, a.vadProc.Close)
}

func (a *App) detectorQueue(name string) *audio.FrameQueue {
	q := audio.NewFrameQueue(name, a.cfg.Audio.DetectorQueueSize, audio.WithDropHook(func(queue string) {
		a.metrics.RecordQueueDrop(a.ctx, queue)
	}))
	a.fanout.Subscribe(q)
	return q
}

// asDetector keeps a nil loop from becoming a non-nil interface value.
func asDetector(l *detector.Loop) device.Detector {
	if l == nil {
		return nil
	}
	return l
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture, the wake word detector, the scheduler and the audio
// loops, and blocks until ctx is cancelled or [App.Shutdown] is called.
func (a *App) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, a.cancel)
	defer stop()

	g, gctx := errgroup.WithContext(a.ctx)

	a.fanout.Start(gctx)
	if a.wakeLoop != nil {
		if err := a.wakeLoop.Start(a.ctx); err != nil {
			return fmt.Errorf("app: start wake word detector: %w", err)
		}
	}
	a.display.SetStatus(device.StatusStandby)

	g.Go(func() error {
		a.sched.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.uplink(gctx) })
	g.Go(func() error { return a.playback(gctx) })
	if a.verifier != nil {
		g.Go(func() error {
			a.verifier.Run(gctx)
			return nil
		})
	}
	if a.store != nil {
		w, err := config.NewWatcher(a.store, a.ApplyConfig, config.WithInterval(a.timings.ConfigPoll))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("app running", "state", a.machine.State())
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// State returns the device state.
func (a *App) State() device.State { return a.machine.State() }

// QueuedPlayback returns the number of packets waiting in the inbound queue.
func (a *App) QueuedPlayback() int { return a.inbound.Len() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.cancel()

		for _, l := range []*detector.Loop{a.wakeLoop, a.vadLoop} {
			if l != nil {
				l.Stop()
			}
		}
		a.fanout.Stop()

		waited := make(chan struct{})
		go func() {
			a.aborter.Wait()
			a.async.Wait()
			a.things.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for background work")
			shutdownErr = ctx.Err()
			return
		}

		if err := a.bridge.Close(); err != nil {
			slog.Warn("mcp bridge close error", "err", err)
		}
		closeCtx, cancel := context.WithTimeout(ctx, a.timings.Close)
		if err := a.providers.Channel.CloseAudioChannel(closeCtx); err != nil {
			slog.Warn("audio channel close error", "err", err)
		}
		cancel()
		if err := a.providers.Stream.Close(); err != nil {
			slog.Warn("audio stream close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// goAsync runs fn on a tracked goroutine bound to the app context.
func (a *App) goAsync(fn func(ctx context.Context)) {
	a.async.Add(1)
	go func() {
		defer a.async.Done()
		fn(a.ctx)
	}()
}

// wake returns the wake word loop, or nil when it is absent or disabled.
func (a *App) wake() *detector.Loop {
	if a.detectorsOff.Load() {
		return nil
	}
	return a.wakeLoop
}

func (a *App) pauseWake() {
	if l := a.wake(); l != nil && l.IsRunning() && !l.IsPaused() {
		l.Pause()
	}
}

func (a *App) resumeWake() {
	if l := a.wake(); l != nil && l.IsPaused() {
		l.Resume()
	}
}
