// Command xiaozhi is the voice assistant device client. It captures the
// microphone, listens for wake words, streams speech to the xiaozhi server
// over WebSocket and plays the synthesised reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linkinwong/xiaozhi/internal/app"
	"github.com/linkinwong/xiaozhi/internal/config"
	"github.com/linkinwong/xiaozhi/internal/health"
	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/internal/resilience"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/audio/malgo"
	"github.com/linkinwong/xiaozhi/pkg/codec/opus"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker/httpembed"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker/memstore"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker/postgres"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad/energy"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
	oaiwake "github.com/linkinwong/xiaozhi/pkg/provider/wakeword/openai"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword/whisper"
	"github.com/linkinwong/xiaozhi/pkg/transport"
	"github.com/linkinwong/xiaozhi/pkg/transport/websocket"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// extraProviders holds registrations from files behind build tags.
var extraProviders []func(*config.Registry)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "xiaozhi: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	store, err := config.OpenStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xiaozhi: %v\n", err)
		return 1
	}
	cfg := store.Config()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	sys, err := config.EnsureIdentity(store)
	if err != nil {
		slog.Error("failed to initialise device identity", "err", err)
		return 1
	}
	cfg = store.Config()

	slog.Info("xiaozhi starting",
		"version", version,
		"config", *configPath,
		"server", cfg.Network.WebSocketURL,
		"device_id", sys.DeviceID,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceID:       sys.DeviceID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for _, register := range extraProviders {
		register(reg)
	}

	providers, cleanup, err := buildProviders(ctx, cfg, sys, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer cleanup()

	application, err := app.New(cfg, providers,
		app.WithStore(store),
		app.WithLogLevel(&level),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Operations endpoint ───────────────────────────────────────────────────
	ops := newOpsServer(cfg.Observe.ListenAddr, metrics, application.Checkers())
	if ops != nil {
		go func() {
			slog.Info("operations endpoint listening", "addr", ops.Addr)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("operations endpoint error", "err", err)
			}
		}()
	}

	slog.Info("client ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			slog.Warn("operations endpoint shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that need no build
// tags into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Wake word transcribers ────────────────────────────────────────────────
	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (wakeword.Transcriber, error) {
		var opts []whisper.Option
		if lang := config.Option(entry, "language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := config.Option(entry, "prompt", ""); prompt != "" {
			opts = append(opts, whisper.WithInitialPrompt(prompt))
		}
		return whisper.New(entry.Model, opts...)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (wakeword.Transcriber, error) {
		var opts []oaiwake.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaiwake.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaiwake.WithModel(entry.Model))
		}
		if lang := config.Option(entry, "language", ""); lang != "" {
			opts = append(opts, oaiwake.WithLanguage(lang))
		}
		if prompt := config.Option(entry, "prompt", ""); prompt != "" {
			opts = append(opts, oaiwake.WithPrompt(prompt))
		}
		return oaiwake.New(entry.APIKey, opts...)
	})

	// ── Speaker verification ──────────────────────────────────────────────────
	reg.RegisterEmbedder("http", func(entry config.ProviderEntry) (speaker.Embedder, error) {
		var opts []httpembed.Option
		if entry.APIKey != "" {
			opts = append(opts, httpembed.WithAPIKey(entry.APIKey))
		}
		return httpembed.New(entry.BaseURL, opts...)
	})

	reg.RegisterStore("memory", func(context.Context, config.ProviderEntry) (speaker.Store, error) {
		return memstore.New(), nil
	})

	reg.RegisterStore("postgres", func(ctx context.Context, entry config.ProviderEntry) (speaker.Store, error) {
		dsn := config.Option(entry, "dsn", "")
		if dsn == "" {
			return nil, errors.New("postgres voiceprint store: options.dsn is required")
		}
		return postgres.NewStore(ctx, dsn, config.Option(entry, "dimensions", 192))
	})

	// ── Audio device ──────────────────────────────────────────────────────────
	reg.RegisterAudio("malgo", func(cfg config.AudioConfig) (audio.Stream, error) {
		return malgo.Open(malgo.Config{
			InputSampleRate:  cfg.InputSampleRate,
			OutputSampleRate: cfg.OutputSampleRate,
			Channels:         cfg.Channels,
		})
	})
}

// buildProviders instantiates the configured providers. Optional features
// whose provider cannot be built are disabled with a warning. The returned
// cleanup releases resources app.App does not own.
func buildProviders(ctx context.Context, cfg *config.Config, sys config.SystemConfig, reg *config.Registry) (*app.Providers, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	stream, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, cleanup, fmt.Errorf("audio device: %w", err)
	}

	codec, err := opus.New(opus.Config{
		InputSampleRate:  cfg.Audio.InputSampleRate,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		Channels:         cfg.Audio.Channels,
		FrameDurationMs:  cfg.Audio.FrameDurationMs,
	})
	if err != nil {
		_ = stream.Close()
		return nil, cleanup, fmt.Errorf("codec: %w", err)
	}

	channel := websocket.New(cfg.Network.WebSocketURL,
		websocket.WithAccessToken(cfg.Network.AccessToken),
		websocket.WithDeviceID(sys.DeviceID),
		websocket.WithClientID(sys.ClientID),
		websocket.WithAudioParams(transport.AudioParams{
			Format:        "opus",
			SampleRate:    cfg.Audio.InputSampleRate,
			Channels:      cfg.Audio.Channels,
			FrameDuration: cfg.Audio.FrameDurationMs,
		}),
	)

	p := &app.Providers{
		Stream:  stream,
		Channel: channel,
		Codec:   codec,
	}

	if cfg.WakeWord.Enabled {
		engine, err := buildWakeWord(cfg, reg)
		if err != nil {
			slog.Warn("wake word disabled", "engine", cfg.WakeWord.Engine.Name, "err", err)
		} else {
			p.WakeWord = engine
		}
	}

	if cfg.VAD.Enabled {
		engine, err := reg.CreateVAD(cfg.VAD.Engine)
		if err != nil {
			slog.Warn("vad disabled", "engine", cfg.VAD.Engine.Name, "err", err)
		} else {
			p.VAD = engine
		}
	}

	verifier, closeStore, err := buildVerifier(ctx, cfg, reg)
	if err != nil {
		slog.Warn("voiceprint disabled", "embedder", cfg.VoicePrint.Embedder.Name, "err", err)
	} else {
		p.Verifier = verifier
		cleanups = append(cleanups, closeStore)
	}

	return p, cleanup, nil
}

// buildWakeWord wraps the configured transcriber, and the optional fallback,
// in an energy-gated streaming engine.
func buildWakeWord(cfg *config.Config, reg *config.Registry) (wakeword.Engine, error) {
	ww := cfg.WakeWord
	primary, err := reg.CreateTranscriber(ww.Engine)
	if err != nil {
		return nil, err
	}

	t := primary
	if ww.Fallback.Name != "" {
		fb, err := reg.CreateTranscriber(ww.Fallback)
		if err != nil {
			slog.Warn("wake word fallback disabled", "engine", ww.Fallback.Name, "err", err)
		} else {
			group := resilience.NewTranscriberFallback(primary, ww.Engine.Name, resilience.FallbackConfig{})
			group.AddFallback(ww.Fallback.Name, fb)
			t = group
			slog.Info("wake word fallback enabled", "backends", group.Backends())
		}
	}

	opts := []wakeword.StreamOption{wakeword.WithSampleRate(cfg.Audio.InputSampleRate)}
	if rms := config.Option(ww.Engine, "rms_threshold", 0.0); rms > 0 {
		opts = append(opts, wakeword.WithRMSThreshold(rms))
	}
	if ms := config.Option(ww.Engine, "silence_ms", 0); ms > 0 {
		opts = append(opts, wakeword.WithSilenceMs(ms))
	}
	return wakeword.NewStreamEngine(t, opts...)
}

// buildVerifier assembles the speaker verifier from its embedder and store.
func buildVerifier(ctx context.Context, cfg *config.Config, reg *config.Registry) (speaker.Verifier, func(), error) {
	vp := cfg.VoicePrint
	if vp.Embedder.Name == "" || vp.Embedder.BaseURL == "" {
		return nil, nil, errors.New("no embedder configured")
	}
	embedder, err := reg.CreateEmbedder(vp.Embedder)
	if err != nil {
		return nil, nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := reg.CreateStore(sctx, vp.Store)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if c, ok := store.(interface{ Close() }); ok {
			c.Close()
		}
	}

	v, err := speaker.NewEmbeddingVerifier(embedder, store)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return v, closeStore, nil
}

// ── Operations endpoint ───────────────────────────────────────────────────────

// newOpsServer serves /metrics, /healthz and /readyz. It returns nil when
// addr is empty.
func newOpsServer(addr string, metrics *observe.Metrics, checks []health.Checker) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checks...).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
