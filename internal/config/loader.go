package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values. They are applied on load
// and never written back.
const (
	EnvWebSocketURL = "XIAOZHI_WEBSOCKET_URL"
	EnvAccessToken  = "XIAOZHI_ACCESS_TOKEN"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio":     {"malgo"},
	"vad":       {"energy", "silero"},
	"wake_word": {"whisper-native", "openai"},
	"embedder":  {"http"},
	"store":     {"memory", "postgres"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse decodes data over the defaults, applies getenv overrides when
// getenv is non-nil, clamps bounded values and validates.
func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides network settings from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvWebSocketURL); v != "" {
		cfg.Network.WebSocketURL = v
	}
	if v := getenv(EnvAccessToken); v != "" {
		cfg.Network.AccessToken = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Network
	if cfg.Network.WebSocketURL == "" {
		errs = append(errs, errors.New("network.websocket_url is required"))
	} else if u, err := url.Parse(cfg.Network.WebSocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("network.websocket_url %q must be a ws:// or wss:// URL", cfg.Network.WebSocketURL))
	}

	// Audio
	a := cfg.Audio
	if a.InputSampleRate <= 0 || a.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio sample rates must be positive, got input %d output %d", a.InputSampleRate, a.OutputSampleRate))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if !slices.Contains([]int{10, 20, 40, 60}, a.FrameDurationMs) {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: 10, 20, 40, 60", a.FrameDurationMs))
	}
	if a.InboundQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.inbound_queue_size must be positive, got %d", a.InboundQueueSize))
	}
	if a.DetectorQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.detector_queue_size must be positive, got %d", a.DetectorQueueSize))
	}
	validateProviderName("audio", a.Device.Name)

	// Wake word
	ww := cfg.WakeWord
	if ww.Enabled && len(ww.Words) == 0 {
		errs = append(errs, errors.New("wake_word.words must not be empty when wake_word.enabled is true"))
	}
	if ww.FuzzyThreshold < 0 || ww.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake_word.fuzzy_threshold %.2f is out of range [0, 1]", ww.FuzzyThreshold))
	}
	if ww.Debounce < 0 {
		errs = append(errs, fmt.Errorf("wake_word.debounce %s must not be negative", ww.Debounce))
	}
	validateProviderName("wake_word", ww.Engine.Name)
	validateProviderName("wake_word", ww.Fallback.Name)

	// VAD
	v := cfg.VAD
	if v.EnergyThreshold < 0 || v.SpeakingBoost < 0 {
		errs = append(errs, fmt.Errorf("vad energy_threshold and speaking_boost must not be negative, got %.0f and %.0f", v.EnergyThreshold, v.SpeakingBoost))
	}
	if v.SpeechWindow <= 0 {
		errs = append(errs, fmt.Errorf("vad.speech_window must be positive, got %d", v.SpeechWindow))
	}
	if v.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("vad.cooldown %s must not be negative", v.Cooldown))
	}
	validateProviderName("vad", v.Engine.Name)

	// Voiceprint
	vp := cfg.VoicePrint
	if vp.BufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("voiceprint.buffer_seconds must be positive, got %.1f", vp.BufferSeconds))
	} else if vp.BufferSeconds < vp.MinAudioLength {
		slog.Warn("voiceprint.buffer_seconds is shorter than min_audio_length; clips will be truncated",
			"buffer_seconds", vp.BufferSeconds,
			"min_audio_length", vp.MinAudioLength,
		)
	}
	if vp.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("voiceprint.min_interval %s must not be negative", vp.MinInterval))
	}
	if vp.Enabled && !cfg.VAD.Enabled {
		slog.Warn("voiceprint.enabled has no effect while vad.enabled is false")
	}
	validateProviderName("embedder", vp.Embedder.Name)
	validateProviderName("store", vp.Store.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
