// Package config provides the configuration schema, loader, dot-path store
// and provider registry for the xiaozhi device client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Bounds applied when the config is normalised.
const (
	MinVoicePrintThreshold = 0.01
	MaxVoicePrintThreshold = 0.99
	MinAudioLength         = 0.5
	MaxAudioLength         = 5.0
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [OpenStore].
type Config struct {
	LogLevel   LogLevel         `yaml:"log_level"`
	System     SystemConfig     `yaml:"system"`
	Network    NetworkConfig    `yaml:"network"`
	Audio      AudioConfig      `yaml:"audio"`
	WakeWord   WakeWordConfig   `yaml:"wake_word"`
	VAD        VADConfig        `yaml:"vad"`
	VoicePrint VoicePrintConfig `yaml:"voiceprint"`
	Observe    ObserveConfig    `yaml:"observe"`
}

// SystemConfig identifies this device to the server. Both IDs are generated
// on first run and persisted; see [EnsureIdentity].
type SystemConfig struct {
	ClientID string `yaml:"client_id"`
	DeviceID string `yaml:"device_id"`
}

// NetworkConfig locates the server.
type NetworkConfig struct {
	// WebSocketURL is the server endpoint. Overridden by XIAOZHI_WEBSOCKET_URL.
	WebSocketURL string `yaml:"websocket_url"`

	// AccessToken is sent as a bearer token. Overridden by XIAOZHI_ACCESS_TOKEN.
	AccessToken string `yaml:"access_token"`

	ProtocolVersion int `yaml:"protocol_version"`
}

// AudioConfig describes the local device and the in-process queues.
type AudioConfig struct {
	// Device selects the registered audio device implementation.
	Device ProviderEntry `yaml:"device"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	Channels         int `yaml:"channels"`

	// FrameDurationMs is the uplink Opus frame length.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// InboundQueueSize bounds decoded server audio awaiting playback.
	InboundQueueSize int `yaml:"inbound_queue_size"`

	// DetectorQueueSize bounds captured frames buffered per detector.
	DetectorQueueSize int `yaml:"detector_queue_size"`
}

// WakeWordConfig configures the wake phrase detector.
type WakeWordConfig struct {
	Enabled bool     `yaml:"enabled"`
	Words   []string `yaml:"words"`

	// FuzzyThreshold is the Jaro-Winkler similarity accepted as a match.
	// Zero, the default, disables fuzzy matching.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	Debounce time.Duration `yaml:"debounce"`

	// Engine selects the transcriber. Fallback, when named, is tried while
	// Engine's circuit breaker is open.
	Engine   ProviderEntry `yaml:"engine"`
	Fallback ProviderEntry `yaml:"fallback"`
}

// VADConfig configures barge-in detection during playback.
type VADConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Engine          ProviderEntry `yaml:"engine"`
	EnergyThreshold float64       `yaml:"energy_threshold"`
	SpeakingBoost   float64       `yaml:"speaking_boost"`
	SpeechWindow    int           `yaml:"speech_window"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

// VoicePrintConfig configures speaker verification of barge-in.
type VoicePrintConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is the cosine similarity cut-off, clamped to
	// [MinVoicePrintThreshold, MaxVoicePrintThreshold].
	Threshold float64 `yaml:"threshold"`

	// MinAudioLength is the speech, in seconds, needed before a clip is
	// verified. Clamped to [MinAudioLength, MaxAudioLength].
	MinAudioLength float64 `yaml:"min_audio_length"`

	BufferSeconds   float64       `yaml:"buffer_seconds"`
	MinInterval     time.Duration `yaml:"min_interval"`
	AllowedSpeakers []string      `yaml:"allowed_speakers"`

	Embedder ProviderEntry `yaml:"embedder"`
	Store    ProviderEntry `yaml:"store"`
}

// ObserveConfig configures the operations HTTP endpoint.
type ObserveConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "energy", "whisper-native").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Model selects a model file or remote model name.
	Model string `yaml:"model,omitempty"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options,omitempty"`
}

// Option returns the named option, or def when it is unset or of another
// type. Integer options decoded from YAML arrive as int.
func Option[T any](e ProviderEntry, name string, def T) T {
	v, ok := e.Options[name].(T)
	if !ok {
		return def
	}
	return v
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Network: NetworkConfig{
			WebSocketURL:    "wss://api.tenclass.net/xiaozhi/v1/",
			AccessToken:     "test-token",
			ProtocolVersion: 1,
		},
		Audio: AudioConfig{
			Device:            ProviderEntry{Name: "malgo"},
			InputSampleRate:   16000,
			OutputSampleRate:  24000,
			Channels:          1,
			FrameDurationMs:   60,
			InboundQueueSize:  500,
			DetectorQueueSize: 50,
		},
		WakeWord: WakeWordConfig{
			Enabled:        true,
			Words:          []string{"小牛", "小美"},
			Debounce:       time.Second,
			Engine:         ProviderEntry{Name: "whisper-native"},
		},
		VAD: VADConfig{
			Enabled:         true,
			Engine:          ProviderEntry{Name: "energy"},
			EnergyThreshold: 1200,
			SpeakingBoost:   500,
			SpeechWindow:    8,
			Cooldown:        3 * time.Second,
		},
		VoicePrint: VoicePrintConfig{
			Threshold:       0.18,
			MinAudioLength:  2.0,
			BufferSeconds:   3,
			MinInterval:     300 * time.Millisecond,
			AllowedSpeakers: []string{},
			Embedder:        ProviderEntry{Name: "http"},
			Store: ProviderEntry{
				Name:    "memory",
				Options: map[string]any{"dsn": "", "dimensions": 192},
			},
		},
		Observe: ObserveConfig{ListenAddr: ":9464"},
	}
}

// normalize clamps bounded values in place.
func normalize(cfg *Config) {
	vp := &cfg.VoicePrint
	vp.Threshold = min(max(vp.Threshold, MinVoicePrintThreshold), MaxVoicePrintThreshold)
	vp.MinAudioLength = min(max(vp.MinAudioLength, MinAudioLength), MaxAudioLength)
}
