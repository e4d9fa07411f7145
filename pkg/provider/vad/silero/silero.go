//go:build silero

// Package silero implements [vad.Engine] with the Silero VAD ONNX model
// through github.com/streamer45/silero-vad-go.
//
// The package needs the ONNX runtime shared library at build and run time and
// is compiled only with the "silero" build tag.
package silero

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

var _ vad.Engine = (*Engine)(nil)

// windowSamples is the model's fixed analysis window at 16 kHz.
const windowSamples = 512

const (
	defaultThreshold    = 0.5
	defaultMinSilenceMs = 100
	defaultSpeechPadMs  = 30
	supportedSampleRate = 16000
)

// Engine creates Silero sessions from one model file.
type Engine struct {
	modelPath    string
	minSilenceMs int
	speechPadMs  int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMinSilenceMs sets the silence duration that ends a segment.
func WithMinSilenceMs(ms int) Option {
	return func(e *Engine) { e.minSilenceMs = ms }
}

// WithSpeechPadMs sets the padding added around detected speech.
func WithSpeechPadMs(ms int) Option {
	return func(e *Engine) { e.speechPadMs = ms }
}

// New returns an engine loading modelPath for each session.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	e := &Engine{
		modelPath:    modelPath,
		minSilenceMs: defaultMinSilenceMs,
		speechPadMs:  defaultSpeechPadMs,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewSession implements [vad.Engine]. Only 16 kHz input is supported.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate != supportedSampleRate {
		return nil, fmt.Errorf("silero: unsupported sample rate %d, want %d", cfg.SampleRate, supportedSampleRate)
	}
	threshold := cfg.SpeechThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = defaultThreshold
	}
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           supportedSampleRate,
		Threshold:            float32(threshold),
		MinSilenceDurationMs: e.minSilenceMs,
		SpeechPadMs:          e.speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return &session{det: det}, nil
}

type session struct {
	mu       sync.Mutex
	det      *speech.Detector
	pending  []float32
	speaking bool
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errors.New("silero: session closed")
	}

	was := s.speaking
	s.pending = append(s.pending, audio.BytesToFloat32(frame)...)
	for len(s.pending) >= windowSamples {
		segments, err := s.det.Detect(s.pending[:windowSamples])
		s.pending = s.pending[windowSamples:]
		if err != nil {
			return types.VADEvent{}, fmt.Errorf("silero: detect: %w", err)
		}
		for _, seg := range segments {
			if seg.SpeechStartAt > 0 && !s.speaking {
				s.speaking = true
			}
			if seg.SpeechEndAt > 0 && s.speaking {
				s.speaking = false
			}
		}
	}

	switch {
	case s.speaking && !was:
		return types.VADEvent{Type: types.VADSpeechStart, Probability: 1}, nil
	case s.speaking:
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: 1}, nil
	case was:
		return types.VADEvent{Type: types.VADSpeechEnd}, nil
	default:
		return types.VADEvent{Type: types.VADSilence}, nil
	}
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	s.speaking = false
	if !s.closed {
		_ = s.det.Reset()
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.det.Destroy()
}
