// Package energy provides an RMS energy gate implementing [vad.Engine].
//
// The gate needs no model and no native libraries. It classifies a frame as
// speech when its RMS rises above SpeechThreshold and keeps classifying it as
// speech until the RMS drops below SilenceThreshold, so short dips inside a
// word do not split the segment.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

var _ vad.Engine = (*Engine)(nil)

const (
	// DefaultSpeechThreshold is the RMS (int16 scale) that opens the gate.
	DefaultSpeechThreshold = 300

	// DefaultSilenceThreshold is the RMS that closes an open gate.
	DefaultSilenceThreshold = 200
)

// Engine creates energy gate sessions.
type Engine struct{}

// New returns an energy gate engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine]. Zero thresholds take the package
// defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = min(DefaultSilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.0f above speech threshold %.0f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	cfg vad.Config

	mu       sync.Mutex
	speaking bool
	closed   bool
}

var errClosed = errors.New("energy: session closed")

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errClosed
	}

	rms := audio.RMS(frame)
	prob := min(rms/(2*s.cfg.SpeechThreshold), 1)

	switch {
	case !s.speaking && rms >= s.cfg.SpeechThreshold:
		s.speaking = true
		return types.VADEvent{Type: types.VADSpeechStart, Probability: prob}, nil
	case s.speaking && rms < s.cfg.SilenceThreshold:
		s.speaking = false
		return types.VADEvent{Type: types.VADSpeechEnd, Probability: prob}, nil
	case s.speaking:
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil
	default:
		return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil
	}
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
