// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier (Silero, an energy gate,
// or a custom model) behind a stateful per-stream session. The interrupt
// detector owns one session and feeds it every frame it sees while the device
// is speaking.
//
// VAD is synchronous: ProcessFrame returns immediately with a result.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is owned by one goroutine.
package vad

import "github.com/linkinwong/xiaozhi/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM frames
	// passed to ProcessFrame. The client captures at 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	FrameSizeMs int

	// SpeechThreshold is the score above which a frame is classified as
	// speech, in the engine's native scale (probability for Silero, RMS for
	// the energy gate).
	SpeechThreshold float64

	// SilenceThreshold is the score below which an active speech segment is
	// considered ended. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is an active VAD session for one audio stream. Reset clears
// detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian int16 PCM. It must
	// not block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears accumulated state (smoothing history, speech flags).
	Reset()

	// Close releases resources. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session ready to accept frames. It returns an
	// error for an unsupported configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
