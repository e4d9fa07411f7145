// Package types defines the value types shared across the xiaozhi packages.
//
// These types are the common currency between the audio layer, the
// recognition providers and the coordination engine. Each package defines its
// own domain types; only cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// AudioFrame is one frame of 16-bit little-endian PCM flowing through the
// client. Frames are captured from the input device, fanned out to the
// detectors and the uplink, and written to the output device after decoding.
type AudioFrame struct {
	// Data holds interleaved int16 little-endian samples.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback by default).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript is a recognition result produced by a wake word engine.
type Transcript struct {
	// Text is the recognised speech content.
	Text string

	// IsFinal reports whether the recogniser considers the text settled.
	// Streaming engines may emit partial transcripts first.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// engine does not report one.
	Confidence float64

	// Duration is the length of the audio the transcript covers.
	Duration time.Duration
}

// SpeakerMatch is the outcome of one speaker identification.
//
// Name is empty when no enrolled voiceprint scored above the verifier's
// threshold. Score is the similarity of the best candidate either way.
type SpeakerMatch struct {
	Name  string
	Score float64
}

// Recognised reports whether the match identifies an enrolled speaker.
func (m SpeakerMatch) Recognised() bool { return m.Name != "" }

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// IsSpeech reports whether the event marks the frame as voiced.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the lowercase name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
