// Package wakeword defines the streaming recogniser used to spot wake words
// in the microphone feed.
//
// Recognition is split in two: a [Transcriber] turns a finished utterance
// into text, and an [Engine] consumes 20 ms frames, decides where an
// utterance begins and ends, and hands it to the transcriber. The
// [StreamEngine] segmenter is the default Engine; concrete transcribers
// live in the whisper and openai subpackages.
//
// Matching the transcript against configured wake words is not part of this
// package; the detector applies phonetic matching on top of the text.
package wakeword

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

// ErrNotSupported is returned when a recogniser cannot handle the requested
// audio format.
var ErrNotSupported = errors.New("wakeword: not supported")

// Transcriber converts one utterance of mono 16-bit PCM into text.
//
// Implementations must be safe for sequential use from a single goroutine;
// concurrent use is not required.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Engine is a streaming wake-word recogniser.
type Engine interface {
	// Feed consumes one frame of mono 16-bit PCM. When the frame completes an
	// utterance the recognised transcript is returned with ok set to true.
	Feed(ctx context.Context, frame []byte) (tr types.Transcript, ok bool, err error)

	// Reset discards any partially buffered utterance.
	Reset()

	// Close releases the engine. Feed must not be called afterwards.
	Close() error
}

const (
	defaultSampleRate   = 16000
	defaultRMSThreshold = 300.0
	defaultSilenceMs    = 400
	defaultMinSpeechMs  = 200
	defaultMaxSpeechMs  = 3000
)

// Compile-time assertion that StreamEngine satisfies Engine.
var _ Engine = (*StreamEngine)(nil)

// StreamEngine segments the frame stream with an energy gate and transcribes
// each utterance once the speaker falls silent or the maximum length is
// reached. Utterances shorter than the minimum speech length are dropped
// without being transcribed.
type StreamEngine struct {
	t Transcriber

	sampleRate   int
	rmsThreshold float64
	silenceMs    int
	minSpeechMs  int
	maxSpeechMs  int

	mu        sync.Mutex
	buffer    []byte
	speechMs  int
	silenceAt int
	closed    bool
}

// StreamOption configures a [StreamEngine].
type StreamOption func(*StreamEngine)

// WithSampleRate sets the sample rate of fed frames. Defaults to 16000.
func WithSampleRate(rate int) StreamOption {
	return func(e *StreamEngine) { e.sampleRate = rate }
}

// WithRMSThreshold sets the RMS level above which a frame counts as speech.
func WithRMSThreshold(rms float64) StreamOption {
	return func(e *StreamEngine) { e.rmsThreshold = rms }
}

// WithSilenceMs sets how much trailing silence closes an utterance.
func WithSilenceMs(ms int) StreamOption {
	return func(e *StreamEngine) { e.silenceMs = ms }
}

// WithMinSpeechMs sets the shortest utterance that is transcribed.
func WithMinSpeechMs(ms int) StreamOption {
	return func(e *StreamEngine) { e.minSpeechMs = ms }
}

// WithMaxSpeechMs sets the longest utterance before a forced flush. Wake
// words are short, so long utterances are cut rather than buffered.
func WithMaxSpeechMs(ms int) StreamOption {
	return func(e *StreamEngine) { e.maxSpeechMs = ms }
}

// NewStreamEngine wraps t in an energy-gated segmenter.
func NewStreamEngine(t Transcriber, opts ...StreamOption) (*StreamEngine, error) {
	if t == nil {
		return nil, errors.New("wakeword: transcriber must not be nil")
	}
	e := &StreamEngine{
		t:            t,
		sampleRate:   defaultSampleRate,
		rmsThreshold: defaultRMSThreshold,
		silenceMs:    defaultSilenceMs,
		minSpeechMs:  defaultMinSpeechMs,
		maxSpeechMs:  defaultMaxSpeechMs,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sampleRate <= 0 {
		return nil, fmt.Errorf("wakeword: invalid sample rate %d", e.sampleRate)
	}
	if e.minSpeechMs > e.maxSpeechMs {
		return nil, fmt.Errorf("wakeword: min speech %dms exceeds max %dms", e.minSpeechMs, e.maxSpeechMs)
	}
	return e, nil
}

// Feed implements [Engine].
func (e *StreamEngine) Feed(ctx context.Context, frame []byte) (types.Transcript, bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.Transcript{}, false, errors.New("wakeword: engine is closed")
	}

	frameMs := len(frame) / 2 * 1000 / e.sampleRate
	speech := audio.RMS(frame) >= e.rmsThreshold

	var flush bool
	switch {
	case speech:
		e.buffer = append(e.buffer, frame...)
		e.speechMs += frameMs
		e.silenceAt = 0
		flush = e.speechMs >= e.maxSpeechMs
	case e.speechMs > 0:
		e.buffer = append(e.buffer, frame...)
		e.silenceAt += frameMs
		flush = e.silenceAt >= e.silenceMs
	}
	if !flush {
		e.mu.Unlock()
		return types.Transcript{}, false, nil
	}

	pcm, speechMs := e.buffer, e.speechMs
	e.resetLocked()
	e.mu.Unlock()

	if speechMs < e.minSpeechMs {
		return types.Transcript{}, false, nil
	}

	text, err := e.t.Transcribe(ctx, pcm, e.sampleRate)
	if err != nil {
		return types.Transcript{}, false, fmt.Errorf("wakeword: transcribe: %w", err)
	}
	if text == "" {
		return types.Transcript{}, false, nil
	}
	return types.Transcript{
		Text:     text,
		IsFinal:  true,
		Duration: time.Duration(len(pcm)/2) * time.Second / time.Duration(e.sampleRate),
	}, true, nil
}

// Reset implements [Engine].
func (e *StreamEngine) Reset() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

func (e *StreamEngine) resetLocked() {
	e.buffer = nil
	e.speechMs = 0
	e.silenceAt = 0
}

// Close implements [Engine]. The wrapped transcriber is closed too when it
// implements io.Closer.
func (e *StreamEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.resetLocked()
	e.mu.Unlock()

	if c, ok := e.t.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
