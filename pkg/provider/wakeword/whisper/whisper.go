// Package whisper implements [wakeword.Transcriber] on top of the whisper.cpp
// CGO bindings.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH. The model
// is loaded once; each utterance runs in a fresh whisper context, so a
// single Transcriber can serve several engines.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
)

// SampleRate is the only input rate whisper.cpp accepts.
const SampleRate = 16000

const defaultLanguage = "zh"

var _ wakeword.Transcriber = (*Transcriber)(nil)

// Transcriber runs whisper.cpp inference on buffered utterances.
type Transcriber struct {
	model    whisperlib.Model
	language string
	prompt   string
}

// Option configures a [Transcriber].
type Option func(*Transcriber)

// WithLanguage sets the transcription language code. Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithInitialPrompt biases decoding towards the given text. Passing the
// configured wake words here noticeably improves recall for short phrases.
func WithInitialPrompt(prompt string) Option {
	return func(t *Transcriber) { t.prompt = prompt }
}

// New loads the model at modelPath. The caller must Close the Transcriber.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	t := &Transcriber{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the model.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe implements [wakeword.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if sampleRate != SampleRate {
		return "", fmt.Errorf("whisper: sample rate %d: %w", sampleRate, wakeword.ErrNotSupported)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(t.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", t.language, "error", err)
	}
	if t.prompt != "" {
		wctx.SetInitialPrompt(t.prompt)
	}

	if err := wctx.Process(audio.BytesToFloat32(pcm), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
