// Package mock provides test doubles for the wakeword package.
package mock

import (
	"context"
	"sync"

	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

var (
	_ wakeword.Engine      = (*Engine)(nil)
	_ wakeword.Transcriber = (*Transcriber)(nil)
)

// Engine is a scripted [wakeword.Engine]. Each call to Feed pops the next
// entry of Script; once the script is exhausted Feed returns no transcript.
type Engine struct {
	mu sync.Mutex

	// Script holds the transcripts returned by successive Feed calls. An
	// empty Text means "no transcript for this frame".
	Script []string

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// CloseErr is returned by Close.
	CloseErr error

	frames int
	resets int
	closes int
}

// Say queues text to be returned by the next Feed call.
func (e *Engine) Say(text string) {
	e.mu.Lock()
	e.Script = append(e.Script, text)
	e.mu.Unlock()
}

// Feed implements [wakeword.Engine].
func (e *Engine) Feed(_ context.Context, _ []byte) (types.Transcript, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	if e.FeedErr != nil {
		return types.Transcript{}, false, e.FeedErr
	}
	if len(e.Script) == 0 {
		return types.Transcript{}, false, nil
	}
	text := e.Script[0]
	e.Script = e.Script[1:]
	if text == "" {
		return types.Transcript{}, false, nil
	}
	return types.Transcript{Text: text, IsFinal: true}, true, nil
}

// Reset implements [wakeword.Engine].
func (e *Engine) Reset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

// Close implements [wakeword.Engine].
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return e.CloseErr
}

// Counts returns the number of Feed, Reset and Close calls.
func (e *Engine) Counts() (frames, resets, closes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames, e.resets, e.closes
}

// TranscribeCall records one Transcribe invocation.
type TranscribeCall struct {
	PCM        []byte
	SampleRate int
}

// Transcriber is a [wakeword.Transcriber] returning a fixed result.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by every successful call.
	Text string

	// Err, if non-nil, is returned instead of Text.
	Err error

	Calls []TranscribeCall
}

// Transcribe implements [wakeword.Transcriber].
func (t *Transcriber) Transcribe(_ context.Context, pcm []byte, sampleRate int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, TranscribeCall{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate})
	if t.Err != nil {
		return "", t.Err
	}
	return t.Text, nil
}

// CallCount returns the number of Transcribe calls.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}
