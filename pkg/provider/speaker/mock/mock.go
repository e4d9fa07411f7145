// Package mock provides test doubles for the speaker package.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

var (
	_ speaker.Verifier = (*Verifier)(nil)
	_ speaker.Embedder = (*Embedder)(nil)
)

// RecognizeCall records one Recognize invocation.
type RecognizeCall struct {
	Samples    int
	SampleRate int
}

// Verifier is a recording [speaker.Verifier].
type Verifier struct {
	mu sync.Mutex

	// Match is returned by Recognize.
	Match types.SpeakerMatch

	// RecognizeErr, if non-nil, is returned by Recognize.
	RecognizeErr error

	// Delay makes Recognize block for the given duration or until the
	// context is cancelled.
	Delay time.Duration

	// Release, if non-nil, makes Recognize block until it is closed.
	Release chan struct{}

	// EnrollErr and RemoveErr are returned by Enroll and Remove.
	EnrollErr error
	RemoveErr error

	RecognizeCalls []RecognizeCall
	Enrolled       []string
	Removed        []string

	threshold float64
}

// SetResult replaces the match returned by Recognize.
func (v *Verifier) SetResult(m types.SpeakerMatch, err error) {
	v.mu.Lock()
	v.Match, v.RecognizeErr = m, err
	v.mu.Unlock()
}

// Recognize implements [speaker.Verifier].
func (v *Verifier) Recognize(ctx context.Context, pcm []byte, sampleRate int) (types.SpeakerMatch, error) {
	v.mu.Lock()
	v.RecognizeCalls = append(v.RecognizeCalls, RecognizeCall{Samples: len(pcm) / 2, SampleRate: sampleRate})
	delay, release := v.Delay, v.Release
	v.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return types.SpeakerMatch{}, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.SpeakerMatch{}, ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Match, v.RecognizeErr
}

// Enroll implements [speaker.Verifier].
func (v *Verifier) Enroll(_ context.Context, name string, _ []byte, _ int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.EnrollErr != nil {
		return v.EnrollErr
	}
	v.Enrolled = append(v.Enrolled, name)
	return nil
}

// Remove implements [speaker.Verifier].
func (v *Verifier) Remove(_ context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.RemoveErr != nil {
		return v.RemoveErr
	}
	v.Removed = append(v.Removed, name)
	return nil
}

// SetThreshold implements [speaker.Verifier].
func (v *Verifier) SetThreshold(t float64) {
	v.mu.Lock()
	v.threshold = speaker.ClampThreshold(t)
	v.mu.Unlock()
}

// Threshold implements [speaker.Verifier].
func (v *Verifier) Threshold() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.threshold
}

// RecognizeCount returns the number of Recognize calls.
func (v *Verifier) RecognizeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.RecognizeCalls)
}

// Calls returns a copy of the recorded Recognize calls.
func (v *Verifier) Calls() []RecognizeCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]RecognizeCall(nil), v.RecognizeCalls...)
}

// Embedder is a [speaker.Embedder] returning a fixed vector.
type Embedder struct {
	mu sync.Mutex

	// Vectors maps the first sample of a clip to the embedding returned for
	// it; Default is used when no entry matches.
	Vectors map[int16][]float32
	Default []float32
	Err     error

	Calls int
}

// Embed implements [speaker.Embedder].
func (e *Embedder) Embed(_ context.Context, pcm []byte, _ int) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls++
	if e.Err != nil {
		return nil, e.Err
	}
	if len(pcm) >= 2 {
		key := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
		if v, ok := e.Vectors[key]; ok {
			return v, nil
		}
	}
	return e.Default, nil
}
