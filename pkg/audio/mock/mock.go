// Package mock provides an in-memory [audio.Stream] for unit tests.
//
// The mock is safe for concurrent use. It records every control call so tests
// can assert on counts, and exposes exported fields that control results.
//
// Typical usage:
//
//	s := mock.NewStream(16)
//	s.Feed(frame)                     // delivered by the next ReadFrame
//	s.FailReads(audio.ErrOverflow, 2) // next two reads fail
package mock

import (
	"context"
	"sync"

	"github.com/linkinwong/xiaozhi/pkg/audio"
)

var _ audio.Stream = (*Stream)(nil)

// Stream is a scripted [audio.Stream]. Frames pushed with [Stream.Feed] are
// returned by ReadFrame in order; errors queued with [Stream.FailReads] are
// returned before any frame.
type Stream struct {
	input chan []byte

	mu sync.Mutex

	readErrs []error
	active   bool
	closed   bool

	// ReinitErr is returned by Reinitialize.
	ReinitErr error

	// WriteErr is returned by WriteFrame.
	WriteErr error

	// Written records every frame passed to WriteFrame.
	Written [][]byte

	// CallCountPause records how many times Pause was called.
	CallCountPause int

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountReinitialize records how many times Reinitialize was called.
	CallCountReinitialize int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountClearOutput records how many times ClearOutput was called.
	CallCountClearOutput int
}

// NewStream returns an active stream whose feed channel buffers up to buffer
// frames.
func NewStream(buffer int) *Stream {
	return &Stream{input: make(chan []byte, buffer), active: true}
}

// Feed queues frame for a later ReadFrame. It blocks when the feed buffer is
// full.
func (s *Stream) Feed(frame []byte) { s.input <- frame }

// FailReads makes the next n reads return err.
func (s *Stream) FailReads(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.readErrs = append(s.readErrs, err)
	}
}

// ReadFrame implements [audio.Stream].
func (s *Stream) ReadFrame(ctx context.Context, _ int) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, audio.ErrStreamClosed
	}
	if len(s.readErrs) > 0 {
		err := s.readErrs[0]
		s.readErrs = s.readErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-s.input:
		return frame, nil
	}
}

// WriteFrame implements [audio.Stream].
func (s *Stream) WriteFrame(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Written = append(s.Written, cp)
	return nil
}

// Pause implements [audio.Stream].
func (s *Stream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPause++
	s.active = false
	return nil
}

// Resume implements [audio.Stream].
func (s *Stream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountResume++
	s.active = true
	return nil
}

// IsActive implements [audio.Stream].
func (s *Stream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && !s.closed
}

// Reinitialize implements [audio.Stream].
func (s *Stream) Reinitialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReinitialize++
	return s.ReinitErr
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// ClearOutput records the call. Frames already in Written are kept.
func (s *Stream) ClearOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClearOutput++
}

// OutputClears returns how many times ClearOutput was called.
func (s *Stream) OutputClears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClearOutput
}

// WrittenFrames returns a copy of the frames written so far.
func (s *Stream) WrittenFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Written))
	copy(out, s.Written)
	return out
}

// Counts returns the pause, resume and reinitialize call counts.
func (s *Stream) Counts() (pause, resume, reinit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountPause, s.CallCountResume, s.CallCountReinitialize
}
