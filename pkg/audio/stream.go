// Package audio defines the device stream contract and the in-process plumbing
// that moves PCM between the physical device and its consumers.
//
// The physical device is exclusively owned by one [Stream]. A [FanOut] runs the
// single reader goroutine for that stream and copies every captured frame into
// per-consumer [FrameQueue]s, so the wake word detector, the voice activity
// detector and the uplink never read the device concurrently.
//
// All samples are 16-bit little-endian PCM.
package audio

import (
	"context"
	"errors"
	"sync/atomic"
)

// Sentinel errors reported by streams and queues.
var (
	// ErrStreamClosed is returned by a [Stream] after Close.
	ErrStreamClosed = errors.New("audio: stream closed")

	// ErrOverflow is returned when the device dropped captured samples.
	ErrOverflow = errors.New("audio: input overflow")

	// ErrDeviceError marks a device failure that persisted across the
	// configured number of reinitialisations. It is fatal for the stream.
	ErrDeviceError = errors.New("audio: device error")

	// ErrQueueFull is returned by [FrameQueue.Push] when the queue is at
	// capacity. The frame is rejected, never reordered.
	ErrQueueFull = errors.New("audio: queue full")
)

// Stream is one duplex audio device stream.
//
// ReadFrame must only be called by a single goroutine; in practice that
// goroutine is owned by a [FanOut]. WriteFrame may be called from the
// playback loop concurrently with reads.
//
// Implementations must be safe for concurrent use of the control methods.
type Stream interface {
	// ReadFrame blocks until frameSize samples are available and returns them
	// as PCM bytes. It returns ctx.Err() when ctx is cancelled first.
	ReadFrame(ctx context.Context, frameSize int) ([]byte, error)

	// WriteFrame queues pcm for playback.
	WriteFrame(ctx context.Context, pcm []byte) error

	// Pause stops capturing input. Output is unaffected.
	Pause() error

	// Resume restarts capturing input after Pause.
	Resume() error

	// IsActive reports whether input is currently being captured.
	IsActive() bool

	// Reinitialize tears down and reopens the underlying device after an
	// error.
	Reinitialize() error

	// Close releases the device. Further calls return [ErrStreamClosed].
	Close() error
}

// DefaultVolume is the output level a new device starts with.
const DefaultVolume = 100

// Volume is a software output gain in percent (0–100) applied to PCM before
// it is written to the device. The zero value is muted; use [NewVolume].
type Volume struct {
	level atomic.Int32
}

// NewVolume returns a Volume set to level, clamped to [0, 100].
func NewVolume(level int) *Volume {
	v := &Volume{}
	v.Set(level)
	return v
}

// Get returns the current level.
func (v *Volume) Get() int { return int(v.level.Load()) }

// Set stores level, clamped to [0, 100].
func (v *Volume) Set(level int) {
	v.level.Store(int32(min(max(level, 0), 100)))
}

// Apply scales pcm in place by the current level and returns it.
func (v *Volume) Apply(pcm []byte) []byte {
	level := v.Get()
	if level >= 100 {
		return pcm
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(pcm[i]) | int16(pcm[i+1])<<8)
		s = s * int32(level) / 100
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
	return pcm
}
