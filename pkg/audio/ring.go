package audio

import "sync"

// RingBuffer is a fixed-capacity circular buffer of int16 samples. When full,
// the oldest samples are overwritten. It keeps the most recent N seconds of
// speech for speaker verification.
//
// All methods are safe for concurrent use.
type RingBuffer struct {
	mu       sync.Mutex
	data     []int16
	writePos int
	size     int
}

// NewRingBuffer returns a buffer holding seconds worth of samples at
// sampleRate. A non-positive size yields a one-sample buffer.
func NewRingBuffer(sampleRate int, seconds float64) *RingBuffer {
	n := max(int(float64(sampleRate)*seconds), 1)
	return &RingBuffer{data: make([]int16, n)}
}

// Write appends samples, overwriting the oldest ones once the buffer is full.
func (rb *RingBuffer) Write(samples []int16) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if len(samples) >= capacity {
		copy(rb.data, samples[len(samples)-capacity:])
		rb.writePos = 0
		rb.size = capacity
		return
	}

	n := copy(rb.data[rb.writePos:], samples)
	if n < len(samples) {
		copy(rb.data, samples[n:])
	}
	rb.writePos = (rb.writePos + len(samples)) % capacity
	rb.size = min(rb.size+len(samples), capacity)
}

// Snapshot returns a copy of the buffered samples in chronological order.
func (rb *RingBuffer) Snapshot() []int16 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]int16, rb.size)
	if rb.size < len(rb.data) {
		copy(out, rb.data[:rb.size])
		return out
	}
	n := copy(out, rb.data[rb.writePos:])
	copy(out[n:], rb.data[:rb.writePos])
	return out
}

// Len returns the number of buffered samples.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the buffer capacity in samples.
func (rb *RingBuffer) Cap() int { return len(rb.data) }

// Reset discards all buffered samples.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.size = 0
}
