// Package mock provides a recording passthrough [codec.Codec] for unit tests.
//
// Encode and Decode return copies of their input unchanged, so tests can
// assert on PCM end to end without a real Opus library.
package mock

import (
	"sync"

	"github.com/linkinwong/xiaozhi/pkg/codec"
)

var _ codec.Codec = (*Codec)(nil)

// Codec is a passthrough [codec.Codec]. It is safe for concurrent use.
type Codec struct {
	mu sync.Mutex

	// EncodeErr, if non-nil, is returned by every Encode call.
	EncodeErr error

	// DecodeErr, if non-nil, is returned by every Decode call.
	DecodeErr error

	encoded      int
	decoded      int
	expectedSize []int
}

// Encode implements [codec.Codec].
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoded++
	if c.EncodeErr != nil {
		return nil, c.EncodeErr
	}
	return append([]byte(nil), pcm...), nil
}

// Decode implements [codec.Codec].
func (c *Codec) Decode(packet []byte, expectedFrameSize int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoded++
	c.expectedSize = append(c.expectedSize, expectedFrameSize)
	if c.DecodeErr != nil {
		return nil, c.DecodeErr
	}
	return append([]byte(nil), packet...), nil
}

// Calls returns the number of Encode and Decode calls.
func (c *Codec) Calls() (encoded, decoded int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoded, c.decoded
}

// ExpectedSizes returns the expectedFrameSize of every Decode call.
func (c *Codec) ExpectedSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.expectedSize...)
}
