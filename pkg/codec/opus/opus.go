// Package opus implements [codec.Codec] with libopus through layeh.com/gopus.
package opus

import (
	"errors"
	"fmt"
	"log/slog"

	"layeh.com/gopus"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/codec"
)

var _ codec.Codec = (*Codec)(nil)

// probeDurationsMs lists the frame durations tried, in order, after the
// caller's expected frame size fails.
var probeDurationsMs = []int{120, 60, 40, 20, 10}

// maxPacketBytes caps a single encoded packet.
const maxPacketBytes = 4000

// Config describes both directions of the codec.
type Config struct {
	InputSampleRate  int
	OutputSampleRate int
	Channels         int
	FrameDurationMs  int
}

// Codec holds one encoder for capture audio and one decoder for playback
// audio.
type Codec struct {
	cfg           Config
	enc           *gopus.Encoder
	dec           *gopus.Decoder
	encFrameSize  int
	probeFrameSzs []int
}

// New creates the encoder and decoder. The encoder is tuned for speech.
func New(cfg Config) (*Codec, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	enc, err := gopus.NewEncoder(cfg.InputSampleRate, cfg.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(cfg.OutputSampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	c := &Codec{
		cfg:          cfg,
		enc:          enc,
		dec:          dec,
		encFrameSize: audio.SamplesPerFrame(cfg.InputSampleRate, cfg.FrameDurationMs),
	}
	for _, ms := range probeDurationsMs {
		c.probeFrameSzs = append(c.probeFrameSzs, audio.SamplesPerFrame(cfg.OutputSampleRate, ms))
	}
	return c, nil
}

// EncodeFrameSize returns the samples-per-channel Encode expects.
func (c *Codec) EncodeFrameSize() int { return c.encFrameSize }

// Encode implements [codec.Codec]. Short input is padded with silence.
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToInt16(pcm)
	want := c.encFrameSize * c.cfg.Channels
	if len(samples) < want {
		samples = append(samples, make([]int16, want-len(samples))...)
	}
	out, err := c.enc.Encode(samples[:want], c.encFrameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return out, nil
}

// Decode implements [codec.Codec].
func (c *Codec) Decode(packet []byte, expectedFrameSize int) ([]byte, error) {
	pcm, err := c.dec.Decode(packet, expectedFrameSize, false)
	if err == nil {
		return audio.Int16ToBytes(pcm), nil
	}
	errs := []error{fmt.Errorf("frame size %d: %w", expectedFrameSize, err)}

	for _, size := range c.probeFrameSzs {
		if size == expectedFrameSize {
			continue
		}
		pcm, err := c.dec.Decode(packet, size, false)
		if err == nil {
			slog.Debug("opus: decoded with fallback frame size", "expected", expectedFrameSize, "used", size)
			return audio.Int16ToBytes(pcm), nil
		}
		errs = append(errs, fmt.Errorf("frame size %d: %w", size, err))
	}
	return nil, fmt.Errorf("%w: %w", codec.ErrDecode, errors.Join(errs...))
}
