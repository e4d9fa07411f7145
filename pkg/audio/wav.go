package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// ErrInvalidWAV is returned by [ReadWAV] for input that is not 16-bit PCM WAV.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// EncodeWAV wraps little-endian int16 PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	dataSize := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	wav := make([]byte, wavHeaderSize+dataSize)
	le := binary.LittleEndian

	copy(wav[0:4], "RIFF")
	le.PutUint32(wav[4:8], uint32(36+dataSize))
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	le.PutUint32(wav[16:20], 16)
	le.PutUint16(wav[20:22], 1) // PCM
	le.PutUint16(wav[22:24], uint16(channels))
	le.PutUint32(wav[24:28], uint32(sampleRate))
	le.PutUint32(wav[28:32], uint32(byteRate))
	le.PutUint16(wav[32:34], uint16(blockAlign))
	le.PutUint16(wav[34:36], bitsPerSample)

	copy(wav[36:40], "data")
	le.PutUint32(wav[40:44], uint32(dataSize))
	copy(wav[44:], pcm)
	return wav
}

// WAV is a decoded PCM WAV file.
type WAV struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// ReadWAV decodes a 16-bit PCM WAV stream. Unknown chunks are skipped.
func ReadWAV(r io.Reader) (WAV, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAV{}, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAV{}, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidWAV)
	}

	var out WAV
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return WAV{}, fmt.Errorf("%w: no data chunk: %w", ErrInvalidWAV, err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return WAV{}, fmt.Errorf("%w: fmt chunk too short", ErrInvalidWAV)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAV{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if format != 1 || bits != 16 {
				return WAV{}, fmt.Errorf("%w: format %d with %d bits, want 16-bit PCM", ErrInvalidWAV, format, bits)
			}
			out.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAV{}, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return WAV{}, fmt.Errorf("audio: read data chunk: %w", err)
			}
			out.Samples = BytesToInt16(buf[:n])
			return out, nil
		default:
			// Chunks are word aligned.
			skip := int64(size) + int64(size&1)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return WAV{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

// Mono returns the samples downmixed to one channel by averaging.
func (w WAV) Mono() []int16 {
	if w.Channels <= 1 {
		return w.Samples
	}
	frames := len(w.Samples) / w.Channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range w.Channels {
			sum += int32(w.Samples[i*w.Channels+c])
		}
		out[i] = int16(sum / int32(w.Channels))
	}
	return out
}
