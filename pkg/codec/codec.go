// Package codec defines the audio codec capability used between the device
// PCM domain and the network's encoded frames.
package codec

import "errors"

// ErrDecode is returned when no candidate frame size decodes a packet.
var ErrDecode = errors.New("codec: decode failed")

// Codec encodes capture PCM for the uplink and decodes downlink packets for
// playback. Input and output sample rates may differ.
//
// Implementations keep per-stream state and are not safe for concurrent use
// of the same direction; the uplink and playback loops each own one direction.
type Codec interface {
	// Encode compresses one frame of little-endian int16 PCM.
	Encode(pcm []byte) ([]byte, error)

	// Decode expands one packet into little-endian int16 PCM.
	// expectedFrameSize is the samples-per-channel the caller expects; when
	// it does not fit the packet, implementations probe a short ordered list
	// of other frame sizes before returning [ErrDecode].
	Decode(packet []byte, expectedFrameSize int) ([]byte, error)
}
