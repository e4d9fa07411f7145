// Package transport defines the persistent server connection the device
// client talks through.
//
// A [Channel] carries JSON control messages as text frames and Opus audio as
// binary frames. The helpers in protocol.go build the JSON messages the client
// sends (listen, abort, iot, mcp) on top of [Channel.SendText] so every
// implementation shares one wire format.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrNotConnected is returned by send operations when the audio channel
	// is not open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrHelloTimeout is returned by Connect when the server does not answer
	// the client hello in time.
	ErrHelloTimeout = errors.New("transport: server hello timeout")
)

// AbortReason is why the client asks the server to stop speaking.
type AbortReason int

const (
	// ReasonNone is an explicit user request (toggle while speaking).
	ReasonNone AbortReason = iota

	// ReasonWakeWordDetected is a wake word heard during playback.
	ReasonWakeWordDetected

	// ReasonUserInterruption is voice activity heard during playback.
	ReasonUserInterruption
)

// String returns the wire name of the reason.
func (r AbortReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonWakeWordDetected:
		return "wake_word_detected"
	case ReasonUserInterruption:
		return "user_interruption"
	default:
		return "unknown"
	}
}

// ListenMode selects how the server decides the end of a user utterance.
type ListenMode string

const (
	// ModeAuto lets the server detect the end of speech.
	ModeAuto ListenMode = "auto"

	// ModeManual ends the utterance on an explicit listen stop.
	ModeManual ListenMode = "manual"

	// ModeRealtime streams continuously; the server may be interrupted at
	// any time.
	ModeRealtime ListenMode = "realtime"
)

// Handlers are the inbound callbacks a [Channel] delivers. Any field may be
// nil. Callbacks run on the channel's reader goroutine and must not block.
type Handlers struct {
	// OnNetworkError is called with a short description when the connection
	// fails.
	OnNetworkError func(msg string)

	// OnIncomingAudio receives one encoded audio packet.
	OnIncomingAudio func(packet []byte)

	// OnIncomingJSON receives one raw JSON control message other than the
	// server hello.
	OnIncomingJSON func(msg []byte)

	// OnAudioChannelOpened is called after the hello handshake completes.
	OnAudioChannelOpened func()

	// OnAudioChannelClosed is called once when an open channel closes.
	OnAudioChannelClosed func()
}

// Channel is the server connection.
//
// All methods are safe for concurrent use. Blocking operations honour the
// caller's context deadline.
type Channel interface {
	// SetHandlers installs the inbound callbacks. Call before Connect.
	SetHandlers(h Handlers)

	// Connect dials the server and performs the hello handshake.
	Connect(ctx context.Context) error

	// OpenAudioChannel connects if needed and reports whether the channel is
	// open afterwards.
	OpenAudioChannel(ctx context.Context) (bool, error)

	// CloseAudioChannel closes the connection. Closing a closed channel is a
	// no-op.
	CloseAudioChannel(ctx context.Context) error

	// IsAudioChannelOpened reports whether the channel is open.
	IsAudioChannelOpened() bool

	// SendAudio sends one encoded audio packet.
	SendAudio(ctx context.Context, packet []byte) error

	// SendText sends one JSON control message.
	SendText(ctx context.Context, msg []byte) error

	// SendAbort asks the server to stop speaking.
	SendAbort(ctx context.Context, reason AbortReason) error

	// SessionID returns the id assigned by the server hello, or "".
	SessionID() string
}
