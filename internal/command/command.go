// Package command defines the typed work items the application posts to
// its scheduler. Every state-changing reaction to an event runs as a
// Command on the scheduler goroutine, so handlers never race each other.
package command

import (
	"fmt"

	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// Kind discriminates the Command variants.
type Kind int

const (
	SetState Kind = iota
	ToggleChat
	StartListening
	StopListening
	Abort
	WakeWord
	ChannelOpened
	ChannelClosed
	NetworkError
	TTSStopped
	Alert
)

var kindNames = [...]string{
	SetState:       "set_state",
	ToggleChat:     "toggle_chat",
	StartListening: "start_listening",
	StopListening:  "stop_listening",
	Abort:          "abort",
	WakeWord:       "wake_word",
	ChannelOpened:  "channel_opened",
	ChannelClosed:  "channel_closed",
	NetworkError:   "network_error",
	TTSStopped:     "tts_stopped",
	Alert:          "alert",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is one scheduled unit of work. Only the fields relevant to Kind
// are set.
type Command struct {
	Kind Kind

	// State is the target of SetState.
	State device.State

	// Reason qualifies Abort.
	Reason transport.AbortReason

	// Text carries the wake phrase for WakeWord, the error message for
	// NetworkError and the body for Alert.
	Text string

	// Title is the heading of an Alert.
	Title string
}

// String renders the command for logs.
func (c Command) String() string {
	switch c.Kind {
	case SetState:
		return "set_state(" + c.State.String() + ")"
	case Abort:
		return "abort(" + c.Reason.String() + ")"
	case WakeWord, NetworkError:
		return c.Kind.String() + "(" + c.Text + ")"
	case Alert:
		return "alert(" + c.Title + ")"
	default:
		return c.Kind.String()
	}
}

// To returns a SetState command.
func To(s device.State) Command { return Command{Kind: SetState, State: s} }

// AbortFor returns an Abort command.
func AbortFor(r transport.AbortReason) Command { return Command{Kind: Abort, Reason: r} }

// Wake returns a WakeWord command for the detected phrase.
func Wake(word string) Command { return Command{Kind: WakeWord, Text: word} }

// Network returns a NetworkError command.
func Network(msg string) Command { return Command{Kind: NetworkError, Text: msg} }

// Alerting returns an Alert command.
func Alerting(title, msg string) Command { return Command{Kind: Alert, Title: title, Text: msg} }

// Of returns a payload-free command of kind k.
func Of(k Kind) Command { return Command{Kind: k} }
