// Package mock provides a recording [transport.Channel] for unit tests.
//
// Channel is safe for concurrent use. Set the exported result fields before
// use and inspect recorded calls through the accessor methods afterwards.
// Emit* helpers invoke the installed inbound handlers as a server would.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/transport"
)

var _ transport.Channel = (*Channel)(nil)

// Channel is a mock [transport.Channel].
type Channel struct {
	mu sync.Mutex

	handlers transport.Handlers
	opened   bool

	// SessionIDValue is returned by SessionID.
	SessionIDValue string

	// OpenErr is returned by Connect and OpenAudioChannel.
	OpenErr error

	// OpenDelay delays Connect, honouring the context deadline.
	OpenDelay time.Duration

	// SendAbortErr is returned by SendAbort.
	SendAbortErr error

	// SendTextErr is returned by SendText.
	SendTextErr error

	// InvokeOpenedCallback makes Connect call OnAudioChannelOpened.
	InvokeOpenedCallback bool

	texts   [][]byte
	audio   [][]byte
	aborts  []transport.AbortReason
	opens   int
	closes  int
	abortCh chan transport.AbortReason
}

// New returns a closed mock channel.
func New() *Channel {
	return &Channel{abortCh: make(chan transport.AbortReason, 16)}
}

// SetOpened forces the channel state.
func (c *Channel) SetOpened(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = open
}

// SetHandlers implements [transport.Channel].
func (c *Channel) SetHandlers(h transport.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect implements [transport.Channel].
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.opens++
	delay, err, invoke := c.OpenDelay, c.OpenErr, c.InvokeOpenedCallback
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.opened = true
	h := c.handlers
	c.mu.Unlock()
	if invoke && h.OnAudioChannelOpened != nil {
		h.OnAudioChannelOpened()
	}
	return nil
}

// OpenAudioChannel implements [transport.Channel].
func (c *Channel) OpenAudioChannel(ctx context.Context) (bool, error) {
	if c.IsAudioChannelOpened() {
		return true, nil
	}
	if err := c.Connect(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CloseAudioChannel implements [transport.Channel].
func (c *Channel) CloseAudioChannel(context.Context) error {
	c.mu.Lock()
	c.closes++
	was := c.opened
	c.opened = false
	h := c.handlers
	c.mu.Unlock()
	if was && h.OnAudioChannelClosed != nil {
		h.OnAudioChannelClosed()
	}
	return nil
}

// IsAudioChannelOpened implements [transport.Channel].
func (c *Channel) IsAudioChannelOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// SendAudio implements [transport.Channel].
func (c *Channel) SendAudio(_ context.Context, packet []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return transport.ErrNotConnected
	}
	c.audio = append(c.audio, packet)
	return nil
}

// SendText implements [transport.Channel].
func (c *Channel) SendText(_ context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendTextErr != nil {
		return c.SendTextErr
	}
	c.texts = append(c.texts, msg)
	return nil
}

// SendAbort implements [transport.Channel].
func (c *Channel) SendAbort(_ context.Context, reason transport.AbortReason) error {
	c.mu.Lock()
	c.aborts = append(c.aborts, reason)
	err := c.SendAbortErr
	c.mu.Unlock()
	select {
	case c.abortCh <- reason:
	default:
	}
	return err
}

// SessionID implements [transport.Channel].
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SessionIDValue
}

// ── Recorded calls ───────────────────────────────────────────────────────────

// Texts returns every message passed to SendText.
func (c *Channel) Texts() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.texts))
	copy(out, c.texts)
	return out
}

// Messages decodes every sent text message into a generic map.
func (c *Channel) Messages() []map[string]any {
	var out []map[string]any
	for _, t := range c.Texts() {
		var m map[string]any
		if json.Unmarshal(t, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// ListenStarts returns the modes of every "listen start" message sent.
func (c *Channel) ListenStarts() []transport.ListenMode {
	var modes []transport.ListenMode
	for _, m := range c.Messages() {
		if m["type"] == "listen" && m["state"] == transport.ListenStart {
			mode, _ := m["mode"].(string)
			modes = append(modes, transport.ListenMode(mode))
		}
	}
	return modes
}

// Audio returns every packet passed to SendAudio.
func (c *Channel) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audio))
	copy(out, c.audio)
	return out
}

// Aborts returns the reasons of every SendAbort call.
func (c *Channel) Aborts() []transport.AbortReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.AbortReason, len(c.aborts))
	copy(out, c.aborts)
	return out
}

// AbortSent returns a channel receiving each SendAbort reason.
func (c *Channel) AbortSent() <-chan transport.AbortReason { return c.abortCh }

// CallCounts returns the number of Connect and CloseAudioChannel calls.
func (c *Channel) CallCounts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// EmitJSON delivers msg to OnIncomingJSON.
func (c *Channel) EmitJSON(msg string) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnIncomingJSON != nil {
		h.OnIncomingJSON([]byte(msg))
	}
}

// EmitAudio delivers packet to OnIncomingAudio.
func (c *Channel) EmitAudio(packet []byte) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnIncomingAudio != nil {
		h.OnIncomingAudio(packet)
	}
}

// EmitNetworkError delivers msg to OnNetworkError.
func (c *Channel) EmitNetworkError(msg string) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnNetworkError != nil {
		h.OnNetworkError(msg)
	}
}
