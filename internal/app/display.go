package app

import (
	"log/slog"
	"sync"

	"github.com/linkinwong/xiaozhi/internal/device"
)

// Display is everything the app shows to the user.
type Display interface {
	device.Display

	// SetText shows a one-line notice such as an alert.
	SetText(text string)

	// SetChatMessage shows one line of the conversation.
	SetChatMessage(role, text string)
}

var _ Display = (*LogDisplay)(nil)

// LogDisplay renders the display to the structured log. It is used on
// headless devices and remembers the latest values for the operations
// endpoint.
type LogDisplay struct {
	mu      sync.Mutex
	status  string
	emotion string
	text    string
}

// NewLogDisplay returns a LogDisplay showing the standby status.
func NewLogDisplay() *LogDisplay {
	return &LogDisplay{status: device.StatusStandby, emotion: device.EmotionNeutral}
}

// SetStatus implements [device.Display].
func (d *LogDisplay) SetStatus(text string) {
	d.mu.Lock()
	d.status = text
	d.mu.Unlock()
	slog.Info("display status", "status", text)
}

// SetEmotion implements [device.Display].
func (d *LogDisplay) SetEmotion(emotion string) {
	d.mu.Lock()
	d.emotion = emotion
	d.mu.Unlock()
	slog.Debug("display emotion", "emotion", emotion)
}

// SetText implements [Display].
func (d *LogDisplay) SetText(text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
	slog.Info("display text", "text", text)
}

// SetChatMessage implements [Display].
func (d *LogDisplay) SetChatMessage(role, text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
	slog.Info("chat", "role", role, "text", text)
}

// Snapshot returns the status, emotion and text currently shown.
func (d *LogDisplay) Snapshot() (status, emotion, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.emotion, d.text
}
