package resilience

import (
	"context"

	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
)

var _ wakeword.Transcriber = (*TranscriberFallback)(nil)

// TranscriberFallback implements [wakeword.Transcriber] with failover across
// several backends, typically a local whisper model backed by a cloud API.
// Each backend has its own circuit breaker.
type TranscriberFallback struct {
	group *FallbackGroup[wakeword.Transcriber]
}

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary wakeword.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcriber.
func (f *TranscriberFallback) AddFallback(name string, t wakeword.Transcriber) {
	f.group.AddFallback(name, t)
}

// Backends returns the backend names in failover order.
func (f *TranscriberFallback) Backends() []string { return f.group.Names() }

// Transcribe implements [wakeword.Transcriber] against the first healthy
// backend.
func (f *TranscriberFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(t wakeword.Transcriber) (string, error) {
		return t.Transcribe(ctx, pcm, sampleRate)
	})
}
