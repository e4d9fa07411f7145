package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/internal/phonetic"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
)

// DefaultDebounce suppresses a second detection of the same utterance.
const DefaultDebounce = time.Second

// WakeHandler is called with the matched wake phrase and the transcript it
// was found in.
type WakeHandler func(word, text string)

var _ Processor = (*WakeWordProcessor)(nil)

// WakeWordProcessor feeds frames to a streaming recogniser and tests every
// transcript against the configured wake phrases.
type WakeWordProcessor struct {
	engine   wakeword.Engine
	onWake   WakeHandler
	debounce time.Duration
	metrics  *observe.Metrics
	now      func() time.Time

	mu       sync.Mutex
	matcher  *phonetic.Matcher
	lastFire time.Time
}

// WakeWordOption configures a [WakeWordProcessor].
type WakeWordOption func(*WakeWordProcessor)

// WithDebounce sets the minimum interval between two detections.
func WithDebounce(d time.Duration) WakeWordOption {
	return func(p *WakeWordProcessor) { p.debounce = d }
}

// WithWakeMetrics records detections in m.
func WithWakeMetrics(m *observe.Metrics) WakeWordOption {
	return func(p *WakeWordProcessor) { p.metrics = m }
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) WakeWordOption {
	return func(p *WakeWordProcessor) { p.now = now }
}

// NewWakeWordProcessor returns a processor that reports matches of m to
// onWake.
func NewWakeWordProcessor(engine wakeword.Engine, m *phonetic.Matcher, onWake WakeHandler, opts ...WakeWordOption) *WakeWordProcessor {
	p := &WakeWordProcessor{
		engine:   engine,
		matcher:  m,
		onWake:   onWake,
		debounce: DefaultDebounce,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetMatcher swaps the wake phrase matcher, e.g. after a config reload.
func (p *WakeWordProcessor) SetMatcher(m *phonetic.Matcher) {
	p.mu.Lock()
	p.matcher = m
	p.mu.Unlock()
}

// Words returns the configured wake phrases.
func (p *WakeWordProcessor) Words() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.matcher.Words()
}

// Process implements [Processor].
func (p *WakeWordProcessor) Process(ctx context.Context, frame []byte) error {
	tr, ok, err := p.engine.Feed(ctx, frame)
	if err != nil {
		return fmt.Errorf("wake word: feed: %w", err)
	}
	if !ok || tr.Text == "" {
		return nil
	}

	p.mu.Lock()
	word, score, hit := p.matcher.Match(tr.Text)
	if !hit {
		p.mu.Unlock()
		slog.Debug("wake word: transcript without wake phrase", "text", tr.Text)
		return nil
	}
	now := p.now()
	if !p.lastFire.IsZero() && now.Sub(p.lastFire) < p.debounce {
		p.mu.Unlock()
		p.engine.Reset()
		slog.Debug("wake word: detection debounced", "word", word)
		return nil
	}
	p.lastFire = now
	p.mu.Unlock()

	p.engine.Reset()
	slog.Info("wake word detected", "word", word, "text", tr.Text, "score", score)
	p.metrics.RecordWakeWord(ctx, word)
	if p.onWake != nil {
		p.onWake(word, tr.Text)
	}
	return nil
}

// Reset implements [Processor].
func (p *WakeWordProcessor) Reset() {
	p.engine.Reset()
}
