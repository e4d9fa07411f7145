package wakeword_test

import (
	"context"
	"errors"
	"testing"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword/mock"
)

// frame returns a 20 ms, 16 kHz frame of constant amplitude.
func frame(amp int16) []byte {
	s := make([]int16, 320)
	for i := range s {
		s[i] = amp
	}
	return audio.Int16ToBytes(s)
}

func feedN(t *testing.T, e *wakeword.StreamEngine, f []byte, n int) (string, bool) {
	t.Helper()
	for i := range n {
		tr, ok, err := e.Feed(context.Background(), f)
		if err != nil {
			t.Fatalf("Feed #%d: %v", i, err)
		}
		if ok {
			return tr.Text, true
		}
	}
	return "", false
}

func TestStreamEngine_FlushesOnSilence(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Text: "你好小智"}
	e, err := wakeword.NewStreamEngine(tr)
	if err != nil {
		t.Fatalf("NewStreamEngine: %v", err)
	}

	if _, ok := feedN(t, e, frame(0), 10); ok {
		t.Fatal("silence alone produced a transcript")
	}
	if _, ok := feedN(t, e, frame(2000), 25); ok {
		t.Fatal("transcript before trailing silence")
	}
	// 400 ms of silence closes the utterance on the 20th frame.
	text, ok := feedN(t, e, frame(0), 20)
	if !ok || text != "你好小智" {
		t.Fatalf("got (%q, %v), want wake phrase", text, ok)
	}
	if tr.CallCount() != 1 {
		t.Fatalf("Transcribe calls = %d, want 1", tr.CallCount())
	}
	// 25 speech frames + 20 silence frames, 640 bytes each.
	if got := len(tr.Calls[0].PCM); got != 45*640 {
		t.Errorf("utterance bytes = %d, want %d", got, 45*640)
	}
}

func TestStreamEngine_ForcedFlushAtMaxLength(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Text: "x"}
	e, err := wakeword.NewStreamEngine(tr, wakeword.WithMaxSpeechMs(400))
	if err != nil {
		t.Fatalf("NewStreamEngine: %v", err)
	}
	if _, ok := feedN(t, e, frame(3000), 20); !ok {
		t.Fatal("expected forced flush after 400 ms of speech")
	}
}

func TestStreamEngine_DropsShortBlips(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Text: "x"}
	e, err := wakeword.NewStreamEngine(tr)
	if err != nil {
		t.Fatalf("NewStreamEngine: %v", err)
	}
	feedN(t, e, frame(3000), 3)
	if _, ok := feedN(t, e, frame(0), 30); ok {
		t.Fatal("short blip should not be transcribed")
	}
	if tr.CallCount() != 0 {
		t.Fatalf("Transcribe calls = %d, want 0", tr.CallCount())
	}
}

func TestStreamEngine_ResetDiscardsBuffer(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Text: "x"}
	e, err := wakeword.NewStreamEngine(tr)
	if err != nil {
		t.Fatalf("NewStreamEngine: %v", err)
	}
	feedN(t, e, frame(3000), 20)
	e.Reset()
	if _, ok := feedN(t, e, frame(0), 30); ok {
		t.Fatal("reset buffer was still transcribed")
	}
}

func TestStreamEngine_TranscribeError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	e, err := wakeword.NewStreamEngine(&mock.Transcriber{Err: boom}, wakeword.WithMaxSpeechMs(200))
	if err != nil {
		t.Fatalf("NewStreamEngine: %v", err)
	}
	var got error
	for range 10 {
		if _, _, got = e.Feed(context.Background(), frame(3000)); got != nil {
			break
		}
	}
	if !errors.Is(got, boom) {
		t.Fatalf("got %v, want wrapped boom", got)
	}
}

func TestStreamEngine_ClosedRejectsFeed(t *testing.T) {
	t.Parallel()
	e, err := wakeword.NewStreamEngine(&mock.Transcriber{})
	if err != nil {
		t.Fatalf("NewStreamEngine: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := e.Feed(context.Background(), frame(0)); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestNewStreamEngine_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		t    wakeword.Transcriber
		opts []wakeword.StreamOption
	}{
		{"nil transcriber", nil, nil},
		{"zero sample rate", &mock.Transcriber{}, []wakeword.StreamOption{wakeword.WithSampleRate(0)}},
		{"min above max", &mock.Transcriber{}, []wakeword.StreamOption{wakeword.WithMinSpeechMs(500), wakeword.WithMaxSpeechMs(100)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := wakeword.NewStreamEngine(tc.t, tc.opts...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
