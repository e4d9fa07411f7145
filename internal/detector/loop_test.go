package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeProc struct {
	mu       sync.Mutex
	frames   int
	resets   int
	err      error
	panicMsg string
}

func (p *fakeProc) Process(context.Context, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames++
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.err
}

func (p *fakeProc) Reset() {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

func (p *fakeProc) counts() (frames, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames, p.resets
}

func frame() []byte { return make([]byte, 640) }

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoop_Lifecycle(t *testing.T) {
	t.Parallel()
	q := audio.NewFrameQueue("test", 50)
	proc := &fakeProc{}
	l := NewLoop("test", q, proc)

	if l.IsRunning() || l.RunState() != Stopped {
		t.Fatalf("new loop state = %v, want stopped", l.RunState())
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer l.Stop()

	_ = q.Push(frame())
	_ = q.Push(frame())
	waitFor(t, "two processed frames", func() bool { f, _ := proc.counts(); return f == 2 })

	l.Pause()
	if !l.IsPaused() || !l.IsRunning() {
		t.Fatalf("paused loop: paused=%v running=%v", l.IsPaused(), l.IsRunning())
	}
	for range 3 {
		_ = q.Push(frame())
	}
	waitFor(t, "paused loop to drain its queue", func() bool { return q.Len() == 0 })
	if f, _ := proc.counts(); f != 2 {
		t.Fatalf("paused loop processed %d frames, want 2", f)
	}

	_, resetsBefore := proc.counts()
	l.Resume()
	_ = q.Push(frame())
	waitFor(t, "frame after resume", func() bool { f, _ := proc.counts(); return f >= 3 })
	if _, r := proc.counts(); r != resetsBefore+1 {
		t.Fatalf("resets after resume = %d, want %d", r, resetsBefore+1)
	}

	l.Stop()
	if l.IsRunning() {
		t.Fatal("loop still running after Stop")
	}
}

func TestLoop_SelfStopsAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()
	q := audio.NewFrameQueue("test", 50)
	proc := &fakeProc{err: errors.New("boom")}

	reported := make(chan error, 1)
	l := NewLoop("vad", q, proc, WithMaxErrors(3), WithErrorHandler(func(name string, err error) {
		if name != "vad" {
			t.Errorf("handler name = %q", name)
		}
		reported <- err
	}))
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		_ = q.Push(frame())
	}

	select {
	case err := <-reported:
		if !errors.Is(err, ErrTooManyErrors) {
			t.Fatalf("reported %v, want ErrTooManyErrors", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	if l.IsRunning() {
		t.Fatal("loop still running after giving up")
	}
}

func TestLoop_SuccessResetsErrorCount(t *testing.T) {
	t.Parallel()
	q := audio.NewFrameQueue("test", 50)
	proc := &fakeProc{err: errors.New("flaky")}
	var calls int
	var mu sync.Mutex
	l := NewLoop("wake", q, proc, WithMaxErrors(2), WithErrorHandler(func(string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	_ = q.Push(frame())
	waitFor(t, "first failure", func() bool { f, _ := proc.counts(); return f == 1 })
	proc.mu.Lock()
	proc.err = nil
	proc.mu.Unlock()
	_ = q.Push(frame())
	waitFor(t, "success", func() bool { f, _ := proc.counts(); return f == 2 })
	proc.mu.Lock()
	proc.err = errors.New("flaky again")
	proc.mu.Unlock()
	_ = q.Push(frame())
	waitFor(t, "second failure", func() bool { f, _ := proc.counts(); return f == 3 })

	if !l.IsRunning() {
		t.Fatal("loop stopped although failures were not consecutive")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("error handler called %d times", calls)
	}
}

func TestLoop_PanicCountsAsError(t *testing.T) {
	t.Parallel()
	q := audio.NewFrameQueue("test", 50)
	proc := &fakeProc{panicMsg: "kaboom"}
	reported := make(chan error, 1)
	l := NewLoop("wake", q, proc, WithMaxErrors(1), WithErrorHandler(func(_ string, err error) { reported <- err }))
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = q.Push(frame())
	select {
	case err := <-reported:
		if !errors.Is(err, ErrTooManyErrors) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestLoop_RestartFromErrorHandler(t *testing.T) {
	t.Parallel()
	q := audio.NewFrameQueue("test", 50)
	proc := &fakeProc{err: errors.New("boom")}

	var l *Loop
	restarted := make(chan struct{})
	l = NewLoop("vad", q, proc, WithMaxErrors(1), WithErrorHandler(func(string, error) {
		proc.mu.Lock()
		proc.err = nil
		proc.mu.Unlock()
		if err := l.Start(context.Background()); err != nil {
			t.Errorf("restart: %v", err)
		}
		close(restarted)
	}))
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	_ = q.Push(frame())
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("loop was not restarted")
	}
	if !l.IsRunning() {
		t.Fatal("restarted loop is not running")
	}
	_ = q.Push(frame())
	waitFor(t, "frame after restart", func() bool { f, _ := proc.counts(); return f == 2 })
}

func TestRunState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    RunState
		want string
	}{
		{Stopped, "stopped"},
		{Running, "running"},
		{Paused, "paused"},
		{RunState(9), "run_state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int32(tt.s), got, tt.want)
		}
	}
}

func newTestQueue() *audio.FrameQueue { return audio.NewFrameQueue("test", 50) }
