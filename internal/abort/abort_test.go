package abort_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkinwong/xiaozhi/internal/abort"
	"github.com/linkinwong/xiaozhi/internal/command"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/session"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	audiomock "github.com/linkinwong/xiaozhi/pkg/audio/mock"
	"github.com/linkinwong/xiaozhi/pkg/transport"
	"github.com/linkinwong/xiaozhi/pkg/transport/mock"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type countingQueue struct {
	*audio.FrameQueue
	mu     sync.Mutex
	clears int
}

func (q *countingQueue) Clear() int {
	q.mu.Lock()
	q.clears++
	q.mu.Unlock()
	return q.FrameQueue.Clear()
}

func (q *countingQueue) clearCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clears
}

// recordingScheduler records commands; when gate is set, Schedule blocks
// until it is closed.
type recordingScheduler struct {
	mu   sync.Mutex
	cmds []command.Command
	gate chan struct{}
}

func (s *recordingScheduler) Schedule(cmd command.Command) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
}

func (s *recordingScheduler) commands() []command.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Command(nil), s.cmds...)
}

type fakeWake struct {
	mu      sync.Mutex
	running bool
	paused  bool
}

func (w *fakeWake) Start(context.Context) error { return nil }

func (w *fakeWake) Resume() {}

func (w *fakeWake) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

func (w *fakeWake) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *fakeWake) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

type fixture struct {
	flags *session.Flags
	queue *countingQueue
	ch    *mock.Channel
	sched *recordingScheduler
	coord *abort.Coordinator
}

func newFixture(gate chan struct{}) fixture {
	f := fixture{
		flags: &session.Flags{},
		queue: &countingQueue{FrameQueue: audio.NewFrameQueue("inbound", 500)},
		ch:    mock.New(),
		sched: &recordingScheduler{gate: gate},
	}
	f.coord = abort.New(f.flags, f.queue, f.ch, f.sched,
		abort.WithTimings(100*time.Millisecond, time.Millisecond, time.Millisecond))
	return f
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestAbort_ClearsQueueAndSchedulesIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	f.flags.SetTTSPlaying(true)
	for range 10 {
		_ = f.queue.Push(make([]byte, 640))
	}

	f.coord.Abort(transport.ReasonUserInterruption)
	if f.queue.Len() != 0 {
		t.Fatalf("inbound queue length = %d after Abort returned, want 0", f.queue.Len())
	}
	if f.flags.TTSPlaying() {
		t.Fatal("tts still marked playing")
	}

	f.coord.Wait()
	if got := f.ch.Aborts(); len(got) != 1 || got[0] != transport.ReasonUserInterruption {
		t.Fatalf("aborts sent = %v", got)
	}
	cmds := f.sched.commands()
	if len(cmds) != 1 || cmds[0] != command.To(device.Idle) {
		t.Fatalf("scheduled = %v, want [set_state(idle)]", cmds)
	}
	if f.coord.InProgress() {
		t.Fatal("abort still in progress after tail finished")
	}
}

func TestAbort_ClearsDeviceOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	out := audiomock.NewStream(1)
	coord := abort.New(f.flags, f.queue, f.ch, f.sched,
		abort.WithOutput(out),
		abort.WithTimings(100*time.Millisecond, time.Millisecond, time.Millisecond))

	coord.Abort(transport.ReasonUserInterruption)
	if n := out.OutputClears(); n != 1 {
		t.Fatalf("device output clears = %d after Abort returned, want 1", n)
	}
	coord.Abort(transport.ReasonUserInterruption)
	coord.Wait()
	if n := out.OutputClears(); n != 1 {
		t.Fatalf("device output clears = %d after ignored abort, want 1", n)
	}
}

func TestAbort_RepeatedCallIsIgnored(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(gate)

	f.coord.Abort(transport.ReasonUserInterruption)
	if !f.coord.InProgress() {
		t.Fatal("abort not in progress while tail is blocked")
	}
	f.coord.Abort(transport.ReasonUserInterruption)
	f.coord.Abort(transport.ReasonNone)

	close(gate)
	f.coord.Wait()

	if got := f.ch.Aborts(); len(got) != 1 {
		t.Fatalf("abort notifications = %d, want 1", len(got))
	}
	if n := f.queue.clearCount(); n != 1 {
		t.Fatalf("queue clears = %d, want 1", n)
	}
}

func TestAbort_ConcurrentCallersOnlyOneWins(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(gate)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.coord.Abort(transport.ReasonUserInterruption)
		}()
	}
	wg.Wait()
	close(gate)
	f.coord.Wait()

	if got := f.ch.Aborts(); len(got) != 1 {
		t.Fatalf("abort notifications = %d, want 1", len(got))
	}
}

func TestAbort_WakeWordRelistens(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	wake := &fakeWake{running: true}
	f.coord.BindWakeWord(wake)
	f.flags.SetKeepListening(true)
	f.ch.SetOpened(true)

	f.coord.Abort(transport.ReasonWakeWordDetected)
	if !wake.IsPaused() {
		t.Fatal("wake word detector not paused by a wake word abort")
	}
	f.coord.Wait()

	cmds := f.sched.commands()
	want := []command.Command{command.To(device.Idle), command.Of(command.ToggleChat)}
	if len(cmds) != len(want) || cmds[0] != want[0] || cmds[1] != want[1] {
		t.Fatalf("scheduled = %v, want %v", cmds, want)
	}
}

func TestAbort_NoRelistenWithoutPreconditions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		reason transport.AbortReason
		keep   bool
		open   bool
	}{
		{"user interruption", transport.ReasonUserInterruption, true, true},
		{"keep listening off", transport.ReasonWakeWordDetected, false, true},
		{"channel closed", transport.ReasonWakeWordDetected, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(nil)
			f.flags.SetKeepListening(tt.keep)
			f.ch.SetOpened(tt.open)
			f.coord.Abort(tt.reason)
			f.coord.Wait()
			cmds := f.sched.commands()
			if len(cmds) != 1 || cmds[0] != command.To(device.Idle) {
				t.Fatalf("scheduled = %v, want only set_state(idle)", cmds)
			}
		})
	}
}

func TestAbort_SendFailureStillSchedulesIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	f.ch.SendAbortErr = errors.New("socket closed")
	f.coord.Abort(transport.ReasonNone)
	f.coord.Wait()
	if cmds := f.sched.commands(); len(cmds) != 1 {
		t.Fatalf("scheduled = %v", cmds)
	}
	if f.coord.InProgress() {
		t.Fatal("flag not cleared after failed send")
	}
}
