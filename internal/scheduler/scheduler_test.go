package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkinwong/xiaozhi/internal/scheduler"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_FIFO(t *testing.T) {
	t.Parallel()
	var got []int
	s := scheduler.New(func(_ context.Context, n int) error {
		got = append(got, n)
		return nil
	})
	for i := range 5 {
		s.Schedule(i)
	}
	if n := s.Drain(context.Background()); n != 5 {
		t.Fatalf("Drain ran %d tasks, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want 0..4", got)
		}
	}
}

func TestScheduler_TaskSchedulingRunsNextPass(t *testing.T) {
	t.Parallel()
	var (
		s    *scheduler.Scheduler[string]
		seen []string
	)
	s = scheduler.New(func(_ context.Context, task string) error {
		seen = append(seen, task)
		if task == "first" {
			s.Schedule("second")
		}
		return nil
	})
	s.Schedule("first")

	if n := s.Drain(context.Background()); n != 1 {
		t.Fatalf("first drain ran %d, want 1", n)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	s.Drain(context.Background())
	if len(seen) != 2 || seen[1] != "second" {
		t.Fatalf("seen = %v", seen)
	}
}

func TestScheduler_ReentrantDrainIsRefused(t *testing.T) {
	t.Parallel()
	var (
		s     *scheduler.Scheduler[int]
		inner = -1
	)
	s = scheduler.New(func(ctx context.Context, _ int) error {
		inner = s.Drain(ctx)
		return nil
	})
	s.Schedule(1)
	s.Schedule(2)
	s.Drain(context.Background())
	if inner != 0 {
		t.Fatalf("nested Drain returned %d, want 0", inner)
	}
	if s.Executed() != 2 {
		t.Fatalf("executed = %d, want 2", s.Executed())
	}
}

func TestScheduler_PanicAndErrorAreContained(t *testing.T) {
	t.Parallel()
	var ran []int
	s := scheduler.New(func(_ context.Context, n int) error {
		ran = append(ran, n)
		switch n {
		case 1:
			panic("boom")
		case 2:
			return errors.New("failed")
		}
		return nil
	})
	s.Schedule(1)
	s.Schedule(2)
	s.Schedule(3)
	s.Drain(context.Background())
	if len(ran) != 3 {
		t.Fatalf("ran = %v, want all three tasks", ran)
	}
}

func TestScheduler_RunWakesOnSchedule(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got []int
	)
	s := scheduler.New(func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	}, scheduler.WithTick(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Schedule(7)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	cancel()
	<-done
}

func TestScheduler_ConcurrentProducers(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		count = map[int]int{}
	)
	s := scheduler.New(func(_ context.Context, n int) error {
		mu.Lock()
		count[n]++
		mu.Unlock()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				s.Schedule(p*100 + i)
			}
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return s.Executed() == 800 })

	mu.Lock()
	defer mu.Unlock()
	for n, c := range count {
		if c != 1 {
			t.Fatalf("task %d ran %d times", n, c)
		}
	}
}
