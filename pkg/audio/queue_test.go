package audio_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/audio"
)

func TestFrameQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue("test", 4)
	for i := range 3 {
		if err := q.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	for i := range 3 {
		f, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop #%d: empty", i)
		}
		if f[0] != byte(i) {
			t.Fatalf("TryPop #%d = %d, want %d", i, f[0], i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop on empty queue returned a frame")
	}
}

func TestFrameQueue_RejectsNewWhenFull(t *testing.T) {
	t.Parallel()

	var drops []string
	q := audio.NewFrameQueue("inbound", 2, audio.WithDropHook(func(name string) {
		drops = append(drops, name)
	}))
	_ = q.Push([]byte{1})
	_ = q.Push([]byte{2})

	err := q.Push([]byte{3})
	if !errors.Is(err, audio.ErrQueueFull) {
		t.Fatalf("Push on full queue: err = %v, want ErrQueueFull", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", q.Dropped())
	}
	if len(drops) != 1 || drops[0] != "inbound" {
		t.Fatalf("drop hook calls = %v, want [inbound]", drops)
	}
	// Head is still the oldest frame.
	f, _ := q.TryPop()
	if f[0] != 1 {
		t.Fatalf("head = %d, want 1", f[0])
	}
}

func TestFrameQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue("test", 4)
	got := make(chan []byte, 1)
	go func() {
		f, err := q.Pop(context.Background())
		if err == nil {
			got <- f
		}
	}()

	time.Sleep(10 * time.Millisecond)
	_ = q.Push([]byte{42})

	select {
	case f := <-got:
		if f[0] != 42 {
			t.Fatalf("Pop = %d, want 42", f[0])
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestFrameQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue("test", 4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop err = %v, want DeadlineExceeded", err)
	}
}

func TestFrameQueue_ClearUnderConcurrentPush(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue("inbound", 1000)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = q.Push([]byte{0})
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	q.Clear()
	if n := q.Len(); n != 0 {
		t.Fatalf("Len after Clear = %d, want 0", n)
	}
}
