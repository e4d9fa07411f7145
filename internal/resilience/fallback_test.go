package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newGroup(t *testing.T, maxFailures int) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failing []string
		want    string
		wantErr error
	}{
		{name: "primary succeeds", want: "primary"},
		{name: "fails over", failing: []string{"primary"}, want: "secondary"},
		{name: "all fail", failing: []string{"primary", "secondary"}, wantErr: ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fg := newGroup(t, 3)
			var called string
			err := fg.Execute(context.Background(), func(v string) error {
				if slices.Contains(tt.failing, v) {
					return errTest
				}
				called = v
				return nil
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want %v wrapping the last failure", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.want {
				t.Fatalf("called = %q, want %q", called, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 2)
	var attempts []string
	for range 3 {
		_ = fg.Execute(context.Background(), func(v string) error {
			attempts = append(attempts, v)
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	want := []string{"primary", "secondary", "primary", "secondary", "secondary"}
	if !slices.Equal(attempts, want) {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
	states := fg.States()
	if states["primary"] != StateOpen || states["secondary"] != StateClosed {
		t.Errorf("States() = %v", states)
	}
}

func TestFallbackGroup_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fg.Execute(ctx, func(string) error {
		calls++
		cancel()
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)
	if got := fg.Names(); !slices.Equal(got, []string{"ten", "twenty"}) {
		t.Fatalf("Names() = %v", got)
	}

	result, err := ExecuteWithResult(context.Background(), fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 40 {
		t.Fatalf("result = %d, want 40", result)
	}
}
