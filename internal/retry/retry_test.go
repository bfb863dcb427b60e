package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	p := Policy{Name: "test", Base: time.Second, Factor: 2, Cap: 4 * time.Second, MaxAttempts: 3}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 4 * time.Second}, // capped
		{-1, 1 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestRecoveryScheduleCaps(t *testing.T) {
	// 60s doubling must hit the 10 minute ceiling and stay there.
	if got := Recovery.Delay(0); got != time.Minute {
		t.Errorf("first recovery delay = %v, want 1m", got)
	}
	if got := Recovery.Delay(3); got != 8*time.Minute {
		t.Errorf("fourth recovery delay = %v, want 8m", got)
	}
	for attempt := 4; attempt < Recovery.MaxAttempts; attempt++ {
		if got := Recovery.Delay(attempt); got != 10*time.Minute {
			t.Errorf("Delay(%d) = %v, want cap 10m", attempt, got)
		}
	}
}

func TestJitterStaysBounded(t *testing.T) {
	p := Policy{Name: "jitter", Base: time.Second, Factor: 2, Cap: 10 * time.Second, MaxAttempts: 5, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(1) // nominal 2s
		if d < time.Second || d > 2*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 2s]", d)
		}
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	p := Policy{Name: "do", Base: time.Millisecond, Factor: 2, Cap: 4 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoReturnsNilOnSuccess(t *testing.T) {
	p := Policy{Name: "do", Base: time.Millisecond, Factor: 2, Cap: 4 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	p := Policy{Name: "do", Base: time.Hour, Factor: 2, Cap: time.Hour, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error { return errors.New("always") })
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancel")
	}
}
