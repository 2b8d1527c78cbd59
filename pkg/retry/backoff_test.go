package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 2 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     3,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range tests {
		if got := backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     3 * time.Second,
		Multiplier:      2.0,
	})

	if got := backoff(5); got != 3*time.Second {
		t.Errorf("capped backoff = %v, want 3s", got)
	}
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	var attempts []int
	err := WithRetry(context.Background(), fastConfig(), func(attempt int) error {
		attempts = append(attempts, attempt)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("attempts = %v", attempts)
	}
}

func TestWithRetryRecoversAfterFailures(t *testing.T) {
	var attempts []int
	err := WithRetry(context.Background(), fastConfig(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{1, 2, 3}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", attempts, want)
		}
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	boom := errors.New("boom")
	count := 0
	err := WithRetry(context.Background(), fastConfig(), func(attempt int) error {
		count++
		return boom
	})
	if count != 3 {
		t.Errorf("attempt count = %d, want 3", count)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error should wrap the last failure, got %v", err)
	}
}

func TestWithRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	done := make(chan error, 1)
	go func() {
		done <- WithRetry(ctx, BackoffConfig{
			InitialInterval: time.Hour,
			Multiplier:      2.0,
			MaxAttempts:     3,
		}, func(attempt int) error {
			count++
			return errors.New("always fails")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
		if count != 1 {
			t.Errorf("attempt count = %d, want 1", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WithRetry did not honor context cancellation")
	}
}

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
}
