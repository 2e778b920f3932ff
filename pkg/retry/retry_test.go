package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/objectfs/querycache/pkg/errors"
)

func TestRetryer_Success(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3})

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1})

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeExecutionFailed, "node down")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3})

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeInvalidRequest, "bad request")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_ExhaustedReturnsLastErrorUnwrapped(t *testing.T) {
	retryer := New(Config{MaxAttempts: 4, RetryAll: true})

	attempts := 0
	var last error
	err := retryer.Do(func() error {
		attempts++
		last = stderr.New("failure")
		return last
	})

	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if err != last {
		t.Errorf("Expected last error to be returned unchanged, got %v", err)
	}
}

func TestRetryer_RetryableCodes(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 0
	retryer := New(config)

	attempts := 0
	e := errors.NewError(errors.ErrCodeCircuitOpen, "open")
	e.Retryable = false
	_ = retryer.Do(func() error {
		attempts++
		return e
	})

	if attempts != config.MaxAttempts {
		t.Errorf("Expected %d attempts for listed code, got %d", config.MaxAttempts, attempts)
	}
}

func TestRetryer_OnRetry(t *testing.T) {
	var seen []int
	retryer := New(Config{MaxAttempts: 3, RetryAll: true}).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
		if delay != 0 {
			t.Errorf("Expected zero delay, got %v", delay)
		}
	})

	_ = retryer.Do(func() error { return stderr.New("x") })

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected OnRetry for attempts [1 2], got %v", seen)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	retryer := New(Config{MaxAttempts: 5, InitialDelay: time.Hour, RetryAll: true})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- retryer.DoWithContext(ctx, func(ctx context.Context) error {
			attempts++
			return stderr.New("boom")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil || err.Error() != "boom" {
			t.Errorf("Expected last attempt error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DoWithContext did not return after cancel")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestCalculateDelay(t *testing.T) {
	r := New(Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, Multiplier: 2})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 35 * time.Millisecond},
		{4, 35 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := r.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
