package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

var fast = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "flaky", fast, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on the third call, got %v after %d", err, calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "corrupt", fast, func() error {
		calls++
		return apperrors.Corruptf("bad magic")
	})
	if calls != 1 || !errors.Is(err, apperrors.ErrCorruptSegment) {
		t.Fatalf("expected one call returning the corrupt error, got %d calls, %v", calls, err)
	}
}

func TestRetryGivesUp(t *testing.T) {
	errDown := errors.New("down")
	err := Retry(context.Background(), "down", fast, func() error { return errDown })
	if !errors.Is(err, errDown) {
		t.Fatalf("expected the last error to be wrapped, got %v", err)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}
	err := Retry(ctx, "cancelled", slow, func() error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("status-writes", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }
	fail := func() error { return fmt.Errorf("write failed") }

	for i := 0; i < 2; i++ {
		_ = cb.Execute(fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(time.Minute)
	if err := cb.Execute(fail); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected the probe to run and fail, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("a failed probe must reopen the circuit, got %s", cb.State())
	}

	now = now.Add(time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after a good probe, got %s", cb.State())
	}
}
