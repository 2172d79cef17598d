package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPolicy_SucceedsOnFirstAttempt(t *testing.T) {
	p := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, testLogger())

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_RetriesThenSucceeds(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, testLogger())

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_StopsOnNonRetryable(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, testLogger())

	permanent := errors.New("permanent")
	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return permanent
	}, func(err error) bool { return err != permanent })

	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error to surface unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a non-retryable error, got %d", calls)
	}
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	p := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, testLogger())

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return errors.New("always fails")
	}, nil)

	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
}

func TestPolicy_CancellationAbortsWaitImmediately(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)

	go func() {
		done <- p.Execute(ctx, func() error {
			calls++
			return errors.New("transient")
		}, nil)
	}()

	// Give the first attempt a chance to run and enter its backoff wait.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return promptly after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call before cancellation was observed, got %d", calls)
	}
}

func TestPolicy_ExponentialBackoffSchedule(t *testing.T) {
	p := New(Config{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}, testLogger())

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for attempt, w := range want {
		if got := p.delayFor(attempt + 1); got != w {
			t.Errorf("delayFor(%d) = %v, want %v", attempt+1, got, w)
		}
	}
}
