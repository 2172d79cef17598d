package breaker

import (
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

// fakeClock lets tests advance monotonic time deterministically.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time  { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 5, ResetTimeout: 60 * time.Second}, testLogger(), clock.now)

	for i := 0; i < 4; i++ {
		if got := b.Allow(); got != Proceed {
			t.Fatalf("attempt %d: expected Proceed, got %v", i, got)
		}
		b.RecordFailure()
		if b.State() != Closed {
			t.Fatalf("attempt %d: expected still CLOSED, got %v", i, b.State())
		}
	}

	// 5th consecutive failure trips it open.
	if got := b.Allow(); got != Proceed {
		t.Fatalf("expected Proceed before 5th failure, got %v", got)
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected OPEN after 5 consecutive failures, got %v", b.State())
	}

	if got := b.Allow(); got != Reject {
		t.Errorf("expected Reject immediately after trip, got %v", got)
	}
}

func TestBreaker_NoDBCallsUntilResetTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, testLogger(), clock.now)

	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %v", b.State())
	}

	clock.advance(9 * time.Second)
	if got := b.Allow(); got != Reject {
		t.Errorf("expected Reject before reset_timeout elapses, got %v", got)
	}

	clock.advance(2 * time.Second)
	if got := b.Allow(); got != Proceed {
		t.Errorf("expected Proceed (the probe) once reset_timeout elapses, got %v", got)
	}
	if b.State() != HalfOpen {
		t.Errorf("expected HALF_OPEN after admitting probe, got %v", b.State())
	}
}

func TestBreaker_OnlyOneProbeAtATime(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, testLogger(), clock.now)

	b.Allow()
	b.RecordFailure()
	clock.advance(2 * time.Second)

	if got := b.Allow(); got != Proceed {
		t.Fatalf("expected the first caller to be admitted as the probe, got %v", got)
	}
	if got := b.Allow(); got != Reject {
		t.Errorf("expected a second concurrent caller to be rejected while probe outstanding, got %v", got)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, testLogger(), clock.now)

	b.Allow()
	b.RecordFailure()
	clock.advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after successful probe, got %v", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", b.Failures())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, testLogger(), clock.now)

	b.Allow()
	b.RecordFailure()
	clock.advance(2 * time.Second)
	b.Allow()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected OPEN after failed probe, got %v", b.State())
	}

	// Timer restarts from the probe failure, not the original trip.
	clock.advance(500 * time.Millisecond)
	if got := b.Allow(); got != Reject {
		t.Errorf("expected Reject, reset timer should have restarted on probe failure")
	}
}

func TestBreaker_ReadyForProbeDoesNotConsumeTheSlot(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, testLogger(), clock.now)

	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %v", b.State())
	}

	if b.ReadyForProbe() {
		t.Errorf("expected not ready for probe before reset_timeout elapses")
	}

	clock.advance(11 * time.Second)

	// Calling ReadyForProbe repeatedly must not itself admit or reserve the
	// probe: it's a peek, not a reservation.
	for i := 0; i < 3; i++ {
		if !b.ReadyForProbe() {
			t.Fatalf("call %d: expected ready for probe once reset_timeout elapses", i)
		}
	}
	if b.State() != Open {
		t.Fatalf("expected state to remain OPEN after ReadyForProbe calls, got %v", b.State())
	}

	if got := b.Allow(); got != Proceed {
		t.Fatalf("expected Allow to still admit the probe after repeated ReadyForProbe calls, got %v", got)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after the probe is admitted, got %v", b.State())
	}

	// The probe slot was reserved by Allow, not by any earlier ReadyForProbe
	// call: a second caller must still be rejected.
	if got := b.Allow(); got != Reject {
		t.Errorf("expected a second caller to be rejected while the probe is outstanding, got %v", got)
	}
}

func TestBreaker_ReadyForProbeFalseWhenClosed(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, testLogger(), clock.now)

	if b.ReadyForProbe() {
		t.Errorf("expected ReadyForProbe to be false while CLOSED")
	}
}

func TestBreaker_SuccessInClosedClearsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Second}, testLogger(), clock.now)

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()
	if b.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", b.Failures())
	}

	b.Allow()
	b.RecordSuccess()
	if b.Failures() != 0 {
		t.Errorf("expected success in CLOSED to clear failure count, got %d", b.Failures())
	}
}
