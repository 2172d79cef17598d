// Package breaker implements the circuit breaker state machine that guards
// the Writer's database calls, per spec.md §4.1. Structurally it follows
// drivers/pkg/faulttolerance/circuit_breaker.go from the reference fleet,
// narrowed to the three transitions spec.md actually calls for: CLOSED
// trips to OPEN on F_max consecutive failures, OPEN allows exactly one
// HALF_OPEN probe once reset_timeout elapses, and that probe's outcome
// decides CLOSED or back to OPEN.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Decision is the result of allow().
type Decision int

const (
	Proceed Decision = iota
	Reject
)

// Config holds the thresholds spec.md §6 enumerates as CB_FAILURE_THRESHOLD,
// CB_RESET_TIMEOUT, and CB_HALF_OPEN_TIMEOUT.
type Config struct {
	// FailureThreshold is F_max: consecutive failures that trip CLOSED -> OPEN.
	FailureThreshold int
	// ResetTimeout is how long OPEN waits before admitting a HALF_OPEN probe.
	ResetTimeout time.Duration
	// HalfOpenTimeout bounds how long a single outstanding probe may run
	// before it is treated as failed, so a hung probe cannot wedge the
	// breaker open forever.
	HalfOpenTimeout time.Duration
	Name            string
}

// Breaker is a small state machine guarding a fallible operation. It is not
// a rate limiter — it only gates whether a call is attempted.
type Breaker struct {
	cfg    Config
	log    *logrus.Entry
	now    func() time.Time
	mu     sync.Mutex
	state  State
	fails  int
	openAt time.Time
	// probeInFlight is true between a HALF_OPEN allow() and its matching
	// record_success/record_failure, so a second caller is rejected while
	// the probe is outstanding.
	probeInFlight bool
	probeStarted  time.Time
}

// New creates a Breaker. now defaults to time.Now; tests substitute a fake
// clock to exercise timeout transitions deterministically.
func New(cfg Config, log *logrus.Logger, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenTimeout <= 0 {
		cfg.HalfOpenTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:   cfg,
		log:   log.WithField("component", cfg.Name),
		now:   now,
		state: Closed,
	}
}

// Allow reports whether the caller may proceed with the guarded operation.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Proceed

	case Open:
		if b.now().Sub(b.openAt) < b.cfg.ResetTimeout {
			return Reject
		}
		b.setState(HalfOpen)
		b.probeInFlight = true
		b.probeStarted = b.now()
		return Proceed

	case HalfOpen:
		if b.probeInFlight {
			if b.now().Sub(b.probeStarted) >= b.cfg.HalfOpenTimeout {
				// The outstanding probe hung past its own timeout; treat it
				// as failed and reopen so a new probe can be admitted.
				b.recordFailureLocked()
				return Reject
			}
			return Reject
		}
		b.probeInFlight = true
		b.probeStarted = b.now()
		return Proceed

	default:
		return Reject
	}
}

// ReadyForProbe reports whether the breaker is OPEN and reset_timeout has
// elapsed, i.e. the next Allow() call would admit a HALF_OPEN probe. It is
// read-only — unlike Allow(), it does not reserve the probe slot — so a
// caller can use it to decide whether attempting the guarded operation is
// worthwhile without consuming the one outstanding probe itself.
func (b *Breaker) ReadyForProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Sub(b.openAt) >= b.cfg.ResetTimeout
}

// RecordSuccess reports that the guarded operation succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasHalfOpen := b.state == HalfOpen
	b.fails = 0
	b.probeInFlight = false
	if wasHalfOpen {
		b.log.Infof("probe succeeded, closing from %s", b.state)
		b.setState(Closed)
	}
}

// RecordFailure reports that the guarded operation failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked()
}

func (b *Breaker) recordFailureLocked() {
	b.probeInFlight = false

	switch b.state {
	case HalfOpen:
		b.log.Warnf("probe failed, reopening")
		b.openAt = b.now()
		b.setState(Open)
	case Closed:
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.log.Warnf("tripped open after %d consecutive failures", b.fails)
			b.openAt = b.now()
			b.setState(Open)
		}
	case Open:
		b.openAt = b.now()
	}
}

// State returns a snapshot of the current state, safe for concurrent
// readers such as the metrics sink and /health handler.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.log.Infof("state change: %s -> %s", prev, s)
}
