// Package retry implements the bounded exponential retry policy around a
// single logical attempt, per spec.md §4.2. It follows
// drivers/pkg/faulttolerance/retry.go from the reference fleet: attempts in
// sequence with delay base_delay*2^(k-1) between them, stopping on success,
// on a non-retryable error, or once max_attempts is exhausted. Cancellation
// aborts the wait immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAttemptsExhausted is wrapped by the error Execute returns once
// max_attempts is spent without success. The final attempt's error appears
// in that error's message only; it is not itself wrapped.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Config holds INSERT_RETRY_ATTEMPTS / INSERT_RETRY_DELAY from spec.md §6.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Name        string
}

// Func is the operation a Policy wraps. A true IsRetryable classifies the
// returned error as transient (eligible for another attempt) or permanent
// (stop immediately).
type Func func() error

// Policy executes a Func with exponential backoff. base_delay*2^(k-1)
// between attempts; no jitter, matching spec.md §4.2 ("no jitter required
// but permitted" — the reference fleet's jittered retryer is for its
// upstream HTTP scraping, not this store-facing write path, where
// deterministic backoff is easier to reason about under test).
type Policy struct {
	cfg Config
	log *logrus.Entry
}

func New(cfg Config, log *logrus.Logger) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "retry"
	}
	return &Policy{cfg: cfg, log: log.WithField("component", cfg.Name)}
}

// IsRetryable classifies an error as eligible for another attempt.
type IsRetryable func(error) bool

// Execute runs fn up to MaxAttempts times. isRetryable decides whether a
// failed attempt's error should trigger another try; a nil isRetryable
// retries every error.
func (p *Policy) Execute(ctx context.Context, fn Func, isRetryable IsRetryable) error {
	if isRetryable == nil {
		isRetryable = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				p.log.Infof("succeeded on attempt %d/%d", attempt, p.cfg.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := p.delayFor(attempt)
		p.log.Warnf("attempt %d/%d failed: %v, retrying in %s", attempt, p.cfg.MaxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: %d attempts, last error: %v", ErrAttemptsExhausted, p.cfg.MaxAttempts, lastErr)
}

// delayFor returns base_delay*2^(attempt-1), the exponential backoff
// schedule spec.md §4.2 specifies.
func (p *Policy) delayFor(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 30 {
		shift = 30 // guard against overflow for pathological MaxAttempts values
	}
	return p.cfg.BaseDelay * time.Duration(1<<uint(shift))
}
