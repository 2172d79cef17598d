// Package supervisor wires every component into one process and owns its
// start/stop sequencing, per spec.md §4.7. It follows the startup/shutdown
// ordering of KafkaTimescaleIngestion in original_source/src/core/processor.py
// (start the metrics endpoint, open the broker reader, open the database
// pool, then build the components that depend on them; on shutdown stop the
// consumer first, then close the pool) combined with the teacher's
// cmd/ingester/main.go signal-to-context translation.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arclight-data/candle-ingest/internal/breaker"
	"github.com/arclight-data/candle-ingest/internal/broker"
	"github.com/arclight-data/candle-ingest/internal/metrics"
)

// runner is the Consumer Loop's Run method, narrowed so Supervisor can be
// driven by a fake in tests.
type runner interface {
	Run(ctx context.Context) error
}

// closer is the broker/database handle shutdown step (spec.md §4.7 step 4).
type closer interface {
	Close() error
}

// Config holds the knobs the Supervisor itself consumes, independent of
// the components it wires — currently just the drain deadline.
type Config struct {
	// TerminationGracePeriod bounds how long shutdown waits for the
	// Consumer Loop to drain and the Writer to resolve its outstanding
	// call (spec.md §4.7 step 3), minus a safety margin so the Supervisor
	// itself always returns before an external orchestrator's kill timer.
	TerminationGracePeriod time.Duration
	SafetyMargin           time.Duration
}

// Supervisor runs the Consumer Loop and translates external cancellation
// into the bounded drain spec.md §4.7 describes. It does not construct or
// start the other components: the caller (cmd/ingest) builds them in
// dependency order (Metrics, Breaker, Controller, Batcher, Writer, Consumer
// Loop) and hands in the Loop behind runner, which already closes over the
// rest.
type Supervisor struct {
	cfg     Config
	loop    runner
	reader  broker.Reader
	store   closer
	breaker *breaker.Breaker
	metrics *metrics.Sink
	log     *logrus.Entry

	mu            sync.Mutex
	running       bool
	everSucceeded bool
	runErr        error
}

// closerFunc adapts a func() to closer, matching writer.Store.Close's
// signature (no error return) without an adapter type in every caller.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// AsCloser wraps a Store-shaped Close() (no error) for use as New's store
// argument.
func AsCloser(close func()) closer { return closerFunc(close) }

func New(cfg Config, loop runner, reader broker.Reader, store closer, b *breaker.Breaker, sink *metrics.Sink, log *logrus.Logger) *Supervisor {
	if cfg.TerminationGracePeriod <= 0 {
		cfg.TerminationGracePeriod = 30 * time.Second
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 2 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		loop:    loop,
		reader:  reader,
		store:   store,
		breaker: b,
		metrics: sink,
		log:     log.WithField("component", "supervisor"),
	}
}

// Run starts the Consumer Loop and blocks until ctx is cancelled or the
// loop returns a fatal error. On cancellation it gives the loop's own
// drain path (spec.md §4.7 steps 1-2: stop polling, drain the Batcher,
// submit the residual Batch) up to TerminationGracePeriod-SafetyMargin to
// finish before abandoning it — at-least-once tolerates the abandoned
// batch being re-delivered on restart (spec.md §4.7 step 5). It always
// closes the broker reader and database handle before returning (step 4).
func (s *Supervisor) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)
	defer s.closeHandles()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.loop.Run(runCtx)
	}()

	select {
	case err := <-done:
		return s.finish(err)

	case <-ctx.Done():
		cancel() // tells the loop to stop polling and begin its drain path
		grace := s.cfg.TerminationGracePeriod - s.cfg.SafetyMargin
		if grace <= 0 {
			grace = s.cfg.TerminationGracePeriod
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case err := <-done:
			return s.finish(err)
		case <-timer.C:
			s.log.Warn("termination grace period expired before drain completed; abandoning residual batch")
			return s.finish(nil)
		}
	}
}

func (s *Supervisor) finish(err error) error {
	if err != nil {
		s.log.WithError(err).Error("consumer loop returned a fatal error")
	}
	s.mu.Lock()
	s.runErr = err
	if s.breaker.State() != breaker.Open {
		s.everSucceeded = true
	}
	s.mu.Unlock()
	return err
}

func (s *Supervisor) closeHandles() {
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			s.log.WithError(err).Warn("error closing broker reader")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Warn("error closing database handle")
		}
	}
}

func (s *Supervisor) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Running reports whether Run is currently executing, for /health.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// EverSucceeded reports whether a Run has returned while the breaker was
// not OPEN; /health uses it as its "the Writer has succeeded at least once"
// input. It is set only when Run returns and does not track Writer
// outcomes, so it stays false while the first Run is active, and during
// that Run /health depends on Running and the breaker state alone.
func (s *Supervisor) EverSucceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everSucceeded
}

// BreakerState exposes the shared breaker snapshot /health reads.
func (s *Supervisor) BreakerState() breaker.State {
	return s.breaker.State()
}

// ExitCode maps a Run error to the process exit code spec.md §6 enumerates:
// 0 clean shutdown, 1 fatal (permanent DB error, commit failure,
// configuration error surfaced at runtime), 2 is reserved for startup
// precondition failures the caller detects before Run is ever invoked
// (config load, pool construction) and is not produced here.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
