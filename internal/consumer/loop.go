// Package consumer implements the Consumer Loop of spec.md §4.6. It follows
// the main loop shape of internal/ingester/ingester.go (teacher): poll,
// accumulate, flush on size-or-age, commit offsets only after a successful
// write. The teacher expresses the Writer hand-off as a synchronous call
// inline in the same goroutine; here it is pulled apart into an explicit
// writer goroutine plus a capacity-1 channel in each direction, per
// spec.md §9's redesign flag ("re-architect as an explicit task + one-slot
// hand-off"), so the Consumer Loop's block on that hand-off is visible as a
// channel operation rather than implicit in a function call.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arclight-data/candle-ingest/internal/batch"
	"github.com/arclight-data/candle-ingest/internal/breaker"
	"github.com/arclight-data/candle-ingest/internal/broker"
	"github.com/arclight-data/candle-ingest/internal/candle"
	"github.com/arclight-data/candle-ingest/internal/controller"
	"github.com/arclight-data/candle-ingest/internal/metrics"
	"github.com/arclight-data/candle-ingest/internal/model"
	"github.com/arclight-data/candle-ingest/internal/writer"
)

// Submitter is the Writer's Submit method, narrowed to an interface so the
// loop can be driven by a fake in tests.
type Submitter interface {
	Submit(ctx context.Context, b *model.Batch) (*model.CommitToken, error)
}

// Loop is the single cooperative consumer described in spec.md §4.6.
type Loop struct {
	reader     broker.Reader
	batcher    *batch.Batcher
	controller *controller.Controller
	writer     Submitter
	breaker    *breaker.Breaker
	metrics    *metrics.Sink
	log        *logrus.Entry
	now        func() time.Time

	idleLimiter *rate.Limiter

	// batchCh/resultCh are the one-slot hand-off to the writer goroutine.
	// The Consumer Loop is the only sender on batchCh and the only receiver
	// on resultCh; closing batchCh is how Run tells the writer goroutine to
	// stop once it has drained whatever is outstanding.
	batchCh  chan *model.Batch
	resultCh chan submitResult
}

type submitResult struct {
	token *model.CommitToken
	err   error
}

func New(reader broker.Reader, batcher *batch.Batcher, ctrl *controller.Controller, w Submitter, b *breaker.Breaker, sink *metrics.Sink, log *logrus.Logger) *Loop {
	return &Loop{
		reader:      reader,
		batcher:     batcher,
		controller:  ctrl,
		writer:      w,
		breaker:     b,
		metrics:     sink,
		log:         log.WithField("component", "consumer"),
		now:         time.Now,
		idleLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		batchCh:     make(chan *model.Batch, 1),
		resultCh:    make(chan submitResult, 1),
	}
}

// ErrFatal wraps a condition that must stop the whole process: a permanent
// write error or a failed offset commit (spec.md §4.6 step 5: "commit loss
// is not" tolerable).
type ErrFatal struct{ Cause error }

func (e *ErrFatal) Error() string { return fmt.Sprintf("consumer: fatal: %v", e.Cause) }
func (e *ErrFatal) Unwrap() error { return e.Cause }

// Run drives the loop until ctx is cancelled or a fatal error occurs. On
// cancellation it drains the open batch and returns nil; a fatal error
// returns a non-nil *ErrFatal. The writer goroutine runs on a context
// independent of ctx, so an in-flight database transaction is allowed to
// complete or roll back naturally rather than being torn down mid-write
// (spec.md §5).
func (l *Loop) Run(ctx context.Context) error {
	go l.writerLoop()
	defer close(l.batchCh)

	for {
		if ctx.Err() != nil {
			return l.drain()
		}

		state := l.breaker.State()

		// While OPEN, idle at the paced interval regardless; only fall
		// through to poll and attempt a flush once reset_timeout has
		// plausibly elapsed (breaker.ReadyForProbe), so the Writer's
		// Submit -> breaker.Allow() call — the only place that actually
		// performs the OPEN -> HALF_OPEN transition — gets invoked again
		// instead of the Loop wedging on a stale State() snapshot forever.
		if state == breaker.Open {
			l.idle(ctx)
			if !l.breaker.ReadyForProbe() {
				continue
			}
		}

		pollTimeout, maxBatch := l.controller.Current()
		l.metrics.PollTimeout(pollTimeout)
		l.metrics.MaxBatch(maxBatch)
		l.batcher.SetMaxBatch(maxBatch)

		if err := l.pollOnce(ctx, pollTimeout, maxBatch); err != nil {
			if errors.Is(err, context.Canceled) {
				return l.drain()
			}
			return err
		}

		// Once ready for a probe, force the attempt even if the Batcher
		// hasn't hit its own size/age trigger yet — a probe that waits for
		// a full batch could wait indefinitely at a depressed poll rate.
		probing := state == breaker.Open
		if l.batcher.ShouldFlush(l.now()) || probing {
			if err := l.flush(); err != nil {
				return err
			}
		}
	}
}

// idle paces poll attempts while the breaker is OPEN to at most one per
// second. The pace is fixed at one second; a reset_timeout shorter than a
// second does not shorten it.
func (l *Loop) idle(ctx context.Context) {
	_ = l.idleLimiter.Wait(ctx)
}

// pollOnce fetches up to maxBatch records within pollTimeout, feeding each
// one to the Batcher after validation.
func (l *Loop) pollOnce(ctx context.Context, pollTimeout time.Duration, maxBatch int) error {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	for count := 0; count < maxBatch; count++ {
		msg, err := l.reader.FetchMessage(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.log.WithError(err).Warn("broker fetch failed")
			return nil
		}

		rec := broker.ToRecord(msg)
		now := l.now()
		outcome := candle.Validate(rec, now)
		l.metrics.RecordsConsumed(1)

		if outcome.Poison != nil {
			l.metrics.PoisonRecord(string(outcome.Poison.Reason))
			l.batcher.AddPoison(msg.Partition, msg.Offset, msg.Time, now)
			continue
		}
		l.batcher.AddCandle(*outcome.Candle, msg.Partition, msg.Offset, msg.Time, now)
	}
	return nil
}

// flush seals the open batch and hands it to the writer goroutine.
func (l *Loop) flush() error {
	sealed := l.batcher.Seal(l.now())
	if sealed.Empty() {
		return nil
	}
	return l.submitAndCommit(sealed)
}

// submitAndCommit sends sealed across the one-slot hand-off, blocks for the
// result — the loop's primary backpressure mechanism, per spec.md §4.6 step
// 4 — then commits offsets and feeds a latency sample to the Controller.
func (l *Loop) submitAndCommit(sealed *model.Batch) error {
	l.batchCh <- sealed
	res := <-l.resultCh

	if res.err != nil {
		if errors.Is(res.err, writer.ErrBreakerOpen) {
			l.log.Warn("writer rejected submission: breaker open")
			return nil
		}
		var transient *writer.ErrTransient
		if errors.As(res.err, &transient) {
			// Retries exhausted on a transient error: already counted as
			// a breaker failure by the Writer. Not fatal — offsets simply
			// aren't committed, so at-least-once redelivers the batch, and
			// F_max consecutive failures of this kind are what trips the
			// breaker open (spec.md §4.1/§7).
			l.log.WithError(transient).Warn("writer: transient error, retries exhausted")
			return nil
		}
		return &ErrFatal{Cause: res.err}
	}

	if err := l.commit(context.Background(), res.token); err != nil {
		l.metrics.CommitFailure()
		return &ErrFatal{Cause: err}
	}

	l.controller.Observe(l.now().Sub(sealed.SealedAt))
	return nil
}

func (l *Loop) commit(ctx context.Context, token *model.CommitToken) error {
	if token == nil || len(token.Offsets) == 0 {
		return nil
	}
	msgs := make([]broker.Message, 0, len(token.Offsets))
	for partition, offset := range token.Offsets {
		msgs = append(msgs, broker.Message{Partition: partition, Offset: offset})
	}
	return l.reader.CommitMessages(ctx, msgs...)
}

// writerLoop is the explicit task half of the one-slot hand-off: it holds
// no state of its own, just relays each batch to the Writer and its result
// back, one at a time, until the Consumer Loop closes batchCh.
func (l *Loop) writerLoop() {
	for b := range l.batchCh {
		token, err := l.writer.Submit(context.Background(), b)
		l.resultCh <- submitResult{token: token, err: err}
	}
}

// drain forces emission of whatever the Batcher is holding and submits it,
// per spec.md §4.7 step 2 ("instruct Batcher to drain(); submit any
// residual Batch to the Writer"). The Supervisor bounds how long it waits
// for Run to return with its own termination-grace deadline; if that
// deadline fires first the batch is abandoned uncommitted, which
// at-least-once delivery tolerates (spec.md §4.7 step 5).
func (l *Loop) drain() error {
	sealed := l.batcher.Drain(l.now())
	if sealed.Empty() {
		return nil
	}
	return l.submitAndCommit(sealed)
}
