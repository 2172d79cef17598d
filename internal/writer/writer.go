// Package writer implements the Writer component of spec.md §4.5: it groups
// a Batch's already-validated Candles by (symbol, interval) for locality the
// way the original processor does on flush, then upserts them under a
// circuit breaker and a retry policy. The breaker gates the whole retried
// upsert (one Allow before the retry policy runs, one RecordSuccess or
// RecordFailure after it returns), so the breaker sees one outcome per
// logical submission rather than one per attempt.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arclight-data/candle-ingest/internal/breaker"
	"github.com/arclight-data/candle-ingest/internal/metrics"
	"github.com/arclight-data/candle-ingest/internal/model"
	"github.com/arclight-data/candle-ingest/internal/retry"
)

// ErrBreakerOpen is returned by Submit without touching the database when
// the breaker rejects the call.
var ErrBreakerOpen = errors.New("writer: circuit breaker open")

// ErrPermanent wraps a non-retryable Store error. The Supervisor treats
// this as fatal, per spec.md §4.5 step 4.
type ErrPermanent struct{ Cause error }

func (e *ErrPermanent) Error() string { return fmt.Sprintf("writer: permanent error: %v", e.Cause) }
func (e *ErrPermanent) Unwrap() error { return e.Cause }

// ErrTransient wraps a retryable Store error that exhausted
// INSERT_RETRY_ATTEMPTS without succeeding. Per spec.md §7, a transient
// error is "retryable... counted as breaker failure" — not fatal on its
// own. The Consumer Loop drops the batch uncommitted and continues; enough
// consecutive ErrTransient results are what trips the breaker open.
type ErrTransient struct{ Cause error }

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("writer: transient error, retries exhausted: %v", e.Cause)
}
func (e *ErrTransient) Unwrap() error { return e.Cause }

// Writer is the single point through which Batches reach the database. A
// Writer instance admits at most one in-flight Submit at a time — the inFlight
// guard makes re-entry a programming error rather than silently racing two
// transactions, even though the Consumer Loop's one-slot hand-off already
// ensures this in practice (spec.md §4.5: "the Writer must be safe against
// re-entry").
type Writer struct {
	store   Store
	breaker *breaker.Breaker
	retry   *retry.Policy
	metrics *metrics.Sink
	log     *logrus.Entry
	now     func() time.Time

	mu       sync.Mutex
	inFlight bool
}

func New(store Store, b *breaker.Breaker, r *retry.Policy, sink *metrics.Sink, log *logrus.Logger) *Writer {
	return &Writer{
		store:   store,
		breaker: b,
		retry:   r,
		metrics: sink,
		log:     log.WithField("component", "writer"),
		now:     time.Now,
	}
}

// Submit groups and upserts batch's Candles (validated earlier, by the
// Consumer Loop), returning the CommitToken the Consumer Loop should use to
// advance broker offsets.
func (w *Writer) Submit(ctx context.Context, batch *model.Batch) (*model.CommitToken, error) {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return nil, fmt.Errorf("writer: submit called while a previous batch is still in flight")
	}
	w.inFlight = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	validCandles := groupBySymbolInterval(batch.Candles)

	token := &model.CommitToken{BatchID: batch.ID, Offsets: batch.CoveredOffsets}

	if len(validCandles) == 0 {
		// Only poison survived; offsets still advance (spec.md §4.4).
		return token, nil
	}

	if w.breaker.Allow() != breaker.Proceed {
		w.metrics.BreakerState(int(w.breaker.State()))
		return nil, ErrBreakerOpen
	}

	start := w.now()
	err := w.retry.Execute(ctx, func() error {
		return w.store.UpsertCandles(ctx, validCandles)
	}, IsRetryable)
	if elapsed := w.now().Sub(start); elapsed > time.Second {
		w.log.Warnf("slow guarded upsert for batch %s: took %s", batch.ID, elapsed)
	}

	if err != nil {
		// Every failure surfacing here either exhausted the Retry Policy
		// on a transient error or was classified non-retryable outright;
		// either way it counts once against the breaker and the batch as
		// a whole is not committed. Only a non-retryable classification is
		// Supervisor-fatal (spec.md §4.5 step 4 / §7) — a transient error
		// that merely ran out of attempts must let the process keep
		// running so F_max consecutive failures can accumulate and trip
		// the breaker, rather than killing the service on the first hiccup
		// that outlasts INSERT_RETRY_ATTEMPTS.
		w.breaker.RecordFailure()
		w.metrics.BreakerState(int(w.breaker.State()))
		if errors.Is(err, retry.ErrAttemptsExhausted) {
			return nil, &ErrTransient{Cause: err}
		}
		return nil, &ErrPermanent{Cause: err}
	}

	w.breaker.RecordSuccess()
	w.metrics.BreakerState(int(w.breaker.State()))
	w.metrics.BatchWritten(len(validCandles))

	latencyFrom := batch.SealedAt
	if latencyFrom.IsZero() {
		latencyFrom = batch.EarliestBrokerTime
	}
	if !latencyFrom.IsZero() {
		w.metrics.WriteLatency(w.now().Sub(latencyFrom))
	}

	return token, nil
}

// groupBySymbolInterval reorders candles so rows for the same (symbol,
// interval) are contiguous, matching the per-symbol grouping the original
// processor performs before a flush. Order across groups is otherwise
// insertion order of first sighting, so behavior stays deterministic for
// tests.
func groupBySymbolInterval(candles []model.Candle) []model.Candle {
	if len(candles) <= 1 {
		return candles
	}

	type key struct{ symbol, interval string }
	groups := make(map[key][]model.Candle)
	var order []key

	for _, c := range candles {
		k := key{c.Symbol, c.Interval}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	out := make([]model.Candle, 0, len(candles))
	for _, k := range order {
		out = append(out, groups[k]...)
	}
	return out
}
