package writer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/arclight-data/candle-ingest/internal/breaker"
	"github.com/arclight-data/candle-ingest/internal/metrics"
	"github.com/arclight-data/candle-ingest/internal/model"
	"github.com/arclight-data/candle-ingest/internal/retry"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeStore struct {
	calls   int
	err     error
	written []model.Candle
}

func (f *fakeStore) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, candles...)
	return nil
}

func (f *fakeStore) Close() {}

func newTestWriter(store Store) *Writer {
	b := breaker.New(breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute}, testLogger(), nil)
	r := retry.New(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}, testLogger())
	sink := metrics.New()
	return New(store, b, r, sink, testLogger())
}

func batchWith(candles []model.Candle, coveredOffsets map[int]int64) *model.Batch {
	return &model.Batch{
		ID:             "b1",
		Candles:        candles,
		CoveredOffsets: coveredOffsets,
		PoisonOffsets:  map[int][]int64{},
		SealedAt:       time.Now(),
	}
}

func TestWriter_SubmitSucceeds(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store)

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 5})
	token, err := w.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.BatchID != "b1" || token.Offsets[0] != 5 {
		t.Errorf("unexpected token: %+v", token)
	}
	if store.calls != 1 {
		t.Errorf("expected exactly 1 store call, got %d", store.calls)
	}
}

func TestWriter_PoisonOnlyBatchStillAdvancesOffsets(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store)

	batch := batchWith(nil, map[int]int64{0: 9})
	token, err := w.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.Offsets[0] != 9 {
		t.Errorf("expected offset 9 to advance even with no candles, got %+v", token.Offsets)
	}
	if store.calls != 0 {
		t.Errorf("expected no store call for a poison-only batch, got %d", store.calls)
	}
}

func TestWriter_BreakerOpenRejectsWithoutTouchingStore(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store)

	for i := 0; i < 5; i++ {
		w.breaker.Allow()
		w.breaker.RecordFailure()
	}
	if w.breaker.State() != breaker.Open {
		t.Fatalf("expected breaker OPEN, got %v", w.breaker.State())
	}

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 1})
	_, err := w.Submit(context.Background(), batch)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if store.calls != 0 {
		t.Errorf("expected no store call while breaker is open, got %d", store.calls)
	}
}

func TestWriter_PermanentErrorSurfacesWrapped(t *testing.T) {
	permErr := &pgconn.PgError{Code: "23505"} // unique_violation, class 23
	store := &fakeStore{err: permErr}
	w := newTestWriter(store)

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 1})
	_, err := w.Submit(context.Background(), batch)

	var perm *ErrPermanent
	if !errors.As(err, &perm) {
		t.Fatalf("expected *ErrPermanent, got %v", err)
	}
	if w.breaker.Failures() != 1 {
		t.Errorf("expected the permanent error to still count once against the breaker, got %d", w.breaker.Failures())
	}
}

func TestWriter_TransientErrorRetriesThenSucceeds(t *testing.T) {
	store := &countingStore{failuresRemaining: 1}
	w := newTestWriter(store)

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 1})
	_, err := w.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("expected the retry to succeed on the second attempt, got %v", err)
	}
	if store.calls != 2 {
		t.Errorf("expected 2 store calls (1 transient failure + 1 success), got %d", store.calls)
	}
}

// alwaysTransientStore returns a transient (class 08) pg error on every
// call, exhausting the Retry Policy's attempts without ever succeeding.
type alwaysTransientStore struct{ calls int }

func (a *alwaysTransientStore) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	a.calls++
	return &pgconn.PgError{Code: "08006"}
}
func (a *alwaysTransientStore) Close() {}

func TestWriter_TransientErrorExhaustsRetriesIsNonFatal(t *testing.T) {
	store := &alwaysTransientStore{}
	w := newTestWriter(store)

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 1})
	_, err := w.Submit(context.Background(), batch)

	var transient *ErrTransient
	if !errors.As(err, &transient) {
		t.Fatalf("expected *ErrTransient once retries are exhausted on a transient error, got %v", err)
	}
	var perm *ErrPermanent
	if errors.As(err, &perm) {
		t.Fatalf("a retry-exhausted transient error must not be classified as *ErrPermanent")
	}
	if w.breaker.Failures() != 1 {
		t.Errorf("expected the exhausted transient error to count once against the breaker, got %d", w.breaker.Failures())
	}
	if store.calls != 2 {
		t.Errorf("expected both configured retry attempts to be used, got %d", store.calls)
	}
}

// gaugeValue reads a single gauge's current value out of a Sink's registry
// by metric name, since Sink keeps its prometheus.Gauge fields private.
func gaugeValue(t *testing.T, s *metrics.Sink, name string) float64 {
	t.Helper()
	families, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		return fam.GetMetric()[0].GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestWriter_BreakerStateGaugeReflectsTransitions(t *testing.T) {
	store := &alwaysTransientStore{}
	w := newTestWriter(store)

	if got := gaugeValue(t, w.metrics, "candle_ingest_breaker_state"); got != float64(breaker.Closed) {
		t.Fatalf("expected gauge to start at CLOSED (%d), got %v", breaker.Closed, got)
	}

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 1})
	for i := 0; i < 5; i++ {
		w.Submit(context.Background(), batch)
	}
	if got := gaugeValue(t, w.metrics, "candle_ingest_breaker_state"); got != float64(breaker.Open) {
		t.Fatalf("expected gauge to read OPEN (%d) after tripping the breaker, got %v", breaker.Open, got)
	}
}

func TestWriter_RejectsReentrantSubmit(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	w := newTestWriter(store)

	batch := batchWith([]model.Candle{{Symbol: "BTCUSDT", Interval: "1m"}}, map[int]int64{0: 1})

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), batch)
		done <- err
	}()

	<-store.entered
	_, err := w.Submit(context.Background(), batch)
	if err == nil {
		t.Fatal("expected the second concurrent Submit to be rejected")
	}

	close(store.release)
	<-done
}

type countingStore struct {
	calls             int
	failuresRemaining int
}

func (c *countingStore) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	c.calls++
	if c.failuresRemaining > 0 {
		c.failuresRemaining--
		return &pgconn.PgError{Code: "08006"} // connection_failure, class 08 (transient)
	}
	return nil
}
func (c *countingStore) Close() {}

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	closed  bool
}

func (b *blockingStore) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if !b.closed {
		b.closed = true
		close(b.entered)
	}
	<-b.release
	return nil
}
func (b *blockingStore) Close() {}
