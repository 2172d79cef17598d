// Package batch implements the Batcher: it accumulates validated Candles
// (and tracks poison offsets) until either max_batch size or max_batch_age
// trips, whichever comes first, per spec.md §4.4. It follows the flush loop
// in the teacher's internal/ingester/ingester.go, pulled out into a
// standalone, directly testable component instead of being inlined in the
// consumer loop. The Batcher runs no timer of its own: the caller asks
// ShouldFlush with the current time, and both triggers are checked there.
package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/arclight-data/candle-ingest/internal/model"
)

// Batcher accumulates Candles and poison offsets into a model.Batch. It is
// not safe for concurrent use — the Consumer Loop owns a single Batcher and
// drives it from one goroutine.
type Batcher struct {
	maxBatch int
	maxAge   time.Duration

	cur      *model.Batch
	openedAt time.Time
}

func New(maxBatch int, maxAge time.Duration) *Batcher {
	b := &Batcher{maxBatch: maxBatch, maxAge: maxAge}
	b.reset()
	return b
}

// SetMaxBatch updates the size trigger, applied from the Consumer Loop at
// the top of every iteration with the Adaptive Controller's current
// max_batch (spec.md §4.6 step 1). It does not retroactively flush an
// already-open batch that now exceeds the new cap; the next ShouldFlush
// call reports true for it.
func (b *Batcher) SetMaxBatch(n int) { b.maxBatch = n }

func (b *Batcher) reset() {
	b.cur = &model.Batch{
		ID:             uuid.NewString(),
		CoveredOffsets: make(map[int]int64),
		PoisonOffsets:  make(map[int][]int64),
	}
	b.openedAt = time.Time{}
}

// AddCandle appends a validated Candle to the open batch, advancing the
// covered offset for its partition.
func (b *Batcher) AddCandle(c model.Candle, partition int, offset int64, brokerTime time.Time, now time.Time) {
	b.touchOpen(now)
	b.cur.Candles = append(b.cur.Candles, c)
	b.advanceOffset(partition, offset)
	b.touchEarliest(brokerTime)
}

// AddPoison records a poison record's offset so it still advances the
// partition's committed offset without contributing a Candle, per spec.md
// §4.5 ("poison records still advance offsets").
func (b *Batcher) AddPoison(partition int, offset int64, brokerTime time.Time, now time.Time) {
	b.touchOpen(now)
	b.cur.PoisonOffsets[partition] = append(b.cur.PoisonOffsets[partition], offset)
	b.advanceOffset(partition, offset)
	b.touchEarliest(brokerTime)
}

func (b *Batcher) touchOpen(now time.Time) {
	if b.openedAt.IsZero() {
		b.openedAt = now
	}
}

func (b *Batcher) touchEarliest(brokerTime time.Time) {
	if b.cur.EarliestBrokerTime.IsZero() || brokerTime.Before(b.cur.EarliestBrokerTime) {
		b.cur.EarliestBrokerTime = brokerTime
	}
}

func (b *Batcher) advanceOffset(partition int, offset int64) {
	if cur, ok := b.cur.CoveredOffsets[partition]; !ok || offset > cur {
		b.cur.CoveredOffsets[partition] = offset
	}
}

// ShouldFlush reports whether the open batch has tripped its size or age
// trigger, whichever comes first.
func (b *Batcher) ShouldFlush(now time.Time) bool {
	if len(b.cur.Candles) >= b.maxBatch {
		return true
	}
	if !b.openedAt.IsZero() && now.Sub(b.openedAt) >= b.maxAge {
		return true
	}
	return false
}

// Seal closes the open batch and returns it, starting a fresh one. The
// returned Batch may be Empty() if nothing was ever added — callers must
// check before submitting to the Writer.
func (b *Batcher) Seal(now time.Time) *model.Batch {
	sealed := b.cur
	sealed.SealedAt = now
	b.reset()
	return sealed
}

// Drain forces emission of whatever is currently open, used on shutdown so
// a partial batch is never silently dropped.
func (b *Batcher) Drain(now time.Time) *model.Batch {
	return b.Seal(now)
}
