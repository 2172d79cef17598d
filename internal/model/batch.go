package model

import "time"

// Batch is an ordered sequence of Candles sealed together by the Batcher,
// along with the broker offsets it covers and poison records discovered
// along the way. It is destroyed once the Writer commits it successfully.
type Batch struct {
	// ID correlates a Batch across Batcher, Writer, and Consumer Loop logs
	// and metrics.
	ID string

	Candles []Candle

	// CoveredOffsets is the highest offset seen per partition, including
	// offsets that were discarded as poison — poison records still advance
	// offsets (spec: "a batch of only poison records still emits an empty
	// CommitToken advancing offsets").
	CoveredOffsets map[int]int64

	// PoisonOffsets lists, per partition, the offsets of records that
	// failed validation and were excluded from Candles.
	PoisonOffsets map[int][]int64

	EarliestBrokerTime time.Time
	SealedAt           time.Time
}

// Empty reports whether the Batch carries no Candles and covers no offsets
// — i.e. nothing was ever added between creation and seal. drain() may
// legitimately seal an empty Batcher; the caller checks this before
// submitting to the Writer.
func (b *Batch) Empty() bool {
	if b == nil {
		return true
	}
	return len(b.Candles) == 0 && len(b.CoveredOffsets) == 0
}

// CommitToken is the {partition -> offset} map that became durable. Emitted
// once by the Writer on success, consumed once by the Consumer Loop.
type CommitToken struct {
	BatchID string
	Offsets map[int]int64
}
