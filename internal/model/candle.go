package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV record for one symbol/interval/open_time, derived from
// a Record's payload after validation. It is destroyed once its containing
// Batch has been upserted successfully.
type Candle struct {
	Symbol     string
	Interval   string
	OpenTime   time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount int
	IngestTime time.Time

	// SourceOffset and SourcePartition identify the Record this Candle was
	// derived from. The Batcher does not read them; it takes the partition
	// and offset as separate arguments.
	SourcePartition int
	SourceOffset    int64
}

// Key identifies a Candle's row in the time-series store: (symbol, interval,
// open_time) is the upsert conflict target.
type Key struct {
	Symbol   string
	Interval string
	OpenTime time.Time
}

func (c Candle) Key() Key {
	return Key{Symbol: c.Symbol, Interval: c.Interval, OpenTime: c.OpenTime}
}
