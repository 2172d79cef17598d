package candle

import (
	"fmt"
	"time"

	"github.com/arclight-data/candle-ingest/internal/model"
)

// Reason is why a record was rejected as poison.
type Reason string

const (
	ReasonDecodeError      Reason = "decode_error"
	ReasonMissingKey       Reason = "missing_key"
	ReasonInvalidOpenTime  Reason = "invalid_open_time"
	ReasonRangeViolation   Reason = "range_violation"
	ReasonNegativeField    Reason = "negative_field"
)

// Outcome is the result of validating one Record: either a Candle, or a
// Poison marker carrying the reason and the offset it was discarded from.
// There is deliberately no error return here — a single bad record is a
// data-path outcome, not a failure of the validation operation itself.
type Outcome struct {
	Candle *model.Candle
	Poison *PoisonInfo
}

type PoisonInfo struct {
	Reason    Reason
	Partition int
	Offset    int64
	Detail    string
}

func valid(c model.Candle) Outcome {
	return Outcome{Candle: &c}
}

func poison(rec model.Record, reason Reason, detail string) Outcome {
	return Outcome{Poison: &PoisonInfo{
		Reason:    reason,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Detail:    detail,
	}}
}

// Validate decodes and validates a single Record, returning either the
// Candle it produced or the reason it was rejected. Validation rules, per
// spec.md §4.5 step 1:
//   - non-null key fields (symbol, interval, open_time)
//   - numerically parseable OHLCV values
//   - open/high/low/close mutually consistent: low <= open,close <= high,
//     low <= high
//   - no negative OHLCV field
func Validate(rec model.Record, now time.Time) Outcome {
	w, err := decodeWire(rec.Payload)
	if err != nil {
		return poison(rec, ReasonDecodeError, err.Error())
	}

	if w.Symbol == "" || w.Interval == "" || w.OpenTime == "" {
		return poison(rec, ReasonMissingKey, "symbol, interval, and open_time are required")
	}

	openTime, err := parseOpenTime(w.OpenTime)
	if err != nil {
		return poison(rec, ReasonInvalidOpenTime, fmt.Sprintf("open_time %q: %v", w.OpenTime, err))
	}

	open, high, low, close, volume := w.Open.Decimal(), w.High.Decimal(), w.Low.Decimal(), w.Close.Decimal(), w.Volume.Decimal()

	if open.Sign() < 0 || high.Sign() < 0 || low.Sign() < 0 || close.Sign() < 0 || volume.Sign() < 0 {
		return poison(rec, ReasonNegativeField, "open, high, low, close, and volume must be non-negative")
	}

	if low.GreaterThan(high) {
		return poison(rec, ReasonRangeViolation, "low > high")
	}
	if open.LessThan(low) || open.GreaterThan(high) {
		return poison(rec, ReasonRangeViolation, "open outside [low, high]")
	}
	if close.LessThan(low) || close.GreaterThan(high) {
		return poison(rec, ReasonRangeViolation, "close outside [low, high]")
	}

	return valid(model.Candle{
		Symbol:          w.Symbol,
		Interval:        w.Interval,
		OpenTime:        openTime,
		Open:            open,
		High:            high,
		Low:             low,
		Close:           close,
		Volume:          volume,
		TradeCount:      w.TradeCount,
		IngestTime:      now,
		SourcePartition: rec.Partition,
		SourceOffset:    rec.Offset,
	})
}
