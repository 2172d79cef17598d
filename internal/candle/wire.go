// Package candle decodes broker payloads into validated Candle records. It
// replaces exception-for-control-flow validation with an explicit
// Valid/Poison result: a record that fails validation never becomes a Go
// error, it becomes data the Batcher and Writer can account for.
package candle

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arclight-data/candle-ingest/internal/model"
)

// wireCandle is the JSON shape the broker delivers, per spec.md §6:
// symbol, interval, open_time, open, high, low, close, volume, trade_count.
// Numeric fields are decoded as strings-or-numbers into decimal.Decimal so
// that a price like "0.00001234" never round-trips through float64.
type wireCandle struct {
	Symbol     string       `json:"symbol"`
	Interval   string       `json:"interval"`
	OpenTime   string       `json:"open_time"`
	Open       decimalField `json:"open"`
	High       decimalField `json:"high"`
	Low        decimalField `json:"low"`
	Close      decimalField `json:"close"`
	Volume     decimalField `json:"volume"`
	TradeCount int          `json:"trade_count"`
}

// decimalField accepts either a JSON number or a JSON string for a decimal
// value, matching how exchange APIs in this domain inconsistently emit
// numeric fields (see internal/drivers/bitpin/ohlc.go in the reference
// fleet of exchange drivers, which has the same problem on the producer
// side).
type decimalField decimal.Decimal

func (d *decimalField) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		parsed, err := decimal.NewFromString(asString)
		if err != nil {
			return err
		}
		*d = decimalField(parsed)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(b, &asNumber); err != nil {
		return err
	}
	parsed, err := decimal.NewFromString(string(asNumber))
	if err != nil {
		return err
	}
	*d = decimalField(parsed)
	return nil
}

func (d decimalField) Decimal() decimal.Decimal {
	return decimal.Decimal(d)
}

func decodeWire(payload []byte) (wireCandle, error) {
	var w wireCandle
	if err := json.Unmarshal(payload, &w); err != nil {
		return wireCandle{}, err
	}
	return w, nil
}

func parseOpenTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}
