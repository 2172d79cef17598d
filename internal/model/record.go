// Package model holds the data types shared across the ingestion pipeline:
// the raw Record delivered by the broker, the validated Candle derived from
// it, the sealed Batch a group of Candles becomes, and the CommitToken a
// successful write produces.
package model

import "time"

// Record is a single message delivered by the broker, still in its raw
// wire form. It is destroyed once the Batch containing it is acknowledged.
type Record struct {
	Partition  int
	Offset     int64
	BrokerTime time.Time
	Payload    []byte
}
