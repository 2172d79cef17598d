// Package broker wraps the message-broker client behind a small interface
// so the Consumer Loop can be driven by a fake in tests. The real adapter,
// in kafka.go, follows internal/consumer/consumer.go and
// internal/ingester/ingester.go (teacher): kafka.Reader, FetchMessage,
// CommitMessages, auto-commit disabled.
package broker

import (
	"context"
	"time"

	"github.com/arclight-data/candle-ingest/internal/model"
)

// Message is one broker delivery, opaque beyond what the Consumer Loop
// needs to turn it into a model.Record and later commit it.
type Message struct {
	Partition int
	Offset    int64
	Time      time.Time
	Value     []byte
}

// Reader is the inbound half of the broker contract from spec.md §6: binary
// payloads, per-partition monotonic offsets, explicit commits only.
type Reader interface {
	// FetchMessage blocks until a message is available, ctx is done, or the
	// poll_timeout embedded in ctx's deadline elapses.
	FetchMessage(ctx context.Context) (Message, error)
	// CommitMessages durably advances the consumer group's position past
	// every message passed in.
	CommitMessages(ctx context.Context, msgs ...Message) error
	Close() error
}

// ToRecord converts a broker Message into the Record type the Batcher and
// Candle validator operate on.
func ToRecord(m Message) model.Record {
	return model.Record{
		Partition:  m.Partition,
		Offset:     m.Offset,
		BrokerTime: m.Time,
		Payload:    m.Value,
	}
}
