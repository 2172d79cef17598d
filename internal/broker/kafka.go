package broker

import (
	"context"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaReader adapts *kafka.Reader to the Reader interface. Auto-commit is
// disabled at construction (CommitInterval: 0 with GroupID set makes
// kafka-go commit only on explicit CommitMessages calls), matching
// spec.md §6 ("Auto-commit disabled; explicit commits only").
type KafkaReader struct {
	r *kafka.Reader
}

// Config holds the subset of spec.md §6's KAFKA_* keys the broker adapter
// needs directly; KAFKA_INITIAL_POLL_TIMEOUT and KAFKA_INITIAL_MAX_BATCH_SIZE
// live in the Adaptive Controller instead.
type Config struct {
	BootstrapServers []string
	Topic            string
	GroupID          string
}

func NewKafkaReader(cfg Config) *KafkaReader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.BootstrapServers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		CommitInterval: 0,
	})
	return &KafkaReader{r: r}
}

func (k *KafkaReader) FetchMessage(ctx context.Context) (Message, error) {
	m, err := k.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
		Value:     m.Value,
	}, nil
}

func (k *KafkaReader) CommitMessages(ctx context.Context, msgs ...Message) error {
	kmsgs := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		kmsgs[i] = kafka.Message{
			Partition: m.Partition,
			Offset:    m.Offset,
			Time:      m.Time,
			Value:     m.Value,
		}
	}
	return k.r.CommitMessages(ctx, kmsgs...)
}

func (k *KafkaReader) Close() error { return k.r.Close() }
