package kafka

import (
	"context"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/log-export-service/internal/config"
	"github.com/couchcryptid/log-export-service/internal/domain"
)

// Reader consumes records from the source topic as part of a consumer group.
// Offsets are never auto-committed: progress advances only through
// CommitOffset, after the committer confirms the covering artifact is
// durable. It implements pipeline.RecordSource and pipeline.OffsetStore.
type Reader struct {
	reader *kafkago.Reader
	topic  string
	logger *slog.Logger
}

// NewReader creates a Kafka consumer for the configured topic and group.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	startOffset := kafkago.FirstOffset
	if cfg.KafkaStartFrom == "latest" {
		startOffset = kafkago.LastOffset
	}

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic,
		GroupID:     cfg.KafkaGroupID,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10 MB
	})
	return &Reader{reader: r, topic: cfg.KafkaTopic, logger: logger}
}

// Fetch returns the next record without committing its offset. On group
// rebalance the underlying reader resumes each partition from its last
// committed offset.
func (r *Reader) Fetch(ctx context.Context) (domain.Record, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return domain.Record{}, err
	}
	return mapMessageToRecord(msg), nil
}

// CommitOffset durably marks the partition's records up to and including
// offset as processed.
func (r *Reader) CommitOffset(ctx context.Context, partition int, offset int64) error {
	return r.reader.CommitMessages(ctx, kafkago.Message{
		Topic:     r.topic,
		Partition: partition,
		Offset:    offset,
	})
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func mapMessageToRecord(msg kafkago.Message) domain.Record {
	return domain.Record{
		Key:       msg.Key,
		Payload:   msg.Value,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}
}
