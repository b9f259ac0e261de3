package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestMapMessageToRecord(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("key-1"),
		Value:     []byte(`{"id":"log-1"}`),
		Topic:     "action-log-v2",
		Partition: 2,
		Offset:    42,
		Time:      now,
	}

	rec := mapMessageToRecord(msg)

	assert.Equal(t, []byte("key-1"), rec.Key)
	assert.Equal(t, []byte(`{"id":"log-1"}`), rec.Payload)
	assert.Equal(t, "action-log-v2", rec.Topic)
	assert.Equal(t, 2, rec.Partition)
	assert.Equal(t, int64(42), rec.Offset)
	assert.Equal(t, now, rec.Timestamp)
}
