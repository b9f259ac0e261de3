package domain

import "time"

// Record is a single message read from the source topic. The payload is
// opaque to the pipeline; only the broker metadata is interpreted.
type Record struct {
	Key       []byte
	Payload   []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// Size returns the bytes this record counts against the in-flight budget.
func (r Record) Size() int {
	return len(r.Key) + len(r.Payload)
}
