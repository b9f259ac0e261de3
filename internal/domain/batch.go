package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchState tracks a batch through its lifecycle.
type BatchState int

const (
	BatchOpen BatchState = iota + 1
	BatchSealed
	BatchFinalized
)

// SealReason records which threshold sealed a batch.
type SealReason string

const (
	SealBySize  SealReason = "size"
	SealByCount SealReason = "count"
	SealByAge   SealReason = "age"
	// SealByGap seals a batch early when the next offset is not contiguous,
	// so every batch still covers a gap-free range.
	SealByGap SealReason = "gap"
)

var (
	ErrBatchSealed      = errors.New("batch is sealed")
	ErrOffsetRegression = errors.New("offset regression")
)

// Batch is an ordered run of records from one partition awaiting export.
// Offsets within a batch are contiguous; Append enforces it.
type Batch struct {
	ID        uuid.UUID
	Partition int
	// Seq orders this partition's batches for commit sequencing. Assigned
	// when the batch seals, strictly increasing per partition per run.
	Seq        uint64
	Records    []Record
	Bytes      int
	MinOffset  int64
	MaxOffset  int64
	CreatedAt  time.Time
	SealedBy   SealReason
	state      BatchState
}

// NewBatch opens an empty batch for a partition. The identifier is a
// time-ordered UUIDv7 so artifact keys sort by creation time.
func NewBatch(partition int, now time.Time) *Batch {
	return &Batch{
		ID:        uuid.Must(uuid.NewV7()),
		Partition: partition,
		MinOffset: -1,
		MaxOffset: -1,
		CreatedAt: now,
		state:     BatchOpen,
	}
}

// Append adds a record to an open batch. Records must arrive in strictly
// increasing, contiguous offset order; a duplicate or backwards offset is
// an invariant violation, never a retry case.
func (b *Batch) Append(r Record) error {
	if b.state != BatchOpen {
		return ErrBatchSealed
	}
	if b.MaxOffset >= 0 {
		if r.Offset <= b.MaxOffset {
			return fmt.Errorf("%w: partition %d offset %d after %d", ErrOffsetRegression, r.Partition, r.Offset, b.MaxOffset)
		}
		if r.Offset != b.MaxOffset+1 {
			return fmt.Errorf("offset gap: partition %d offset %d after %d", r.Partition, r.Offset, b.MaxOffset)
		}
	} else {
		b.MinOffset = r.Offset
	}
	b.Records = append(b.Records, r)
	b.Bytes += r.Size()
	b.MaxOffset = r.Offset
	return nil
}

// Seal freezes the batch; no further appends are accepted.
func (b *Batch) Seal(reason SealReason) {
	if b.state == BatchOpen {
		b.state = BatchSealed
		b.SealedBy = reason
	}
}

// Finalize marks the batch's data durably exported and committed.
func (b *Batch) Finalize() {
	b.state = BatchFinalized
}

func (b *Batch) State() BatchState {
	return b.state
}

// Age reports how long the batch has been open.
func (b *Batch) Age(now time.Time) time.Duration {
	return now.Sub(b.CreatedAt)
}
