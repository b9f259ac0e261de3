package pipeline

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/log-export-service/internal/domain"
)

// BatchLimits are the thresholds that seal an open batch. Checks run in a
// fixed priority order on every append and on the age tick: size, then
// count, then age. Zero disables a threshold.
type BatchLimits struct {
	MaxBytes   int
	MaxRecords int
	MaxAge     time.Duration
}

// Accumulator groups incoming records into one open batch per partition.
// It is the pipeline's central state machine: batches move
// Empty -> Open -> Sealed here, and are handed back to the orchestrator the
// moment they seal. Partitions never share a batch.
type Accumulator struct {
	limits BatchLimits
	clock  clockwork.Clock

	mu   sync.Mutex
	open map[int]*domain.Batch
	seq  map[int]uint64
}

func NewAccumulator(limits BatchLimits, clock clockwork.Clock) *Accumulator {
	return &Accumulator{
		limits: limits,
		clock:  clock,
		open:   make(map[int]*domain.Batch),
		seq:    make(map[int]uint64),
	}
}

// Append folds a record into its partition's open batch, opening one if
// needed, and returns any batches sealed as a consequence. A non-contiguous
// forward offset seals the current batch first so covered ranges stay
// gap-free. A backwards or duplicate offset means the broker replayed the
// partition after a group rebalance: the open batch's offsets were never
// committed, so it is discarded and returned for the caller to release, and
// a fresh batch rebuilds from the replayed stream.
func (a *Accumulator) Append(r domain.Record) (sealed []*domain.Batch, discarded *domain.Batch, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.open[r.Partition]
	if b != nil && r.Offset != b.MaxOffset+1 {
		if r.Offset <= b.MaxOffset {
			discarded = b
			delete(a.open, r.Partition)
		} else {
			sealed = append(sealed, a.seal(b, domain.SealByGap))
		}
		b = nil
	}

	if b == nil {
		b = domain.NewBatch(r.Partition, a.clock.Now())
		a.open[r.Partition] = b
	}

	if err := b.Append(r); err != nil {
		return nil, discarded, err
	}

	if reason, ok := a.dueToSeal(b); ok {
		sealed = append(sealed, a.seal(b, reason))
	}

	return sealed, discarded, nil
}

// SealAged seals every open batch whose age reached MaxAge. The orchestrator
// calls this on a timer tick so age-based sealing happens even when no new
// records arrive.
func (a *Accumulator) SealAged() []*domain.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limits.MaxAge <= 0 {
		return nil
	}

	now := a.clock.Now()
	var sealed []*domain.Batch
	for _, b := range a.open {
		if b.Age(now) >= a.limits.MaxAge {
			sealed = append(sealed, a.seal(b, domain.SealByAge))
		}
	}
	return sealed
}

// OpenCount reports the number of batches currently accepting records.
func (a *Accumulator) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

func (a *Accumulator) dueToSeal(b *domain.Batch) (domain.SealReason, bool) {
	if a.limits.MaxBytes > 0 && b.Bytes >= a.limits.MaxBytes {
		return domain.SealBySize, true
	}
	if a.limits.MaxRecords > 0 && len(b.Records) >= a.limits.MaxRecords {
		return domain.SealByCount, true
	}
	if a.limits.MaxAge > 0 && b.Age(a.clock.Now()) >= a.limits.MaxAge {
		return domain.SealByAge, true
	}
	return "", false
}

// seal assigns the batch its commit sequence number and freezes it. Minting
// the sequence at seal time means a batch discarded while still open never
// consumes one, so the committer's per-partition ordering has no holes.
func (a *Accumulator) seal(b *domain.Batch, reason domain.SealReason) *domain.Batch {
	b.Seq = a.nextSeq(b.Partition)
	b.Seal(reason)
	delete(a.open, b.Partition)
	return b
}

func (a *Accumulator) nextSeq(partition int) uint64 {
	seq := a.seq[partition]
	a.seq[partition] = seq + 1
	return seq
}
