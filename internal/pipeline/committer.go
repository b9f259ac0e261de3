package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/log-export-service/internal/observability"
)

// OffsetStore durably advances consumer progress for one partition. The
// kafka adapter implements it; commits must only happen after the covering
// artifact's upload is confirmed.
type OffsetStore interface {
	CommitOffset(ctx context.Context, partition int, offset int64) error
}

// CommitRequest asks the committer to advance one partition's offset once
// every earlier batch of that partition has committed. Finalize runs after
// the commit is durable, on the goroutine that completed it.
type CommitRequest struct {
	Partition int
	Seq       uint64
	MaxOffset int64
	Finalize  func()
}

// Committer advances per-partition committed offsets strictly in seal order.
// Uploads may finish out of order across batches; a later batch's commit is
// parked until its predecessor commits. State is keyed per partition so
// partitions never contend on one lock.
type Committer struct {
	store   OffsetStore
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	cells map[int]*partitionCell
}

type partitionCell struct {
	mu        sync.Mutex
	nextSeq   uint64
	committed int64
	pending   map[uint64]CommitRequest
}

func NewCommitter(store OffsetStore, logger *slog.Logger, metrics *observability.Metrics) *Committer {
	return &Committer{
		store:   store,
		logger:  logger,
		metrics: metrics,
		cells:   make(map[int]*partitionCell),
	}
}

// Commit applies the request if it is the partition's next batch in seal
// order, then drains any parked successors that became eligible. Out-of-order
// requests are parked and applied later; parking is not an error. Every call
// runs the drain, so a parked request whose apply failed transiently is
// picked up again by whichever retry reaches this partition next.
func (c *Committer) Commit(ctx context.Context, req CommitRequest) error {
	cell := c.cell(req.Partition)
	cell.mu.Lock()
	defer cell.mu.Unlock()

	switch {
	case req.Seq > cell.nextSeq:
		cell.pending[req.Seq] = req
		c.logger.Debug("commit parked awaiting predecessor",
			"partition", req.Partition, "seq", req.Seq, "next_seq", cell.nextSeq)
		return nil
	case req.Seq == cell.nextSeq:
		if err := c.apply(ctx, cell, req); err != nil {
			return err
		}
	default:
		// Already committed; retried calls after a failure while draining
		// successors land here and fall through to finish the drain.
	}

	return c.drain(ctx, cell)
}

func (c *Committer) drain(ctx context.Context, cell *partitionCell) error {
	for {
		next, ok := cell.pending[cell.nextSeq]
		if !ok {
			return nil
		}
		if err := c.apply(ctx, cell, next); err != nil {
			return err
		}
		delete(cell.pending, next.Seq)
	}
}

// Committed reports the highest offset committed for a partition this run,
// or -1 when none has been.
func (c *Committer) Committed(partition int) int64 {
	cell := c.cell(partition)
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.committed
}

func (c *Committer) apply(ctx context.Context, cell *partitionCell, req CommitRequest) error {
	if cell.committed >= 0 && req.MaxOffset <= cell.committed {
		// A batch rebuilt from rebalance redelivery can cover offsets an
		// earlier in-flight batch already committed. The data is durable;
		// release the batch without moving the watermark backwards.
		c.logger.Warn("stale commit skipped",
			"partition", req.Partition, "offset", req.MaxOffset, "committed", cell.committed, "seq", req.Seq)
		cell.nextSeq = req.Seq + 1
		if req.Finalize != nil {
			req.Finalize()
		}
		return nil
	}

	if err := c.store.CommitOffset(ctx, req.Partition, req.MaxOffset); err != nil {
		return fmt.Errorf("commit partition %d offset %d: %w", req.Partition, req.MaxOffset, err)
	}

	cell.committed = req.MaxOffset
	cell.nextSeq = req.Seq + 1
	c.metrics.OffsetsCommitted.Inc()
	c.logger.Info("offset committed", "partition", req.Partition, "offset", req.MaxOffset, "seq", req.Seq)

	if req.Finalize != nil {
		req.Finalize()
	}
	return nil
}

func (c *Committer) cell(partition int) *partitionCell {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[partition]
	if !ok {
		cell = &partitionCell{committed: -1, pending: make(map[uint64]CommitRequest)}
		c.cells[partition] = cell
	}
	return cell
}
