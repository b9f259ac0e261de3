// Package pipeline wires the consume, batch, encode, upload, and commit
// stages into one staged flow with backpressure between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/log-export-service/internal/config"
	"github.com/couchcryptid/log-export-service/internal/domain"
	"github.com/couchcryptid/log-export-service/internal/observability"
)

// RecordSource yields records from the broker in per-partition offset order.
type RecordSource interface {
	Fetch(ctx context.Context) (domain.Record, error)
}

// Encoder serializes a sealed batch into a spooled artifact. A nil artifact
// with nil error means every record was quarantined and there is nothing to
// upload, but the covered offsets still advance.
type Encoder interface {
	Encode(ctx context.Context, batch *domain.Batch) (*domain.Artifact, error)
}

// Status is the snapshot the health surface reads.
type Status struct {
	SourceConnected bool  `json:"source_connected"`
	OpenBatches     int   `json:"open_batches"`
	InflightBytes   int64 `json:"inflight_bytes"`
	ParkedBatches   int   `json:"parked_batches"`
}

// Pipeline orchestrates the export flow. Backpressure runs opposite to the
// data: a slow upload keeps batches unfinalized, which keeps the byte budget
// held, which suspends record intake.
type Pipeline struct {
	source    RecordSource
	offsets   OffsetStore
	encoder   Encoder
	acc       *Accumulator
	uploader  *Uploader
	committer *Committer
	budget    *byteBudget

	policy      Policy
	concurrency int
	maxAge      time.Duration
	spoolDir    string
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu        sync.Mutex
	connected bool
	parked    int
	ready     bool
}

// New assembles the pipeline from its ports and configuration.
func New(cfg *config.Config, source RecordSource, offsets OffsetStore, store ObjectStore, enc Encoder, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	policy := Policy{
		MaxAttempts: cfg.UploadMaxAttempts,
		Base:        cfg.UploadBackoffBase,
		Multiplier:  2,
		Cap:         cfg.UploadBackoffCap,
	}
	limits := BatchLimits{
		MaxBytes:   cfg.BatchMaxBytes,
		MaxRecords: cfg.BatchMaxRecords,
		MaxAge:     cfg.BatchMaxAge,
	}

	return &Pipeline{
		source:      source,
		offsets:     offsets,
		encoder:     enc,
		acc:         NewAccumulator(limits, clock),
		uploader:    NewUploader(store, policy, cfg.UploadAttemptTimeout, clock, logger, metrics),
		committer:   NewCommitter(offsets, logger, metrics),
		budget:      newByteBudget(cfg.InflightMaxBytes),
		policy:      policy,
		concurrency: cfg.UploadConcurrency,
		maxAge:      cfg.BatchMaxAge,
		spoolDir:    cfg.SpoolDir,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Ready reports whether spool recovery finished, the source is connected,
// and no batch is parked on exhausted upload retries.
func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready && p.connected && p.parked == 0
}

// Snapshot returns the current pipeline status for the health surface.
func (p *Pipeline) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		SourceConnected: p.connected,
		OpenBatches:     p.acc.OpenCount(),
		InflightBytes:   p.budget.Used(),
		ParkedBatches:   p.parked,
	}
}

// Run recovers spooled artifacts from a prior run, then drives the export
// loop until the context is cancelled. Invariant violations and unrecoverable
// I/O surface as an error; cancellation returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started")
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Finish what a prior process left behind before consuming anything,
	// so recovered offsets are committed ahead of the group resume.
	if err := p.recoverSpool(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("spool recovery: %w", err)
	}
	// Readiness does not wait for the first finalized batch, only for
	// recovery and source connection.
	p.setReady()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sealed := make(chan *domain.Batch, p.concurrency)
	errCh := make(chan error, p.concurrency+2)

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		p.fetchLoop(runCtx, sealed, errCh)
	}()
	go func() {
		defer producers.Done()
		p.tickLoop(runCtx, sealed)
	}()
	go func() {
		producers.Wait()
		close(sealed)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for batch := range sealed {
				if err := p.export(runCtx, batch); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-errCh:
		cancel()
	}

	workers.Wait()
	producers.Wait()

	// A failing worker cancels the run context itself, so both select cases
	// above can be ready at once. Prefer the error over the cancellation.
	if runErr == nil {
		select {
		case runErr = <-errCh:
		default:
		}
	}

	if runErr != nil {
		p.logger.Error("pipeline stopping on error", "error", runErr)
		return runErr
	}
	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	return nil
}

// fetchLoop pulls records, charges them against the byte budget, and feeds
// the accumulator. Transient broker errors back off with the shared policy;
// an invariant violation from the accumulator is fatal.
func (p *Pipeline) fetchLoop(ctx context.Context, sealed chan<- *domain.Batch, errCh chan<- error) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		rec, err := p.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.setConnected(false)
			attempt++
			p.logger.Error("fetch failed", "attempt", attempt, "error", err)
			if !sleepWithContext(ctx, p.clock, p.policy.Delay(attempt)) {
				return
			}
			continue
		}
		attempt = 0
		p.setConnected(true)
		p.metrics.RecordsConsumed.Inc()

		// Rebalance replay: anything at or below the committed watermark is
		// already durably exported.
		if committed := p.committer.Committed(rec.Partition); rec.Offset <= committed {
			p.logger.Warn("skipping replayed record below committed watermark",
				"partition", rec.Partition, "offset", rec.Offset, "committed", committed)
			continue
		}

		if err := p.budget.Acquire(ctx, int64(rec.Size())); err != nil {
			return
		}

		batches, discarded, err := p.acc.Append(rec)
		if err != nil {
			errCh <- fmt.Errorf("accumulate partition %d offset %d: %w", rec.Partition, rec.Offset, err)
			return
		}
		if discarded != nil {
			p.logger.Warn("open batch discarded on rebalance redelivery",
				"partition", discarded.Partition,
				"min_offset", discarded.MinOffset, "max_offset", discarded.MaxOffset)
			p.budget.Release(int64(discarded.Bytes))
		}
		p.metrics.InflightBytes.Set(float64(p.budget.Used()))
		p.metrics.OpenBatches.Set(float64(p.acc.OpenCount()))

		for _, b := range batches {
			select {
			case sealed <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

// tickLoop drives age-based sealing so a quiet partition still ships its
// batch once MaxAge passes.
func (p *Pipeline) tickLoop(ctx context.Context, sealed chan<- *domain.Batch) {
	if p.maxAge <= 0 {
		<-ctx.Done()
		return
	}

	interval := p.maxAge / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		for _, b := range p.acc.SealAged() {
			select {
			case sealed <- b:
			case <-ctx.Done():
				return
			}
		}
		p.metrics.OpenBatches.Set(float64(p.acc.OpenCount()))
	}
}

// export carries one sealed batch through encode, upload, and commit.
func (p *Pipeline) export(ctx context.Context, batch *domain.Batch) error {
	p.metrics.BatchesSealed.Inc()
	p.logger.Info("batch sealed",
		"partition", batch.Partition, "records", len(batch.Records), "bytes", batch.Bytes,
		"min_offset", batch.MinOffset, "max_offset", batch.MaxOffset, "reason", batch.SealedBy)

	art, err := p.encodeWithRetry(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if art != nil {
		if err := p.uploadUntilConfirmed(ctx, art); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	req := CommitRequest{
		Partition: batch.Partition,
		Seq:       batch.Seq,
		MaxOffset: batch.MaxOffset,
		Finalize:  p.finalizer(batch, art),
	}
	if err := p.commitWithRetry(ctx, req); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

func (p *Pipeline) encodeWithRetry(ctx context.Context, batch *domain.Batch) (*domain.Artifact, error) {
	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		art, err := p.encoder.Encode(ctx, batch)
		if err == nil {
			return art, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		p.logger.Error("encode failed", "partition", batch.Partition, "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, p.clock, p.policy.Delay(attempt)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("encode batch %s: %w", batch.ID, lastErr)
}

// uploadUntilConfirmed never gives up on a transient backlog: exhausted
// retry budgets park the batch and try again next cycle. Only a checksum
// conflict, an unexpected error, or shutdown ends the loop early.
func (p *Pipeline) uploadUntilConfirmed(ctx context.Context, art *domain.Artifact) error {
	for {
		err := p.uploader.Upload(ctx, art)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUploadExhausted) {
			return err
		}

		p.addParked(1)
		p.logger.Warn("upload parked until next cycle", "key", art.Key, "error", err)
		ok := sleepWithContext(ctx, p.clock, p.policy.Cap)
		p.addParked(-1)
		if !ok {
			return ctx.Err()
		}
	}
}

func (p *Pipeline) commitWithRetry(ctx context.Context, req CommitRequest) error {
	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		err := p.committer.Commit(ctx, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		p.logger.Error("commit failed", "partition", req.Partition, "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, p.clock, p.policy.Delay(attempt)) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("commit partition %d: %w", req.Partition, lastErr)
}

// finalizer releases everything a batch held once its offsets are durably
// committed: spool files, budget bytes, and the batch itself.
func (p *Pipeline) finalizer(batch *domain.Batch, art *domain.Artifact) func() {
	return func() {
		if art != nil {
			removeArtifactFiles(art.ManifestPath, art.LocalPath, p.logger)
		}
		p.budget.Release(int64(batch.Bytes))
		p.metrics.InflightBytes.Set(float64(p.budget.Used()))
		batch.Finalize()
	}
}

func (p *Pipeline) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

func (p *Pipeline) setReady() {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
}

func (p *Pipeline) addParked(delta int) {
	p.mu.Lock()
	p.parked += delta
	parked := p.parked
	p.mu.Unlock()
	p.metrics.ParkedBatches.Set(float64(parked))
}
