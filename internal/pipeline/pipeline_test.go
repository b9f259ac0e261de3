package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/log-export-service/internal/config"
	"github.com/couchcryptid/log-export-service/internal/domain"
	"github.com/couchcryptid/log-export-service/internal/encoder"
	"github.com/couchcryptid/log-export-service/internal/observability"
)

// scriptedSource feeds records pushed by the test and blocks otherwise.
type scriptedSource struct {
	ch chan domain.Record
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{ch: make(chan domain.Record, 64)}
}

func (s *scriptedSource) Fetch(ctx context.Context) (domain.Record, error) {
	select {
	case rec := <-s.ch:
		return rec, nil
	case <-ctx.Done():
		return domain.Record{}, ctx.Err()
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		KafkaTopic:           "action-log-v2",
		SpoolDir:             t.TempDir(),
		BlobPrefix:           "logs",
		BatchMaxBytes:        1 << 20,
		BatchMaxRecords:      2,
		BatchMaxAge:          0,
		UploadMaxAttempts:    3,
		UploadBackoffBase:    time.Millisecond,
		UploadBackoffCap:     5 * time.Millisecond,
		UploadAttemptTimeout: time.Second,
		UploadConcurrency:    2,
		InflightMaxBytes:     1 << 20,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, source RecordSource, offsets OffsetStore, store ObjectStore) *Pipeline {
	t.Helper()
	logger := slog.Default()
	metrics := observability.NewMetricsForTesting()
	enc := encoder.New(cfg, logger, metrics)
	return New(cfg, source, offsets, store, enc, clockwork.NewRealClock(), logger, metrics)
}

func payloadRecord(partition int, offset int64) domain.Record {
	return domain.Record{
		Key:       []byte("k"),
		Payload:   []byte(`{"app":"checkout","result":"OK"}`),
		Topic:     "action-log-v2",
		Partition: partition,
		Offset:    offset,
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestRun_ExportsAndCommitsInOrder(t *testing.T) {
	cfg := testConfig(t)
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	store := newFakeObjectStore()
	p := newTestPipeline(t, cfg, source, offsets, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for offset := int64(0); offset < 4; offset++ {
		source.ch <- payloadRecord(0, offset)
	}

	require.Eventually(t, func() bool {
		return len(offsets.committed()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []commit{{0, 1}, {0, 3}}, offsets.committed())

	store.mu.Lock()
	assert.Equal(t, 2, store.puts)
	store.mu.Unlock()

	// Finalized batches leave nothing behind in the spool.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(cfg.SpoolDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, p.Ready())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_PartitionsExportIndependently(t *testing.T) {
	cfg := testConfig(t)
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	store := newFakeObjectStore()
	p := newTestPipeline(t, cfg, source, offsets, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	source.ch <- payloadRecord(0, 0)
	source.ch <- payloadRecord(1, 100)
	source.ch <- payloadRecord(1, 101)
	source.ch <- payloadRecord(0, 1)

	require.Eventually(t, func() bool {
		return len(offsets.committed()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	byPartition := map[int]int64{}
	for _, c := range offsets.committed() {
		byPartition[c.partition] = c.offset
	}
	assert.Equal(t, map[int]int64{0: 1, 1: 101}, byPartition)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_RebalanceRedeliveryRebuildsOpenBatch(t *testing.T) {
	// A replayed offset below the open batch's high end means the broker
	// resumed the partition after a rebalance. The uncommitted open batch
	// is discarded, its budget bytes released, and the batch rebuilds from
	// the replayed stream.
	cfg := testConfig(t)
	cfg.BatchMaxRecords = 3
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	store := newFakeObjectStore()
	p := newTestPipeline(t, cfg, source, offsets, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	source.ch <- payloadRecord(0, 0)
	source.ch <- payloadRecord(0, 1)
	// Rebalance: the partition replays from the start.
	source.ch <- payloadRecord(0, 0)
	source.ch <- payloadRecord(0, 1)
	source.ch <- payloadRecord(0, 2)

	require.Eventually(t, func() bool {
		return len(offsets.committed()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []commit{{0, 2}}, offsets.committed())
	store.mu.Lock()
	assert.Equal(t, 1, store.puts)
	store.mu.Unlock()

	// The discarded batch's bytes were released along with the finalized one.
	require.Eventually(t, func() bool {
		return p.budget.Used() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ReplayBelowWatermarkIsSkipped(t *testing.T) {
	// Records at or below the committed watermark are already durably
	// exported; a rebalance replay of them must not produce a second
	// artifact or commit.
	cfg := testConfig(t)
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	store := newFakeObjectStore()
	p := newTestPipeline(t, cfg, source, offsets, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	source.ch <- payloadRecord(0, 0)
	source.ch <- payloadRecord(0, 1)
	require.Eventually(t, func() bool {
		return p.committer.Committed(0) == 1
	}, 5*time.Second, 10*time.Millisecond)

	source.ch <- payloadRecord(0, 0)
	source.ch <- payloadRecord(0, 1)
	source.ch <- payloadRecord(0, 2)
	source.ch <- payloadRecord(0, 3)

	require.Eventually(t, func() bool {
		return len(offsets.committed()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []commit{{0, 1}, {0, 3}}, offsets.committed())
	store.mu.Lock()
	assert.Equal(t, 2, store.puts)
	store.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

// failingEncoder reports an unrecoverable encode error for every batch.
type failingEncoder struct{}

func (failingEncoder) Encode(context.Context, *domain.Batch) (*domain.Artifact, error) {
	return nil, errors.New("disk full")
}

func TestRun_WorkerErrorAlwaysSurfaces(t *testing.T) {
	// The failing worker cancels the run itself, so shutdown and the error
	// race; the error must win every time or the process exits 0 on an
	// unrecoverable failure.
	for i := 0; i < 8; i++ {
		cfg := testConfig(t)
		source := newScriptedSource()
		logger := slog.Default()
		metrics := observability.NewMetricsForTesting()
		p := New(cfg, source, &fakeOffsetStore{}, newFakeObjectStore(), failingEncoder{},
			clockwork.NewRealClock(), logger, metrics)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- p.Run(ctx) }()

		source.ch <- payloadRecord(0, 0)
		source.ch <- payloadRecord(0, 1)

		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "disk full")
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop on worker error")
		}
		cancel()
	}
}

func TestRun_ReadyBeforeFirstFinalizedBatch(t *testing.T) {
	// An idle-but-connected deployment reports ready once recovery is done,
	// without waiting for a batch to finalize.
	cfg := testConfig(t)
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	p := newTestPipeline(t, cfg, source, offsets, newFakeObjectStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// One record connects the source but does not seal a batch.
	source.ch <- payloadRecord(0, 0)

	require.Eventually(t, p.Ready, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, offsets.committed())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_QuarantinedBatchStillCommits(t *testing.T) {
	cfg := testConfig(t)
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	store := newFakeObjectStore()
	p := newTestPipeline(t, cfg, source, offsets, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Both records are poison: the batch produces no artifact, but its
	// offsets still advance.
	poison := payloadRecord(0, 0)
	poison.Payload = []byte("not json")
	source.ch <- poison
	poison2 := payloadRecord(0, 1)
	poison2.Payload = []byte("also not json")
	source.ch <- poison2

	require.Eventually(t, func() bool {
		return len(offsets.committed()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []commit{{0, 1}}, offsets.committed())
	store.mu.Lock()
	assert.Equal(t, 0, store.puts)
	store.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestSnapshot(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, newScriptedSource(), &fakeOffsetStore{}, newFakeObjectStore())

	status := p.Snapshot()
	assert.False(t, status.SourceConnected)
	assert.Zero(t, status.OpenBatches)
	assert.Zero(t, status.InflightBytes)
	assert.Zero(t, status.ParkedBatches)
	assert.False(t, p.Ready())
}

func TestRun_UploadRetryDoesNotLoseBatch(t *testing.T) {
	cfg := testConfig(t)
	source := newScriptedSource()
	offsets := &fakeOffsetStore{}
	store := newFakeObjectStore()
	store.putFails = 2 // first two attempts fail, then succeed
	p := newTestPipeline(t, cfg, source, offsets, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	source.ch <- payloadRecord(0, 0)
	source.ch <- payloadRecord(0, 1)

	require.Eventually(t, func() bool {
		return len(offsets.committed()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []commit{{0, 1}}, offsets.committed())

	cancel()
	require.NoError(t, <-done)
}
