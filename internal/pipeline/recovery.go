package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/couchcryptid/log-export-service/internal/domain"
)

// recoverSpool completes artifacts a prior run left encoded but not yet
// committed: re-upload (a blob that already exists with the right checksum
// is a no-op), commit the covered offsets, and remove the spool files. It
// runs before the consumer starts, so the group resumes past the recovered
// offsets and never re-consumes them.
//
// Spool file discipline: a manifest is written only after its parquet file
// is complete, and removed before it. A parquet file without a manifest is
// therefore either a torn encode or an already-committed leftover; in both
// cases the offsets it would cover are consistent without it, so it is
// deleted.
func (p *Pipeline) recoverSpool(ctx context.Context) error {
	manifests, err := filepath.Glob(filepath.Join(p.spoolDir, "*.manifest"))
	if err != nil {
		return fmt.Errorf("scan spool dir: %w", err)
	}

	var pending []domain.Manifest
	paths := make(map[string]string, len(manifests))
	for _, manifestPath := range manifests {
		m, err := domain.ReadManifest(manifestPath)
		if err != nil {
			return err
		}
		localPath := strings.TrimSuffix(manifestPath, ".manifest")
		if _, err := os.Stat(localPath); err != nil {
			return fmt.Errorf("spooled artifact missing for manifest %s: %w", manifestPath, err)
		}
		pending = append(pending, m)
		paths[m.Key] = localPath
	}

	// Per-partition commit order must hold during recovery too.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Partition != pending[j].Partition {
			return pending[i].Partition < pending[j].Partition
		}
		return pending[i].MinOffset < pending[j].MinOffset
	})

	for _, m := range pending {
		localPath := paths[m.Key]
		art := &domain.Artifact{
			BatchID:      m.BatchID,
			Key:          m.Key,
			LocalPath:    localPath,
			ManifestPath: localPath + ".manifest",
			Partition:    m.Partition,
			MinOffset:    m.MinOffset,
			MaxOffset:    m.MaxOffset,
			RecordCount:  m.RecordCount,
			SizeBytes:    m.SizeBytes,
			Checksum:     m.Checksum,
		}

		p.logger.Info("recovering spooled artifact",
			"key", art.Key, "partition", art.Partition,
			"min_offset", art.MinOffset, "max_offset", art.MaxOffset)

		if err := p.uploadUntilConfirmed(ctx, art); err != nil {
			return err
		}
		if err := p.commitRecovered(ctx, art); err != nil {
			return err
		}
		removeArtifactFiles(art.ManifestPath, art.LocalPath, p.logger)
	}

	if err := p.removeOrphans(manifests); err != nil {
		return err
	}
	return nil
}

// commitRecovered advances the offset for a recovered artifact directly:
// sequencing is already established by the sorted scan, and the committer's
// per-run sequence numbers do not apply across restarts.
func (p *Pipeline) commitRecovered(ctx context.Context, art *domain.Artifact) error {
	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		err := p.offsets.CommitOffset(ctx, art.Partition, art.MaxOffset)
		if err == nil {
			p.metrics.OffsetsCommitted.Inc()
			p.logger.Info("recovered offset committed", "partition", art.Partition, "offset", art.MaxOffset)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		p.logger.Error("recovery commit failed", "partition", art.Partition, "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, p.clock, p.policy.Delay(attempt)) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("recovery commit partition %d: %w", art.Partition, lastErr)
}

func (p *Pipeline) removeOrphans(manifests []string) error {
	files, err := filepath.Glob(filepath.Join(p.spoolDir, "*.parquet"))
	if err != nil {
		return fmt.Errorf("scan spool dir: %w", err)
	}

	known := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		known[strings.TrimSuffix(m, ".manifest")] = true
	}

	for _, f := range files {
		if known[f] {
			continue
		}
		p.logger.Warn("removing orphaned spool file", "path", f)
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("remove orphan %s: %w", f, err)
		}
	}
	return nil
}

func removeArtifactFiles(manifestPath, localPath string, logger *slog.Logger) {
	// Manifest first: its absence marks the artifact as fully committed.
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove manifest failed", "path", manifestPath, "error", err)
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove artifact failed", "path", localPath, "error", err)
	}
}
