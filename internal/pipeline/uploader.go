package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/log-export-service/internal/domain"
	"github.com/couchcryptid/log-export-service/internal/observability"
)

// ObjectStore is the port to the object-store target. Put must be safe to
// repeat for the same key and contents; Stat supports the idempotency
// pre-check on retry.
type ObjectStore interface {
	// Stat reports whether the key exists and, if so, the stored checksum.
	Stat(ctx context.Context, key string) (checksum string, exists bool, err error)
	// Put uploads the local file under the key, recording its checksum.
	Put(ctx context.Context, key, localPath, checksum string) error
}

var (
	// ErrArtifactConflict means the key already holds different content.
	// That is a logic defect, not an environmental condition: abort rather
	// than risk silent corruption.
	ErrArtifactConflict = errors.New("artifact key exists with mismatched checksum")
	// ErrUploadExhausted means every attempt failed transiently; the batch
	// is parked, never discarded, and retried on the next cycle.
	ErrUploadExhausted = errors.New("upload attempts exhausted")
)

// Uploader transmits encoded artifacts to the object store, absorbing
// transient failures with the shared backoff policy. A blob that already
// exists with a matching checksum is success; offsets are never committed
// for an artifact this component has not confirmed.
type Uploader struct {
	store          ObjectStore
	policy         Policy
	attemptTimeout time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *observability.Metrics
}

func NewUploader(store ObjectStore, policy Policy, attemptTimeout time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Uploader {
	return &Uploader{
		store:          store,
		policy:         policy,
		attemptTimeout: attemptTimeout,
		clock:          clock,
		logger:         logger,
		metrics:        metrics,
	}
}

// Upload confirms the artifact in the object store or reports why it could
// not. ErrArtifactConflict is fatal; ErrUploadExhausted parks the artifact
// for a later cycle; context errors mean shutdown, the idempotent key makes
// an abandoned attempt safe to redo on restart.
func (u *Uploader) Upload(ctx context.Context, art *domain.Artifact) error {
	start := u.clock.Now()

	var lastErr error
	for attempt := 1; attempt <= u.policy.MaxAttempts; attempt++ {
		err := u.attempt(ctx, art)
		if err == nil {
			u.metrics.ArtifactsUploaded.Inc()
			u.metrics.UploadDuration.Observe(u.clock.Since(start).Seconds())
			return nil
		}
		if errors.Is(err, ErrArtifactConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		u.metrics.UploadRetries.Inc()
		u.logger.Warn("upload attempt failed",
			"key", art.Key, "attempt", attempt, "max_attempts", u.policy.MaxAttempts, "error", err)

		if attempt < u.policy.MaxAttempts && !sleepWithContext(ctx, u.clock, u.policy.Delay(attempt)) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: key %s: %v", ErrUploadExhausted, art.Key, lastErr)
}

func (u *Uploader) attempt(ctx context.Context, art *domain.Artifact) error {
	attemptCtx, cancel := context.WithTimeout(ctx, u.attemptTimeout)
	defer cancel()

	checksum, exists, err := u.store.Stat(attemptCtx, art.Key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", art.Key, err)
	}
	if exists {
		if checksum == art.Checksum {
			u.logger.Info("artifact already uploaded", "key", art.Key)
			return nil
		}
		return fmt.Errorf("%w: key %s has %s, expected %s", ErrArtifactConflict, art.Key, checksum, art.Checksum)
	}

	if err := u.store.Put(attemptCtx, art.Key, art.LocalPath, art.Checksum); err != nil {
		return fmt.Errorf("put %s: %w", art.Key, err)
	}
	return nil
}
