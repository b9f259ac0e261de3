// Package encoder turns sealed batches into parquet artifacts in the local
// spool directory. Output for a given batch is deterministic, so a retried
// encode after a crash is safe to redo and re-upload under the same key.
package encoder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/couchcryptid/log-export-service/internal/config"
	"github.com/couchcryptid/log-export-service/internal/domain"
	"github.com/couchcryptid/log-export-service/internal/observability"
)

// schema is columnar but shallow: the payload stays opaque except for the
// app tag, which is lifted into its own column for partition pruning
// downstream. No semantic log parsing happens here.
var schema = arrow.NewSchema([]arrow.Field{
	{Name: "partition", Type: arrow.PrimitiveTypes.Int64},
	{Name: "offset", Type: arrow.PrimitiveTypes.Int64},
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "key", Type: arrow.BinaryTypes.Binary, Nullable: true},
	{Name: "app", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

// ParquetEncoder writes one artifact per sealed batch. Records whose payload
// is not a JSON document are quarantined: logged, counted, and skipped, so a
// single poison record never blocks the rest of its batch.
type ParquetEncoder struct {
	spoolDir string
	prefix   string
	topic    string
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func New(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *ParquetEncoder {
	return &ParquetEncoder{
		spoolDir: cfg.SpoolDir,
		prefix:   cfg.BlobPrefix,
		topic:    cfg.KafkaTopic,
		logger:   logger,
		metrics:  metrics,
	}
}

// Encode serializes a sealed batch to a spooled parquet file plus its
// manifest sidecar. It returns nil when every record was quarantined; the
// caller still commits the covered offsets, there is just nothing to upload.
func (e *ParquetEncoder) Encode(ctx context.Context, batch *domain.Batch) (*domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	if err := os.MkdirAll(e.spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	rows := int64(0)
	for _, r := range batch.Records {
		if !encodable(r.Payload) {
			e.metrics.RecordsQuarantined.Inc()
			e.logger.Warn("record quarantined",
				"partition", r.Partition, "offset", r.Offset, "bytes", len(r.Payload))
			continue
		}
		builder.Field(0).(*array.Int64Builder).Append(int64(r.Partition))
		builder.Field(1).(*array.Int64Builder).Append(r.Offset)
		builder.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(r.Timestamp.UnixMilli()))
		if r.Key == nil {
			builder.Field(3).(*array.BinaryBuilder).AppendNull()
		} else {
			builder.Field(3).(*array.BinaryBuilder).Append(r.Key)
		}
		if app := topLevelString(r.Payload, "app"); app != "" {
			builder.Field(4).(*array.StringBuilder).Append(app)
		} else {
			builder.Field(4).(*array.StringBuilder).AppendNull()
		}
		builder.Field(5).(*array.BinaryBuilder).Append(r.Payload)
		rows++
	}

	if rows == 0 {
		e.logger.Warn("batch fully quarantined, no artifact produced",
			"partition", batch.Partition, "min_offset", batch.MinOffset, "max_offset", batch.MaxOffset)
		return nil, nil
	}

	art := &domain.Artifact{
		BatchID:     batch.ID,
		Key:         e.key(batch),
		Partition:   batch.Partition,
		Seq:         batch.Seq,
		MinOffset:   batch.MinOffset,
		MaxOffset:   batch.MaxOffset,
		RecordCount: rows,
	}
	art.LocalPath = filepath.Join(e.spoolDir,
		fmt.Sprintf("p%d-%d-%d-%s.parquet", batch.Partition, batch.MinOffset, batch.MaxOffset, batch.ID))
	art.ManifestPath = art.LocalPath + ".manifest"

	if err := e.writeFile(art.LocalPath, builder); err != nil {
		return nil, err
	}

	info, err := os.Stat(art.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	art.SizeBytes = info.Size()

	art.Checksum, err = fileChecksum(art.LocalPath)
	if err != nil {
		return nil, err
	}

	// Manifest last: recovery trusts a manifest to mean the parquet file
	// beside it is complete.
	err = domain.WriteManifest(art.ManifestPath, domain.Manifest{
		BatchID:     art.BatchID,
		Key:         art.Key,
		Partition:   art.Partition,
		MinOffset:   art.MinOffset,
		MaxOffset:   art.MaxOffset,
		RecordCount: art.RecordCount,
		SizeBytes:   art.SizeBytes,
		Checksum:    art.Checksum,
		CreatedAt:   batch.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	e.metrics.EncodeDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("batch encoded",
		"partition", batch.Partition, "records", rows, "bytes", art.SizeBytes, "key", art.Key)
	return art, nil
}

func (e *ParquetEncoder) writeFile(localPath string, builder *array.RecordBuilder) (err error) {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer func() {
		// pqarrow.FileWriter.Close closes the sink; tolerate its close here.
		if closeErr := f.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && err == nil {
			err = fmt.Errorf("close artifact: %w", closeErr)
		}
	}()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithCreatedBy("log-export-service"),
	)
	writer, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}

	rec := builder.NewRecord()
	defer rec.Release()

	if err := writer.Write(rec); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize parquet: %w", err)
	}
	return nil
}

// key derives the object-store key from the batch identity and covered
// range, so retried uploads always target the same object.
func (e *ParquetEncoder) key(batch *domain.Batch) string {
	return path.Join(e.prefix, e.topic, strconv.Itoa(batch.Partition),
		fmt.Sprintf("%d-%d-%s.parquet", batch.MinOffset, batch.MaxOffset, batch.ID))
}

func encodable(payload []byte) bool {
	return len(payload) > 0 && json.Valid(payload)
}

// topLevelString pulls one top-level string field out of a JSON object by
// token scan, without decoding the document into a dynamic structure.
func topLevelString(payload []byte, field string) string {
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ""
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return ""
		}
		key, ok := keyTok.(string)
		if !ok {
			return ""
		}
		if key == field {
			valTok, err := dec.Token()
			if err != nil {
				return ""
			}
			if s, ok := valTok.(string); ok {
				return s
			}
			return ""
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return ""
		}
	}
	return ""
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum artifact: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
