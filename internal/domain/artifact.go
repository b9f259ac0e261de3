package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Artifact is the encoded columnar file produced from a sealed batch,
// waiting in the spool directory until uploaded and committed.
type Artifact struct {
	BatchID      uuid.UUID
	Key          string // object-store key, deterministic per batch
	LocalPath    string
	ManifestPath string
	Partition    int
	Seq          uint64
	MinOffset    int64
	MaxOffset    int64
	RecordCount  int64
	SizeBytes    int64
	Checksum     string // hex SHA-256 of the file contents
}

// Manifest is the durable sidecar written next to each spooled artifact.
// It is the only state recovery needs to finish an interrupted
// upload-and-commit without re-consuming the covered offsets.
type Manifest struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Key         string    `json:"key"`
	Partition   int       `json:"partition"`
	MinOffset   int64     `json:"min_offset"`
	MaxOffset   int64     `json:"max_offset"`
	RecordCount int64     `json:"record_count"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// WriteManifest persists the manifest atomically (temp file plus rename)
// so recovery never sees a half-written sidecar.
func WriteManifest(path string, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest sidecar from the spool directory.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
