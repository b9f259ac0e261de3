package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	KafkaStartFrom  string // "earliest" or "latest", used when no offset is committed
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchMaxBytes   int
	BatchMaxRecords int
	BatchMaxAge     time.Duration
	SpoolDir        string

	AzureAccount   string
	AzureKey       string
	AzureEndpoint  string // override for emulators; defaults to the account's blob endpoint
	AzureContainer string
	BlobPrefix     string

	UploadMaxAttempts    int
	UploadBackoffBase    time.Duration
	UploadBackoffCap     time.Duration
	UploadAttemptTimeout time.Duration
	UploadConcurrency    int
	InflightMaxBytes     int64

	// HostHash is a short stable hash of the hostname, stamped into blob
	// metadata so concurrent exporter replicas are distinguishable.
	HostHash string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	batchMaxAge, err := parseDuration("BATCH_MAX_AGE", "60s")
	if err != nil {
		return nil, err
	}
	backoffBase, err := parseDuration("UPLOAD_BACKOFF_BASE", "200ms")
	if err != nil {
		return nil, err
	}
	backoffCap, err := parseDuration("UPLOAD_BACKOFF_CAP", "30s")
	if err != nil {
		return nil, err
	}
	attemptTimeout, err := parseDuration("UPLOAD_ATTEMPT_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}

	batchMaxBytes, err := parseInt("BATCH_MAX_BYTES", 4<<20, 1, 1<<30)
	if err != nil {
		return nil, err
	}
	batchMaxRecords, err := parseInt("BATCH_MAX_RECORDS", 10000, 1, 10_000_000)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := parseInt("UPLOAD_MAX_ATTEMPTS", 5, 1, 100)
	if err != nil {
		return nil, err
	}
	concurrency, err := parseInt("UPLOAD_CONCURRENCY", 4, 1, 64)
	if err != nil {
		return nil, err
	}
	inflightMax, err := parseInt("INFLIGHT_MAX_BYTES", 64<<20, 1, 1<<40)
	if err != nil {
		return nil, err
	}

	startFrom := envOrDefault("KAFKA_START_FROM", "earliest")
	if startFrom != "earliest" && startFrom != "latest" {
		return nil, errors.New("invalid KAFKA_START_FROM: must be earliest or latest")
	}

	cfg := &Config{
		KafkaBrokers:    parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      envOrDefault("KAFKA_TOPIC", "action-log-v2"),
		KafkaGroupID:    envOrDefault("KAFKA_GROUP_ID", "log-export"),
		KafkaStartFrom:  startFrom,
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		BatchMaxBytes:   batchMaxBytes,
		BatchMaxRecords: batchMaxRecords,
		BatchMaxAge:     batchMaxAge,
		SpoolDir:        envOrDefault("SPOOL_DIR", "spool"),

		AzureAccount:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureKey:       os.Getenv("AZURE_STORAGE_KEY"),
		AzureEndpoint:  os.Getenv("AZURE_BLOB_ENDPOINT"),
		AzureContainer: envOrDefault("AZURE_CONTAINER", "log-archive"),
		BlobPrefix:     envOrDefault("BLOB_PREFIX", "logs"),

		UploadMaxAttempts:    maxAttempts,
		UploadBackoffBase:    backoffBase,
		UploadBackoffCap:     backoffCap,
		UploadAttemptTimeout: attemptTimeout,
		UploadConcurrency:    concurrency,
		InflightMaxBytes:     int64(inflightMax),

		HostHash: hostHash(),
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}
	if cfg.KafkaGroupID == "" {
		return nil, errors.New("KAFKA_GROUP_ID is required")
	}
	if cfg.AzureAccount == "" {
		return nil, errors.New("AZURE_STORAGE_ACCOUNT is required")
	}
	if cfg.AzureKey == "" {
		return nil, errors.New("AZURE_STORAGE_KEY is required")
	}
	if cfg.AzureContainer == "" {
		return nil, errors.New("AZURE_CONTAINER is required")
	}
	if cfg.UploadBackoffCap < cfg.UploadBackoffBase {
		return nil, errors.New("UPLOAD_BACKOFF_CAP must be >= UPLOAD_BACKOFF_BASE")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, fallback, low, high int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < low || n > high {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, low, high)
	}
	return n, nil
}

func parseBrokers(value string) []string {
	parts := strings.Split(value, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

func hostHash() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	sum := sha256.Sum256([]byte(hostname))
	return fmt.Sprintf("%x", sum[:])[:6]
}
