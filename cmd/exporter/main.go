package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/log-export-service/internal/adapter/blob"
	httpadapter "github.com/couchcryptid/log-export-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/log-export-service/internal/adapter/kafka"
	"github.com/couchcryptid/log-export-service/internal/config"
	"github.com/couchcryptid/log-export-service/internal/encoder"
	"github.com/couchcryptid/log-export-service/internal/observability"
	"github.com/couchcryptid/log-export-service/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		logger.Error("failed to create spool dir", "dir", cfg.SpoolDir, "error", err)
		os.Exit(1)
	}

	store, err := blob.NewStore(cfg, logger)
	if err != nil {
		logger.Error("failed to create blob store", "error", err)
		os.Exit(1)
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	enc := encoder.New(cfg, logger, metrics)

	p := pipeline.New(cfg, reader, reader, store, enc, clockwork.NewRealClock(), logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start export pipeline.
	pipelineErr := make(chan error, 1)
	go func() {
		pipelineErr <- p.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-pipelineErr:
		if err != nil {
			logger.Error("pipeline error", "error", err)
			exitCode = 1
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}

	logger.Info("shutdown complete")
	os.Exit(exitCode)
}
