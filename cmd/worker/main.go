// Package main provides the entry point for the book generation background
// worker: the Temporal compile worker and the outbox relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell/book-generation-service/internal/config"
	"github.com/inkwell/book-generation-service/internal/database"
	"github.com/inkwell/book-generation-service/internal/export"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/internal/outbox"
	"github.com/inkwell/book-generation-service/internal/repository"
	"github.com/inkwell/book-generation-service/internal/temporal"
	"github.com/inkwell/book-generation-service/internal/temporal/activities"
	"github.com/inkwell/book-generation-service/internal/temporal/workflows"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		Service:    "book-generation-worker",
	})
	logger = logger.With().Str("component", "worker").Logger()

	if !cfg.Temporal.Enabled && !cfg.Kafka.Enabled {
		return errors.New("nothing to run: enable temporal and/or kafka")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("bookgen_worker")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Temporal.Enabled {
		manager, closeClient, err := newCompileWorker(cfg, logger)
		if err != nil {
			return err
		}
		defer closeClient()

		g.Go(func() error {
			logger.Info().
				Str("task_queue", manager.TaskQueue()).
				Strs("workflows", manager.Workflows()).
				Msg("starting temporal worker")
			if err := manager.Run(gctx); err != nil {
				return fmt.Errorf("temporal worker: %w", err)
			}
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		db, err := database.New(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		relay := outbox.NewRelay(
			repository.NewPgStore(db, logger),
			outbox.NewKafkaWriter(outbox.KafkaConfig{
				Brokers:      cfg.Kafka.Brokers,
				Topic:        cfg.Kafka.Topic,
				BatchSize:    cfg.Kafka.BatchSize,
				BatchTimeout: cfg.Kafka.BatchTimeout,
			}),
			outbox.RelayConfig{
				BatchSize:    cfg.Outbox.BatchSize,
				MaxAttempts:  cfg.Outbox.MaxRetries,
				PollInterval: cfg.Outbox.PollInterval,
			},
			metrics,
			logger,
		)
		defer func() {
			if err := relay.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close outbox relay")
			}
		}()

		wake := make(chan struct{}, 1)
		if cfg.Outbox.ListenChannel != "" {
			listener := outbox.NewListener(cfg.Database.DSN(), cfg.Outbox.ListenChannel, logger)
			g.Go(func() error {
				// The relay keeps polling without notifications.
				if err := listener.Run(gctx, wake); err != nil && gctx.Err() == nil {
					logger.Warn().Err(err).Msg("outbox listener stopped; falling back to polling")
				}
				return nil
			})
		}
		g.Go(func() error {
			if err := relay.Run(gctx, wake); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox relay: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

// newCompileWorker connects to Temporal and registers the compile workflow
// and its activities.
func newCompileWorker(cfg *config.Config, logger zerolog.Logger) (*temporal.WorkerManager, func(), error) {
	exporter, err := export.NewFileExporter(export.Config{
		OutputDir: cfg.Export.OutputDir,
		Formats:   cfg.Export.Formats,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create exporter: %w", err)
	}

	tc, err := temporal.NewClient(temporal.ClientConfig{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		TLS: temporal.TLSConfig{
			CertFile:   cfg.Temporal.TLSCertFile,
			KeyFile:    cfg.Temporal.TLSKeyFile,
			CAFile:     cfg.Temporal.TLSCAFile,
			ServerName: cfg.Temporal.TLSServerName,
		},
		Logger: observability.NewTemporalLogger(logger),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to temporal: %w", err)
	}

	manager, err := temporal.NewWorkerManager(tc, temporal.WorkerConfig{
		TaskQueue:         cfg.Temporal.TaskQueue,
		ConcurrentExports: cfg.Temporal.ConcurrentExports,
	})
	if err != nil {
		tc.Close()
		return nil, nil, fmt.Errorf("create worker: %w", err)
	}
	manager.RegisterWorkflow(temporal.CompileBookWorkflowName, workflows.CompileBookWorkflow)
	manager.RegisterActivity(activities.NewExportActivities(exporter))

	return manager, tc.Close, nil
}
