// Package main provides the entry point for the book generation HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/inkwell/book-generation-service/internal/config"
	"github.com/inkwell/book-generation-service/internal/database"
	"github.com/inkwell/book-generation-service/internal/export"
	"github.com/inkwell/book-generation-service/internal/llm"
	"github.com/inkwell/book-generation-service/internal/lock"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/internal/outbox"
	"github.com/inkwell/book-generation-service/internal/repository"
	httpserver "github.com/inkwell/book-generation-service/internal/server/http"
	"github.com/inkwell/book-generation-service/internal/temporal"
	"github.com/inkwell/book-generation-service/internal/workflow"
	"github.com/inkwell/book-generation-service/migrations"
)

const serviceName = "book-generation-service"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

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
		Service:    serviceName,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Str("version", version).Msg("book-generation-service server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRate:  cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("bookgen")
	}

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	if cfg.Database.MigrationAutoRun {
		if err := migrateUp(db, cfg.Database.MigrationPath, logger); err != nil {
			return err
		}
	}

	store := repository.NewPgStore(db, logger)

	provider, err := llm.NewProvider(ctx, llmFactoryConfig(cfg.LLM))
	if err != nil {
		return fmt.Errorf("create generation provider: %w", err)
	}
	var limiter *llm.RateLimiter
	if cfg.LLM.RateLimit.RequestsPerSecond > 0 {
		limiter = llm.NewRateLimiter(cfg.LLM.RateLimit.RequestsPerSecond, cfg.LLM.RateLimit.Burst)
	}
	generator := llm.NewClient(provider, llm.ClientOptions{
		Retry: llm.RetryPolicy{
			MaxAttempts:    cfg.LLM.Retry.MaxAttempts,
			BaseDelay:      cfg.LLM.Retry.BaseDelay,
			MaxDelay:       cfg.LLM.Retry.MaxDelay,
			RateLimitDelay: cfg.LLM.Retry.RateLimitDelay,
			Jitter:         cfg.LLM.Retry.Jitter,
		},
		AttemptTimeout: cfg.LLM.Timeout,
		Limiter:        limiter,
		Metrics:        metrics,
	}, logger)
	logger.Info().
		Str("provider", provider.Name()).
		Str("model", cfg.LLM.Active().Model).
		Msg("generation client ready")

	var checks []httpserver.ReadinessCheck

	var locker lock.Locker = lock.NewAdvisory(db)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		locker = lock.NewRedis(rdb, lock.RedisOptions{
			TTL:       cfg.Redis.LockTTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis book locks")
	}

	var exporter workflow.Exporter
	if cfg.Temporal.Enabled {
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
			return fmt.Errorf("connect to temporal: %w", err)
		}
		compileClient := temporal.NewCompileClient(tc, temporal.ClientConfig{
			TaskQueue:      cfg.Temporal.TaskQueue,
			CompileTimeout: cfg.Temporal.CompileTimeout,
		})
		defer compileClient.Close()
		exporter = compileClient
		checks = append(checks, httpserver.ReadinessCheck{Name: "temporal", Check: compileClient.Health})
		logger.Info().
			Str("host_port", cfg.Temporal.HostPort).
			Str("namespace", cfg.Temporal.Namespace).
			Str("task_queue", cfg.Temporal.TaskQueue).
			Msg("compiling through temporal")
	} else {
		fileExporter, err := export.NewFileExporter(export.Config{
			OutputDir: cfg.Export.OutputDir,
			Formats:   cfg.Export.Formats,
		}, logger)
		if err != nil {
			return fmt.Errorf("create exporter: %w", err)
		}
		exporter = fileExporter
	}

	machine, err := workflow.NewStateMachine(workflow.Options{
		Store:     store,
		Generator: generator,
		Exporter:  exporter,
		Locker:    locker,
		Publisher: outbox.NewPublisher(outbox.NewEmitter(outbox.EmitterConfig{ServiceName: serviceName})),
		Chapter: workflow.ChapterSettings{
			MinWords:        cfg.Generation.ChapterMinWords,
			MaxWords:        cfg.Generation.ChapterMaxWords,
			SummaryMinWords: cfg.Generation.SummaryMinWords,
			SummaryMaxWords: cfg.Generation.SummaryMaxWords,
		},
		MinChapters: cfg.Generation.MinChapters,
		MaxChapters: cfg.Generation.MaxChapters,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create state machine: %w", err)
	}

	httpSrv := httpserver.NewServer(httpserver.Config{
		Address:      cfg.Server.HTTPAddress(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}, machine, db, logger, checks...)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: 30 * time.Second,
		}
	}

	errCh := make(chan error, 2)

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().Str("http_address", cfg.Server.HTTPAddress())
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("book-generation-service is ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down book-generation-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	logger.Info().Msg("book-generation-service shutdown complete")
	return nil
}

// migrateUp applies pending migrations from path, or from the embedded set
// when path is empty.
func migrateUp(db *database.DB, path string, logger zerolog.Logger) error {
	var (
		migrator *database.Migrator
		err      error
	)
	if path == "" {
		migrator, err = database.NewEmbeddedMigrator(db, migrations.FS, logger)
	} else {
		migrator, err = database.NewMigrator(db, path, logger)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func llmFactoryConfig(c config.LLMConfig) llm.FactoryConfig {
	settings := func(p config.ProviderConfig) llm.ProviderSettings {
		return llm.ProviderSettings{APIKey: p.APIKey, Model: p.Model, BaseURL: p.BaseURL}
	}
	return llm.FactoryConfig{
		Provider:    c.Provider,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxOutputTokens,
		Timeout:     c.Timeout,
		Gemini:      settings(c.Gemini),
		Anthropic:   settings(c.Anthropic),
		OpenAI:      settings(c.OpenAI),
	}
}
