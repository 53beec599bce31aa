// Package main provides a CLI tool for book generation database migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkwell/book-generation-service/internal/config"
	"github.com/inkwell/book-generation-service/internal/database"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type action struct {
	name string
	run  func(m *database.Migrator, logger zerolog.Logger) error
}

func run() error {
	up := flag.Bool("up", false, "apply every pending book schema migration")
	down := flag.Bool("down", false, "revert the whole schema (drops all books)")
	steps := flag.Int("steps", 0, "move N versions; negative N reverts")
	version := flag.Bool("version", false, "show the applied schema version")
	force := flag.Int("force", -1, "mark version V applied and clear the dirty flag")
	migrationsPath := flag.String("path", "", "migrations directory, overriding database.migration_path")
	embedded := flag.Bool("embedded", false, "use the migrations built into this binary")
	flag.Parse()

	var actions []action
	if *up {
		actions = append(actions, action{"up", func(m *database.Migrator, _ zerolog.Logger) error { return m.Up() }})
	}
	if *down {
		actions = append(actions, action{"down", func(m *database.Migrator, logger zerolog.Logger) error {
			logger.Warn().Msg("rolling back all migrations")
			return m.Down()
		}})
	}
	if *steps != 0 {
		n := *steps
		actions = append(actions, action{"steps", func(m *database.Migrator, _ zerolog.Logger) error { return m.Steps(n) }})
	}
	if *version {
		actions = append(actions, action{"version", func(*database.Migrator, zerolog.Logger) error { return nil }})
	}
	if *force >= 0 {
		v := *force
		actions = append(actions, action{"force", func(m *database.Migrator, logger zerolog.Logger) error {
			logger.Warn().Int("version", v).Msg("forcing migration version")
			return m.Force(v)
		}})
	}

	switch len(actions) {
	case 0:
		flag.Usage()
		return errors.New("choose one of -up, -down, -steps N, -version, -force V")
	case 1:
	default:
		return fmt.Errorf("%d actions given, choose exactly one", len(actions))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
		Service:    "book-generation-migrate",
	})
	logger = logger.With().Str("component", "migrate").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	dir := cfg.Database.MigrationPath
	if *migrationsPath != "" {
		dir = *migrationsPath
	}
	var migrator *database.Migrator
	if *embedded || dir == "" {
		logger.Info().Msg("using embedded migrations")
		migrator, err = database.NewEmbeddedMigrator(db, migrations.FS, logger)
	} else {
		logger.Info().Str("path", dir).Msg("using migrations directory")
		migrator, err = database.NewMigrator(db, dir, logger)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	a := actions[0]
	logger.Info().Str("action", a.name).Msg("running migration action")
	if err := a.run(migrator, logger); err != nil {
		return fmt.Errorf("migrate %s: %w", a.name, err)
	}
	printVersion(migrator, logger)
	return nil
}

func printVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("schema version unknown")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
}
