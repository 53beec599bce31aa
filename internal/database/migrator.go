package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "schema_migrations"

// Migrator applies the book schema migrations through golang-migrate.
type Migrator struct {
	migrate *migrate.Migrate
	sqlDB   *sql.DB
	logger  zerolog.Logger
}

// NewMigrator reads migrations from a directory on disk.
func NewMigrator(db *DB, dir string, logger zerolog.Logger) (*Migrator, error) {
	if dir == "" {
		return nil, errors.New("migrations path is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("migrations path %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations path %s is not a directory", dir)
	}
	return NewEmbeddedMigrator(db, os.DirFS(dir), logger)
}

// NewEmbeddedMigrator reads migrations from the root of fsys, normally
// migrations.FS compiled into the binary.
func NewEmbeddedMigrator(db *DB, fsys fs.FS, logger zerolog.Logger) (*Migrator, error) {
	switch {
	case db == nil:
		return nil, errors.New("database is required")
	case db.pool == nil:
		return nil, errors.New("database pool not initialized")
	case fsys == nil:
		return nil, errors.New("migrations filesystem is required")
	}

	src, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		_ = src.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	logger = logger.With().Str("component", "migrator").Logger()
	m.Log = migrateLogger{logger: logger}
	return &Migrator{migrate: m, sqlDB: sqlDB, logger: logger}, nil
}

// migrateLogger adapts zerolog to migrate.Logger.
type migrateLogger struct {
	logger zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.GetLevel() <= zerolog.DebugLevel
}

// apply runs one migrate operation. Having nothing to do is not an error;
// stepping past the newest file surfaces from migrate as fs.ErrNotExist.
func (m *Migrator) apply(op string, fn func() error) error {
	err := fn()
	switch {
	case err == nil:
		m.logger.Info().Str("op", op).Msg("migration applied")
		return nil
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, fs.ErrNotExist):
		m.logger.Info().Str("op", op).Msg("schema already current")
		return nil
	default:
		return fmt.Errorf("migrate %s: %w", op, err)
	}
}

// Up applies every pending migration.
func (m *Migrator) Up() error { return m.apply("up", m.migrate.Up) }

// Down reverts every migration, dropping all book data.
func (m *Migrator) Down() error { return m.apply("down", m.migrate.Down) }

// Steps moves n versions forward, or back when n is negative.
func (m *Migrator) Steps(n int) error {
	return m.apply(fmt.Sprintf("steps(%d)", n), func() error { return m.migrate.Steps(n) })
}

// Version returns the applied version and whether the last run left it dirty.
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Force records version as applied and clears the dirty flag without
// running any SQL.
func (m *Migrator) Force(version int) error {
	return m.migrate.Force(version)
}

// Close releases the source and the database/sql wrapper around the pool.
// The pool itself stays open.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	if err := m.sqlDB.Close(); err != nil && dbErr == nil {
		dbErr = err
	}
	return errors.Join(srcErr, dbErr)
}
