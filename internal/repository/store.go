package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/inkwell/book-generation-service/internal/database"
)

// Store groups the repositories of the service. Implementations bound to a
// transaction return repositories that run inside it.
type Store interface {
	Books() BookRepository
	Outlines() OutlineRepository
	Chapters() ChapterRepository
	FinalStates() FinalStateRepository
	Logs() GenerationLogRepository
	Outbox() OutboxRepository

	// WithTx runs fn with a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Nested calls use savepoints.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Compile-time interface verification.
var _ Store = (*PgStore)(nil)

// PgStore is the PostgreSQL Store.
type PgStore struct {
	db     DBTX
	logger zerolog.Logger

	books       *PgBookRepository
	outlines    *PgOutlineRepository
	chapters    *PgChapterRepository
	finalStates *PgFinalStateRepository
	logs        *PgGenerationLogRepository
	outbox      *PgOutboxRepository
}

// NewPgStore creates a Store over a pool, a *database.DB or a transaction.
func NewPgStore(db DBTX, logger zerolog.Logger) *PgStore {
	return newPgStore(db, logger.With().Str("component", "store").Logger())
}

func newPgStore(db DBTX, logger zerolog.Logger) *PgStore {
	return &PgStore{
		db:          db,
		logger:      logger,
		books:       NewPgBookRepository(db),
		outlines:    NewPgOutlineRepository(db),
		chapters:    NewPgChapterRepository(db),
		finalStates: NewPgFinalStateRepository(db),
		logs:        NewPgGenerationLogRepository(db),
		outbox:      NewPgOutboxRepository(db),
	}
}

func (s *PgStore) Books() BookRepository             { return s.books }
func (s *PgStore) Outlines() OutlineRepository       { return s.outlines }
func (s *PgStore) Chapters() ChapterRepository       { return s.chapters }
func (s *PgStore) FinalStates() FinalStateRepository { return s.finalStates }
func (s *PgStore) Logs() GenerationLogRepository     { return s.logs }
func (s *PgStore) Outbox() OutboxRepository          { return s.outbox }

// WithTx runs fn inside a transaction.
func (s *PgStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		return fmt.Errorf("store: underlying connection cannot begin transactions")
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	return database.RunInTx(ctx, tx, s.logger, func(tx pgx.Tx) error {
		return fn(newPgStore(tx, s.logger))
	})
}
