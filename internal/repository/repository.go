// Package repository provides data access interfaces and implementations
// for the book generation service.
//
// # Repository Interfaces
//
//   - BookRepository: books and the atomic compare-and-set of their workflow position
//   - OutlineRepository: the single current outline of each book
//   - ChapterRepository: chapters keyed by (book, chapter number)
//   - FinalStateRepository: compilation record of a book
//   - GenerationLogRepository: append-only audit trail
//   - OutboxRepository: transactional outbox of lifecycle events
//
// Store groups them and runs a function inside one transaction so that a
// workflow transition, its entity updates, its log entry and its outbox event
// commit together.
//
// # Error Handling
//
// Methods return domain errors: domain.ErrNotFound for missing rows,
// domain.ErrAlreadyExists for unique violations, domain.ErrInvalidTransition
// when a compare-and-set loses. Database errors are wrapped with %w.
//
// # Usage Pattern
//
//	db, _ := database.New(ctx, cfg, logger)
//	store := repository.NewPgStore(db, logger)
//	err := store.WithTx(ctx, func(tx repository.Store) error {
//	    if err := tx.Books().CompareAndSetState(ctx, id, from, to); err != nil {
//	        return err
//	    }
//	    return tx.Logs().Append(ctx, entry)
//	})
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inkwell/book-generation-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
// Repositories built on a pool open their own transaction where they need row
// locks; repositories built on a pgx.Tx run inside it.
type DBTX = database.DBTX

// txBeginner is implemented by *database.DB, *pgxpool.Pool and pgx.Tx.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Filter pagination defaults and limits.
const (
	defaultFilterLimit = 100
	maxFilterLimit     = 1000
)

// applyPaginationDefaults clamps limit to [1, maxFilterLimit], using
// defaultFilterLimit for non-positive values, and floors offset at zero.
func applyPaginationDefaults(limit, offset *int) {
	switch {
	case *limit <= 0:
		*limit = defaultFilterLimit
	case *limit > maxFilterLimit:
		*limit = maxFilterLimit
	}
	*offset = max(*offset, 0)
}

// pgCode returns the SQLSTATE of a server error, or "" for anything else.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// inTx runs fn in a transaction. When db is already a transaction fn runs
// directly on it; otherwise a transaction is opened and committed around fn.
// Row locks taken with SELECT ... FOR UPDATE need this to be held until the
// following UPDATE.
func inTx(ctx context.Context, db DBTX, fn func(DBTX) error) error {
	if _, ok := db.(pgx.Tx); ok {
		return fn(db)
	}
	beginner, ok := db.(txBeginner)
	if !ok {
		return fn(db)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// singleRow advances rows to its first row, returning pgx.ErrNoRows when the
// result is empty. The caller must close rows.
func singleRow(rows pgx.Rows) error {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return nil
}
