package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Compile-time interface verification.
var _ GenerationLogRepository = (*PgGenerationLogRepository)(nil)

// PgGenerationLogRepository is a PostgreSQL implementation of GenerationLogRepository.
type PgGenerationLogRepository struct {
	db DBTX
}

// NewPgGenerationLogRepository creates a new PostgreSQL generation log repository.
func NewPgGenerationLogRepository(db DBTX) *PgGenerationLogRepository {
	return &PgGenerationLogRepository{db: db}
}

// Append inserts a log entry.
func (r *PgGenerationLogRepository) Append(ctx context.Context, entry *domain.GenerationLog) error {
	if entry == nil {
		return domain.NewValidationError("entry", "log entry cannot be nil")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal log details: %w", err)
	}

	query := `
		INSERT INTO generation_logs (id, book_id, stage, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.Exec(ctx, query,
		entry.ID, entry.BookID, entry.Stage, entry.Action, detailsJSON, entry.CreatedAt,
	); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return domain.NewNotFoundError("book", entry.BookID.String())
		}
		return fmt.Errorf("failed to append generation log: %w", err)
	}

	return nil
}

// ListByBook returns the newest entries of a book first.
func (r *PgGenerationLogRepository) ListByBook(ctx context.Context, bookID uuid.UUID, limit int) ([]*domain.GenerationLog, error) {
	offset := 0
	applyPaginationDefaults(&limit, &offset)

	query := `
		SELECT id, book_id, stage, action, details, created_at
		FROM generation_logs
		WHERE book_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, bookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation logs: %w", err)
	}
	defer rows.Close()

	var entries []*domain.GenerationLog
	for rows.Next() {
		var (
			entry       domain.GenerationLog
			detailsJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.BookID, &entry.Stage, &entry.Action, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation log: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log details: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generation logs: %w", err)
	}

	return entries, nil
}
