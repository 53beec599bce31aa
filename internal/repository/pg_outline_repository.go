package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Compile-time interface verification.
var _ OutlineRepository = (*PgOutlineRepository)(nil)

const outlineColumns = `id, book_id, content, notes_before, notes_after, chapter_titles, status, rating, created_at, updated_at`

// PgOutlineRepository is a PostgreSQL implementation of OutlineRepository.
type PgOutlineRepository struct {
	db DBTX
}

// NewPgOutlineRepository creates a new PostgreSQL outline repository.
func NewPgOutlineRepository(db DBTX) *PgOutlineRepository {
	return &PgOutlineRepository{db: db}
}

// Create inserts the outline of a book.
func (r *PgOutlineRepository) Create(ctx context.Context, outline *domain.Outline) error {
	if outline == nil {
		return domain.NewValidationError("outline", "outline cannot be nil")
	}
	if outline.BookID == uuid.Nil {
		return domain.NewValidationError("book_id", "book ID is required")
	}
	if outline.ID == uuid.Nil {
		outline.ID = uuid.New()
	}
	if outline.Status == "" {
		outline.Status = domain.OutlineStatusPending
	}
	now := time.Now().UTC()
	if outline.CreatedAt.IsZero() {
		outline.CreatedAt = now
	}
	outline.UpdatedAt = outline.CreatedAt

	titlesJSON, err := marshalTitles(outline.ChapterTitles)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO outlines (` + outlineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		outline.ID, outline.BookID, outline.Content, outline.NotesBefore, outline.NotesAfter,
		titlesJSON, outline.Status, outline.Rating, outline.CreatedAt, outline.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.NewAlreadyExistsError("outline", outline.BookID.String())
		}
		if pgCode(err) == pgForeignKeyViolation {
			return domain.NewNotFoundError("book", outline.BookID.String())
		}
		return fmt.Errorf("failed to create outline: %w", err)
	}

	return nil
}

// GetByBook retrieves the outline of a book.
func (r *PgOutlineRepository) GetByBook(ctx context.Context, bookID uuid.UUID) (*domain.Outline, error) {
	query := `SELECT ` + outlineColumns + ` FROM outlines WHERE book_id = $1`

	outline, err := scanOutline(r.db.QueryRow(ctx, query, bookID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("outline", bookID.String())
		}
		return nil, fmt.Errorf("failed to get outline: %w", err)
	}

	return outline, nil
}

// Update locks the outline row, applies fn and persists every mutable field.
func (r *PgOutlineRepository) Update(ctx context.Context, bookID uuid.UUID, fn func(*domain.Outline) error) (*domain.Outline, error) {
	var updated *domain.Outline

	err := inTx(ctx, r.db, func(db DBTX) error {
		query := `SELECT ` + outlineColumns + ` FROM outlines WHERE book_id = $1 FOR UPDATE`

		rows, err := db.Query(ctx, query, bookID)
		if err != nil {
			return fmt.Errorf("failed to query outline for update: %w", err)
		}
		outline, err := scanOutlineRows(rows)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NewNotFoundError("outline", bookID.String())
			}
			return fmt.Errorf("failed to scan outline: %w", err)
		}

		if err := fn(outline); err != nil {
			return err
		}
		outline.UpdatedAt = time.Now().UTC()

		titlesJSON, err := marshalTitles(outline.ChapterTitles)
		if err != nil {
			return err
		}

		updateQuery := `
			UPDATE outlines SET
				content = $1,
				notes_before = $2,
				notes_after = $3,
				chapter_titles = $4,
				status = $5,
				rating = $6,
				updated_at = $7
			WHERE book_id = $8`

		if _, err := db.Exec(ctx, updateQuery,
			outline.Content, outline.NotesBefore, outline.NotesAfter, titlesJSON,
			outline.Status, outline.Rating, outline.UpdatedAt,
			bookID,
		); err != nil {
			return fmt.Errorf("failed to update outline: %w", err)
		}

		updated = outline
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func marshalTitles(titles []string) ([]byte, error) {
	if titles == nil {
		titles = []string{}
	}
	data, err := json.Marshal(titles)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chapter titles: %w", err)
	}
	return data, nil
}

// outlineScanDest holds the destination pointers for scanning an outline row.
type outlineScanDest struct {
	outline    domain.Outline
	titlesJSON []byte
}

func (d *outlineScanDest) destinations() []any {
	return []any{
		&d.outline.ID, &d.outline.BookID, &d.outline.Content, &d.outline.NotesBefore, &d.outline.NotesAfter,
		&d.titlesJSON, &d.outline.Status, &d.outline.Rating, &d.outline.CreatedAt, &d.outline.UpdatedAt,
	}
}

func (d *outlineScanDest) finalize() (*domain.Outline, error) {
	if len(d.titlesJSON) > 0 {
		if err := json.Unmarshal(d.titlesJSON, &d.outline.ChapterTitles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chapter titles: %w", err)
		}
	}
	return &d.outline, nil
}

func scanOutline(row pgx.Row) (*domain.Outline, error) {
	var dest outlineScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanOutlineRows scans the single row of a SELECT ... FOR UPDATE.
func scanOutlineRows(rows pgx.Rows) (*domain.Outline, error) {
	defer rows.Close()
	if err := singleRow(rows); err != nil {
		return nil, err
	}
	return scanOutline(rows)
}
