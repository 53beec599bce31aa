package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Compile-time interface verification.
var _ ChapterRepository = (*PgChapterRepository)(nil)

const chapterColumns = `id, book_id, chapter_number, title, content, summary, notes, status, rating, created_at, updated_at`

// PgChapterRepository is a PostgreSQL implementation of ChapterRepository.
type PgChapterRepository struct {
	db DBTX
}

// NewPgChapterRepository creates a new PostgreSQL chapter repository.
func NewPgChapterRepository(db DBTX) *PgChapterRepository {
	return &PgChapterRepository{db: db}
}

// Create inserts a chapter.
func (r *PgChapterRepository) Create(ctx context.Context, chapter *domain.Chapter) error {
	if chapter == nil {
		return domain.NewValidationError("chapter", "chapter cannot be nil")
	}
	if chapter.BookID == uuid.Nil {
		return domain.NewValidationError("book_id", "book ID is required")
	}
	if chapter.Number < 1 {
		return domain.NewValidationError("chapter_number", "must be at least 1")
	}
	if chapter.ID == uuid.Nil {
		chapter.ID = uuid.New()
	}
	if chapter.Status == "" {
		chapter.Status = domain.ChapterStatusPending
	}
	now := time.Now().UTC()
	if chapter.CreatedAt.IsZero() {
		chapter.CreatedAt = now
	}
	chapter.UpdatedAt = chapter.CreatedAt

	query := `
		INSERT INTO chapters (` + chapterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		chapter.ID, chapter.BookID, chapter.Number, chapter.Title, chapter.Content,
		chapter.Summary, chapter.Notes, chapter.Status, chapter.Rating,
		chapter.CreatedAt, chapter.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.NewAlreadyExistsError("chapter", chapterKey(chapter.BookID, chapter.Number))
		}
		if pgCode(err) == pgForeignKeyViolation {
			return domain.NewNotFoundError("book", chapter.BookID.String())
		}
		return fmt.Errorf("failed to create chapter: %w", err)
	}

	return nil
}

// Get retrieves one chapter of a book.
func (r *PgChapterRepository) Get(ctx context.Context, bookID uuid.UUID, number int) (*domain.Chapter, error) {
	query := `SELECT ` + chapterColumns + ` FROM chapters WHERE book_id = $1 AND chapter_number = $2`

	chapter, err := scanChapter(r.db.QueryRow(ctx, query, bookID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("chapter", chapterKey(bookID, number))
		}
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}

	return chapter, nil
}

// ListByBook returns every chapter of a book ordered by chapter number.
func (r *PgChapterRepository) ListByBook(ctx context.Context, bookID uuid.UUID) ([]*domain.Chapter, error) {
	query := `SELECT ` + chapterColumns + ` FROM chapters WHERE book_id = $1 ORDER BY chapter_number`

	rows, err := r.db.Query(ctx, query, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*domain.Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chapter: %w", err)
		}
		chapters = append(chapters, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chapters: %w", err)
	}

	return chapters, nil
}

// Update locks the chapter row, applies fn and persists every mutable field.
func (r *PgChapterRepository) Update(ctx context.Context, bookID uuid.UUID, number int, fn func(*domain.Chapter) error) (*domain.Chapter, error) {
	var updated *domain.Chapter

	err := inTx(ctx, r.db, func(db DBTX) error {
		query := `SELECT ` + chapterColumns + ` FROM chapters WHERE book_id = $1 AND chapter_number = $2 FOR UPDATE`

		rows, err := db.Query(ctx, query, bookID, number)
		if err != nil {
			return fmt.Errorf("failed to query chapter for update: %w", err)
		}
		chapter, err := scanChapterRows(rows)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NewNotFoundError("chapter", chapterKey(bookID, number))
			}
			return fmt.Errorf("failed to scan chapter: %w", err)
		}

		if err := fn(chapter); err != nil {
			return err
		}
		chapter.UpdatedAt = time.Now().UTC()

		updateQuery := `
			UPDATE chapters SET
				title = $1,
				content = $2,
				summary = $3,
				notes = $4,
				status = $5,
				rating = $6,
				updated_at = $7
			WHERE book_id = $8 AND chapter_number = $9`

		if _, err := db.Exec(ctx, updateQuery,
			chapter.Title, chapter.Content, chapter.Summary, chapter.Notes,
			chapter.Status, chapter.Rating, chapter.UpdatedAt,
			bookID, number,
		); err != nil {
			return fmt.Errorf("failed to update chapter: %w", err)
		}

		updated = chapter
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func chapterKey(bookID uuid.UUID, number int) string {
	return bookID.String() + "/" + strconv.Itoa(number)
}

func scanChapter(row pgx.Row) (*domain.Chapter, error) {
	var c domain.Chapter
	if err := row.Scan(
		&c.ID, &c.BookID, &c.Number, &c.Title, &c.Content,
		&c.Summary, &c.Notes, &c.Status, &c.Rating,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChapterRows(rows pgx.Rows) (*domain.Chapter, error) {
	defer rows.Close()
	if err := singleRow(rows); err != nil {
		return nil, err
	}
	return scanChapter(rows)
}
