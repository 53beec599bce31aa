package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Compile-time interface verification.
var _ BookRepository = (*PgBookRepository)(nil)

const bookColumns = `id, title, requirements, target_chapter_count, state, current_chapter, created_at, updated_at`

// PgBookRepository is a PostgreSQL implementation of BookRepository.
type PgBookRepository struct {
	db DBTX
}

// NewPgBookRepository creates a new PostgreSQL book repository.
func NewPgBookRepository(db DBTX) *PgBookRepository {
	return &PgBookRepository{db: db}
}

// Create inserts a new book.
func (r *PgBookRepository) Create(ctx context.Context, book *domain.Book) error {
	if book == nil {
		return domain.NewValidationError("book", "book cannot be nil")
	}
	if book.ID == uuid.Nil {
		return domain.NewValidationError("id", "book ID is required")
	}
	if strings.TrimSpace(book.Title) == "" {
		return domain.NewValidationError("title", "title is required")
	}
	if book.TargetChapterCount < domain.MinChapterCount || book.TargetChapterCount > domain.MaxChapterCount {
		return domain.NewValidationError("target_chapter_count",
			fmt.Sprintf("must be between %d and %d", domain.MinChapterCount, domain.MaxChapterCount))
	}

	now := time.Now().UTC()
	if book.CreatedAt.IsZero() {
		book.CreatedAt = now
	}
	if book.UpdatedAt.IsZero() {
		book.UpdatedAt = now
	}
	if book.State == "" {
		book.State = domain.BookStateCreated
	}

	query := `
		INSERT INTO books (` + bookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		book.ID, book.Title, book.Requirements, book.TargetChapterCount,
		book.State, book.CurrentChapter, book.CreatedAt, book.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.NewAlreadyExistsError("book", book.ID.String())
		}
		return fmt.Errorf("failed to create book: %w", err)
	}

	return nil
}

// Get retrieves a book by ID.
func (r *PgBookRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books WHERE id = $1`

	book, err := scanBook(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("book", id.String())
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	return book, nil
}

// List retrieves books matching the filter criteria.
func (r *PgBookRepository) List(ctx context.Context, filter BookFilter) ([]*domain.Book, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	conditions := []string{"TRUE"}
	args := []any{}
	argIndex := 1

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, s)
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
	}

	whereClause := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM books WHERE %s", whereClause)
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count books: %w", err)
	}

	selectQuery := fmt.Sprintf(`
		SELECT %s FROM books
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		bookColumns, whereClause, argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []*domain.Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan book: %w", err)
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate books: %w", err)
	}

	return books, total, nil
}

// CompareAndSetState moves the book between workflow positions atomically.
func (r *PgBookRepository) CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.Position) error {
	query := `
		UPDATE books
		SET state = $1, current_chapter = $2, updated_at = $3
		WHERE id = $4 AND state = $5 AND current_chapter = $6`

	result, err := r.db.Exec(ctx, query,
		to.State, to.Chapter, time.Now().UTC(),
		id, from.State, from.Chapter,
	)
	if err != nil {
		return fmt.Errorf("failed to update book state: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewInvalidTransitionError("book", from.String(), "move to "+to.String(),
			"book is no longer at the expected position")
	}

	return nil
}

// scanBook scans one book from a pgx.Row or the current row of pgx.Rows.
func scanBook(row pgx.Row) (*domain.Book, error) {
	var b domain.Book
	if err := row.Scan(
		&b.ID, &b.Title, &b.Requirements, &b.TargetChapterCount,
		&b.State, &b.CurrentChapter, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}
