package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// OutlineRepository handles the single current outline of each book.
type OutlineRepository interface {
	// Create inserts the outline of a book.
	// Returns domain.ErrAlreadyExists if the book already has one.
	Create(ctx context.Context, outline *domain.Outline) error

	// GetByBook retrieves the outline of a book.
	// Returns domain.ErrNotFound if the book has no outline.
	GetByBook(ctx context.Context, bookID uuid.UUID) (*domain.Outline, error)

	// Update locks the outline row, applies fn and persists the result.
	// An error from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, bookID uuid.UUID, fn func(*domain.Outline) error) (*domain.Outline, error)
}

// ChapterRepository handles chapters keyed by (book, chapter number).
type ChapterRepository interface {
	// Create inserts a chapter.
	// Returns domain.ErrAlreadyExists if the chapter number is taken.
	Create(ctx context.Context, chapter *domain.Chapter) error

	// Get retrieves one chapter of a book.
	// Returns domain.ErrNotFound if it does not exist.
	Get(ctx context.Context, bookID uuid.UUID, number int) (*domain.Chapter, error)

	// ListByBook returns every chapter of a book ordered by chapter number.
	ListByBook(ctx context.Context, bookID uuid.UUID) ([]*domain.Chapter, error)

	// Update locks the chapter row, applies fn and persists the result.
	Update(ctx context.Context, bookID uuid.UUID, number int, fn func(*domain.Chapter) error) (*domain.Chapter, error)
}

// FinalStateRepository handles the compilation record of a book.
type FinalStateRepository interface {
	// GetOrCreate returns the final state of a book, inserting a pending one
	// the first time compilation begins.
	GetOrCreate(ctx context.Context, bookID uuid.UUID) (*domain.FinalState, error)

	// GetByBook retrieves the final state of a book.
	// Returns domain.ErrNotFound if compilation never began.
	GetByBook(ctx context.Context, bookID uuid.UUID) (*domain.FinalState, error)

	// Update locks the final state row, applies fn and persists the result.
	Update(ctx context.Context, bookID uuid.UUID, fn func(*domain.FinalState) error) (*domain.FinalState, error)
}

// GenerationLogRepository stores the audit trail of workflow actions.
type GenerationLogRepository interface {
	// Append inserts a log entry. ID and CreatedAt are filled in when zero.
	Append(ctx context.Context, entry *domain.GenerationLog) error

	// ListByBook returns the newest entries of a book first.
	ListByBook(ctx context.Context, bookID uuid.UUID, limit int) ([]*domain.GenerationLog, error)
}

// OutboxRepository stores lifecycle events until the relay publishes them.
type OutboxRepository interface {
	// Insert adds an event. Call it inside the transaction that produced the
	// state change it describes.
	Insert(ctx context.Context, event *domain.OutboxEvent) error

	// FetchPending locks up to limit pending events, oldest first, skipping
	// rows locked by other relays. It must run inside a transaction.
	FetchPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)

	// MarkPublished records a successful publish.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed publish attempt. The event stays pending
	// until it has been attempted maxAttempts times.
	MarkFailed(ctx context.Context, id int64, cause string, maxAttempts int) error
}
