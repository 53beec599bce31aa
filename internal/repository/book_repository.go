package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// BookRepository handles book persistence.
type BookRepository interface {
	// Create inserts a new book.
	// Returns domain.ErrAlreadyExists if a book with the same ID exists.
	Create(ctx context.Context, book *domain.Book) error

	// Get retrieves a book by ID.
	// Returns domain.ErrNotFound if no matching book exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Book, error)

	// List returns books matching the filter, newest first, and the total count.
	List(ctx context.Context, filter BookFilter) ([]*domain.Book, int64, error)

	// CompareAndSetState moves the book from one workflow position to another
	// in a single statement. When the stored position differs from `from` no
	// row changes and an *domain.InvalidTransitionError is returned, so two
	// racing transitions can never both succeed.
	CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.Position) error
}

// BookFilter specifies criteria for listing books.
type BookFilter struct {
	// States filters by one or more book states (optional).
	States []domain.BookState

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate rejects unknown states and applies pagination defaults.
func (f *BookFilter) Validate() error {
	for _, s := range f.States {
		if !s.Valid() {
			return domain.NewValidationError("state", "unknown book state "+string(s))
		}
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
