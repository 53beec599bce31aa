package lock

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/database"
	"github.com/inkwell/book-generation-service/internal/domain"
)

// advisoryLocker is implemented by *database.DB.
type advisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (*database.AdvisoryLock, bool, error)
}

// Advisory is a Locker backed by PostgreSQL session advisory locks. Each held
// lock pins one pooled connection until it is released.
type Advisory struct {
	db advisoryLocker
}

// NewAdvisory creates an advisory-lock Locker.
func NewAdvisory(db advisoryLocker) *Advisory {
	return &Advisory{db: db}
}

// TryLock implements Locker.
func (a *Advisory) TryLock(ctx context.Context, bookID uuid.UUID) (Unlock, error) {
	l, ok, err := a.db.TryAdvisoryLock(ctx, database.AdvisoryKey("book:"+bookID.String()))
	if err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrLocked
	}
	return l.Release, nil
}
