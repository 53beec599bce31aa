// Package lock provides per-book mutual exclusion for workflow transitions.
//
// Every mutating workflow operation holds the lock of its book for its whole
// duration, model calls included. A second request for the same book fails
// fast with domain.ErrLocked instead of queueing behind the first.
package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker hands out non-blocking exclusive locks keyed by book.
type Locker interface {
	// TryLock takes the lock of bookID or returns domain.ErrLocked when
	// another holder has it.
	TryLock(ctx context.Context, bookID uuid.UUID) (Unlock, error)
}

// Memory is an in-process Locker. It only excludes callers inside one
// process and suits tests and single-replica deployments.
type Memory struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[uuid.UUID]struct{})}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, bookID uuid.UUID) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[bookID]; ok {
		return nil, domain.ErrLocked
	}
	m.held[bookID] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, bookID)
			m.mu.Unlock()
		})
		return nil
	}, nil
}
