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
var _ FinalStateRepository = (*PgFinalStateRepository)(nil)

const finalStateColumns = `id, book_id, status, rating, artifacts, error_message, created_at, updated_at`

// PgFinalStateRepository is a PostgreSQL implementation of FinalStateRepository.
type PgFinalStateRepository struct {
	db DBTX
}

// NewPgFinalStateRepository creates a new PostgreSQL final state repository.
func NewPgFinalStateRepository(db DBTX) *PgFinalStateRepository {
	return &PgFinalStateRepository{db: db}
}

// GetOrCreate inserts a pending final state unless one exists, then returns it.
func (r *PgFinalStateRepository) GetOrCreate(ctx context.Context, bookID uuid.UUID) (*domain.FinalState, error) {
	now := time.Now().UTC()
	insert := `
		INSERT INTO final_states (id, book_id, status, artifacts, created_at, updated_at)
		VALUES ($1, $2, $3, '[]'::jsonb, $4, $4)
		ON CONFLICT (book_id) DO NOTHING`

	if _, err := r.db.Exec(ctx, insert, uuid.New(), bookID, domain.FinalStatusPending, now); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return nil, domain.NewNotFoundError("book", bookID.String())
		}
		return nil, fmt.Errorf("failed to create final state: %w", err)
	}

	return r.GetByBook(ctx, bookID)
}

// GetByBook retrieves the final state of a book.
func (r *PgFinalStateRepository) GetByBook(ctx context.Context, bookID uuid.UUID) (*domain.FinalState, error) {
	query := `SELECT ` + finalStateColumns + ` FROM final_states WHERE book_id = $1`

	state, err := scanFinalState(r.db.QueryRow(ctx, query, bookID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("final_state", bookID.String())
		}
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}

	return state, nil
}

// Update locks the final state row, applies fn and persists the result.
func (r *PgFinalStateRepository) Update(ctx context.Context, bookID uuid.UUID, fn func(*domain.FinalState) error) (*domain.FinalState, error) {
	var updated *domain.FinalState

	err := inTx(ctx, r.db, func(db DBTX) error {
		query := `SELECT ` + finalStateColumns + ` FROM final_states WHERE book_id = $1 FOR UPDATE`

		rows, err := db.Query(ctx, query, bookID)
		if err != nil {
			return fmt.Errorf("failed to query final state for update: %w", err)
		}
		state, err := scanFinalStateRows(rows)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NewNotFoundError("final_state", bookID.String())
			}
			return fmt.Errorf("failed to scan final state: %w", err)
		}

		if err := fn(state); err != nil {
			return err
		}
		state.UpdatedAt = time.Now().UTC()

		artifactsJSON, err := marshalArtifacts(state.Artifacts)
		if err != nil {
			return err
		}

		updateQuery := `
			UPDATE final_states SET
				status = $1,
				rating = $2,
				artifacts = $3,
				error_message = $4,
				updated_at = $5
			WHERE book_id = $6`

		if _, err := db.Exec(ctx, updateQuery,
			state.Status, state.Rating, artifactsJSON, state.ErrorMessage, state.UpdatedAt,
			bookID,
		); err != nil {
			return fmt.Errorf("failed to update final state: %w", err)
		}

		updated = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func marshalArtifacts(artifacts []domain.Artifact) ([]byte, error) {
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}
	data, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	return data, nil
}

type finalStateScanDest struct {
	state         domain.FinalState
	artifactsJSON []byte
}

func (d *finalStateScanDest) destinations() []any {
	return []any{
		&d.state.ID, &d.state.BookID, &d.state.Status, &d.state.Rating,
		&d.artifactsJSON, &d.state.ErrorMessage, &d.state.CreatedAt, &d.state.UpdatedAt,
	}
}

func (d *finalStateScanDest) finalize() (*domain.FinalState, error) {
	if len(d.artifactsJSON) > 0 {
		if err := json.Unmarshal(d.artifactsJSON, &d.state.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	return &d.state, nil
}

func scanFinalState(row pgx.Row) (*domain.FinalState, error) {
	var dest finalStateScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

func scanFinalStateRows(rows pgx.Rows) (*domain.FinalState, error) {
	defer rows.Close()
	if err := singleRow(rows); err != nil {
		return nil, err
	}
	return scanFinalState(rows)
}
