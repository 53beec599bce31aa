package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Compile-time interface verification.
var _ OutboxRepository = (*PgOutboxRepository)(nil)

// PgOutboxRepository is a PostgreSQL implementation of OutboxRepository.
type PgOutboxRepository struct {
	db DBTX
}

// NewPgOutboxRepository creates a new PostgreSQL outbox repository.
func NewPgOutboxRepository(db DBTX) *PgOutboxRepository {
	return &PgOutboxRepository{db: db}
}

// Insert adds an event to the outbox and sets its ID.
func (r *PgOutboxRepository) Insert(ctx context.Context, event *domain.OutboxEvent) error {
	if event == nil {
		return domain.NewValidationError("event", "event cannot be nil")
	}
	if event.EventID == "" || event.EventType == "" {
		return domain.NewValidationError("event", "event_id and event_type are required")
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = domain.OutboxStatusPending
	}

	query := `
		INSERT INTO outbox_events (
			event_id, event_version, aggregate_type, aggregate_id, event_type,
			payload, metadata, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	if err := r.db.QueryRow(ctx, query,
		event.EventID, event.EventVersion, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, metadataJSON, event.Status, event.CreatedAt,
	).Scan(&event.ID); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.NewAlreadyExistsError("outbox_event", event.EventID)
		}
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// FetchPending locks up to limit pending events, oldest first.
func (r *PgOutboxRepository) FetchPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	offset := 0
	applyPaginationDefaults(&limit, &offset)

	query := `
		SELECT id, event_id, event_version, aggregate_type, aggregate_id, event_type,
			payload, metadata, status, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := r.db.Query(ctx, query, domain.OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var (
			event        domain.OutboxEvent
			metadataJSON []byte
		)
		if err := rows.Scan(
			&event.ID, &event.EventID, &event.EventVersion, &event.AggregateType, &event.AggregateID, &event.EventType,
			&event.Payload, &metadataJSON, &event.Status, &event.Attempts, &event.LastError, &event.CreatedAt, &event.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}

	return events, nil
}

// MarkPublished records a successful publish.
func (r *PgOutboxRepository) MarkPublished(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox_events
		SET status = $1, attempts = attempts + 1, published_at = $2, last_error = ''
		WHERE id = $3`

	result, err := r.db.Exec(ctx, query, domain.OutboxStatusPublished, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("outbox_event", fmt.Sprint(id))
	}
	return nil
}

// MarkFailed records a failed publish attempt.
func (r *PgOutboxRepository) MarkFailed(ctx context.Context, id int64, cause string, maxAttempts int) error {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1,
			last_error = $1,
			status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END
		WHERE id = $4`

	result, err := r.db.Exec(ctx, query, cause, maxAttempts, domain.OutboxStatusFailed, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("outbox_event", fmt.Sprint(id))
	}
	return nil
}
