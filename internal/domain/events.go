package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants for outbox events.
const (
	EventTypeBookCreated       = "book.created"
	EventTypeOutlineGenerated  = "book.outline_generated"
	EventTypeOutlineDecided    = "book.outline_decided"
	EventTypeChapterGenerated  = "book.chapter_generated"
	EventTypeChapterDecided    = "book.chapter_decided"
	EventTypeGenerationFailed  = "book.generation_failed"
	EventTypeBookCompiled      = "book.compiled"
	EventTypeBookCompileFailed = "book.compile_failed"
)

// AggregateTypeBook is the aggregate type of every event this service emits.
const AggregateTypeBook = "book"

// DefaultOutboxEventVersion is the schema version stamped on new events.
const DefaultOutboxEventVersion = 1

// Outbox delivery statuses.
// These values must match the outbox_events.status check constraint.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// OutboxEvent represents an event to be published via the outbox pattern.
type OutboxEvent struct {
	ID            int64
	EventID       string
	EventVersion  int
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	Metadata      map[string]any
	Status        string
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// NewOutboxEvent creates a new outbox event with the given parameters.
// The payload is JSON-serialized automatically.
func NewOutboxEvent(eventType, aggregateID, aggregateType string, payload any) (*OutboxEvent, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &OutboxEvent{
		EventID:       uuid.New().String(),
		EventVersion:  DefaultOutboxEventVersion,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payloadBytes,
		Status:        OutboxStatusPending,
		CreatedAt:     time.Now(),
	}, nil
}

// WithMetadata sets the metadata on the event.
func (e *OutboxEvent) WithMetadata(metadata map[string]any) *OutboxEvent {
	e.Metadata = metadata
	return e
}

// BookCreatedPayload is the payload for book.created events.
type BookCreatedPayload struct {
	BookID             uuid.UUID `json:"book_id"`
	Title              string    `json:"title"`
	TargetChapterCount int       `json:"target_chapter_count"`
}

// OutlineGeneratedPayload is the payload for book.outline_generated events.
type OutlineGeneratedPayload struct {
	BookID       uuid.UUID `json:"book_id"`
	ChapterCount int       `json:"chapter_count"`
	Revision     bool      `json:"revision"`
}

// DecisionPayload is the payload for outline and chapter decision events.
type DecisionPayload struct {
	BookID        uuid.UUID `json:"book_id"`
	ChapterNumber int       `json:"chapter_number,omitempty"`
	Approved      bool      `json:"approved"`
	Rating        *int      `json:"rating,omitempty"`
	NextState     BookState `json:"next_state"`
}

// ChapterGeneratedPayload is the payload for book.chapter_generated events.
type ChapterGeneratedPayload struct {
	BookID        uuid.UUID `json:"book_id"`
	ChapterNumber int       `json:"chapter_number"`
	Title         string    `json:"title"`
	Words         int       `json:"words"`
	Revision      bool      `json:"revision"`
}

// GenerationFailedPayload is the payload for book.generation_failed events.
type GenerationFailedPayload struct {
	BookID        uuid.UUID `json:"book_id"`
	Stage         string    `json:"stage"`
	ChapterNumber int       `json:"chapter_number,omitempty"`
	Error         string    `json:"error"`
}

// BookCompiledPayload is the payload for book.compiled events.
type BookCompiledPayload struct {
	BookID    uuid.UUID     `json:"book_id"`
	Artifacts []Artifact    `json:"artifacts"`
	Duration  time.Duration `json:"duration_ns"`
}

// BookCompileFailedPayload is the payload for book.compile_failed events.
type BookCompileFailedPayload struct {
	BookID uuid.UUID `json:"book_id"`
	Error  string    `json:"error"`
}
