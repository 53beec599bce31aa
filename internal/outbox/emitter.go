package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
)

// defaultServiceName is stamped into event metadata when none is configured.
const defaultServiceName = "book-generation-service"

// EmitterConfig configures the Emitter with service context.
type EmitterConfig struct {
	// ServiceName identifies the source service.
	ServiceName string
}

// EmitParams contains the parameters for emitting an event.
type EmitParams struct {
	// BookID is the aggregate ID.
	BookID uuid.UUID
	// EventType is the type of event (e.g., "book.created").
	EventType string
	// Payload is the event payload that will be JSON-serialized.
	Payload any
	// CorrelationID for request tracing (optional).
	CorrelationID string
	// RequestID of the HTTP request that caused the event (optional).
	RequestID string
	// TraceID for distributed tracing (optional).
	TraceID string
}

// Emitter creates outbox events enriched with service context.
type Emitter struct {
	config EmitterConfig
}

// NewEmitter creates a new Emitter with the given service configuration.
func NewEmitter(config EmitterConfig) *Emitter {
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}
	return &Emitter{config: config}
}

// Emit creates an outbox event from the given parameters.
// The event is ready to be inserted into the outbox table.
func (e *Emitter) Emit(params EmitParams) (*domain.OutboxEvent, error) {
	if params.BookID == uuid.Nil {
		return nil, fmt.Errorf("book_id is required")
	}
	if params.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}

	event, err := domain.NewOutboxEvent(params.EventType, params.BookID.String(), domain.AggregateTypeBook, params.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	metadata := map[string]any{"source": e.config.ServiceName}
	if params.CorrelationID != "" {
		metadata["correlation_id"] = params.CorrelationID
	}
	if params.RequestID != "" {
		metadata["request_id"] = params.RequestID
	}
	if params.TraceID != "" {
		metadata["trace_id"] = params.TraceID
	}

	return event.WithMetadata(metadata), nil
}

// EmitFromContext is Emit with the correlation, request and trace IDs taken
// from ctx when params leaves them empty.
func (e *Emitter) EmitFromContext(ctx context.Context, params EmitParams) (*domain.OutboxEvent, error) {
	rc := observability.RequestContextFromContext(ctx)
	if params.CorrelationID == "" {
		params.CorrelationID = rc.CorrelationID
	}
	if params.RequestID == "" {
		params.RequestID = rc.RequestID
	}
	if params.TraceID == "" {
		params.TraceID = rc.TraceID
	}
	return e.Emit(params)
}
