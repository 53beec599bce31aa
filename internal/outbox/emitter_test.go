package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
)

func TestNewEmitter(t *testing.T) {
	t.Run("uses default service name when empty", func(t *testing.T) {
		emitter := NewEmitter(EmitterConfig{})
		assert.Equal(t, "book-generation-service", emitter.config.ServiceName)
	})

	t.Run("uses provided service name", func(t *testing.T) {
		emitter := NewEmitter(EmitterConfig{ServiceName: "custom-service"})
		assert.Equal(t, "custom-service", emitter.config.ServiceName)
	})
}

func TestEmitter_Emit(t *testing.T) {
	emitter := NewEmitter(EmitterConfig{ServiceName: "test-service"})
	bookID := uuid.New()

	t.Run("creates event with all fields", func(t *testing.T) {
		event, err := emitter.Emit(EmitParams{
			BookID:        bookID,
			EventType:     domain.EventTypeBookCreated,
			Payload:       map[string]string{"key": "value"},
			CorrelationID: "corr-abc",
			RequestID:     "req-123",
			TraceID:       "trace-xyz",
		})
		require.NoError(t, err)

		assert.NotEmpty(t, event.EventID)
		assert.Equal(t, bookID.String(), event.AggregateID)
		assert.Equal(t, domain.AggregateTypeBook, event.AggregateType)
		assert.Equal(t, domain.EventTypeBookCreated, event.EventType)
		assert.Equal(t, domain.OutboxStatusPending, event.Status)
		assert.Equal(t, domain.DefaultOutboxEventVersion, event.EventVersion)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(event.Payload, &decoded))
		assert.Equal(t, "value", decoded["key"])

		assert.Equal(t, "test-service", event.Metadata["source"])
		assert.Equal(t, "corr-abc", event.Metadata["correlation_id"])
		assert.Equal(t, "req-123", event.Metadata["request_id"])
		assert.Equal(t, "trace-xyz", event.Metadata["trace_id"])
	})

	t.Run("omits empty tracing fields", func(t *testing.T) {
		event, err := emitter.Emit(EmitParams{BookID: bookID, EventType: domain.EventTypeBookCreated})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"source": "test-service"}, event.Metadata)
	})

	t.Run("generates unique event IDs", func(t *testing.T) {
		a, err := emitter.Emit(EmitParams{BookID: bookID, EventType: domain.EventTypeBookCreated})
		require.NoError(t, err)
		b, err := emitter.Emit(EmitParams{BookID: bookID, EventType: domain.EventTypeBookCreated})
		require.NoError(t, err)
		assert.NotEqual(t, a.EventID, b.EventID)
	})

	t.Run("returns error when book_id is missing", func(t *testing.T) {
		_, err := emitter.Emit(EmitParams{EventType: domain.EventTypeBookCreated})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "book_id is required")
	})

	t.Run("returns error when event_type is missing", func(t *testing.T) {
		_, err := emitter.Emit(EmitParams{BookID: bookID})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "event_type is required")
	})

	t.Run("returns error when payload cannot be marshaled", func(t *testing.T) {
		_, err := emitter.Emit(EmitParams{BookID: bookID, EventType: domain.EventTypeBookCreated, Payload: make(chan int)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "marshal payload")
	})
}

func TestEmitter_EmitFromContext(t *testing.T) {
	emitter := NewEmitter(EmitterConfig{})
	bookID := uuid.New()

	ctx := observability.WithRequestID(context.Background(), "req-ctx")
	ctx = observability.WithCorrelationID(ctx, "corr-ctx")

	t.Run("fills identifiers from context", func(t *testing.T) {
		event, err := emitter.EmitFromContext(ctx, EmitParams{BookID: bookID, EventType: domain.EventTypeBookCreated})
		require.NoError(t, err)
		assert.Equal(t, "req-ctx", event.Metadata["request_id"])
		assert.Equal(t, "corr-ctx", event.Metadata["correlation_id"])
	})

	t.Run("explicit identifiers win", func(t *testing.T) {
		event, err := emitter.EmitFromContext(ctx, EmitParams{BookID: bookID, EventType: domain.EventTypeBookCreated, CorrelationID: "explicit"})
		require.NoError(t, err)
		assert.Equal(t, "explicit", event.Metadata["correlation_id"])
	})
}
