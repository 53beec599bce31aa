package outbox

import (
	"context"
	"fmt"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// Inserter is the subset of repository.OutboxRepository needed to store events.
// Pass the repository bound to the transaction that produced the state change.
type Inserter interface {
	Insert(ctx context.Context, event *domain.OutboxEvent) error
}

// Publisher combines the Emitter with an Inserter for a complete event
// publishing workflow.
type Publisher struct {
	emitter *Emitter
}

// NewPublisher creates a new Publisher with the given emitter.
func NewPublisher(emitter *Emitter) *Publisher {
	if emitter == nil {
		emitter = NewEmitter(EmitterConfig{})
	}
	return &Publisher{emitter: emitter}
}

// Publish emits an event and inserts it through inserter. With an inserter
// bound to a transaction the event commits or rolls back with it.
func (p *Publisher) Publish(ctx context.Context, inserter Inserter, params EmitParams) error {
	event, err := p.emitter.EmitFromContext(ctx, params)
	if err != nil {
		return fmt.Errorf("emit event: %w", err)
	}
	if err := inserter.Insert(ctx, event); err != nil {
		return fmt.Errorf("store %s event: %w", event.EventType, err)
	}
	return nil
}
