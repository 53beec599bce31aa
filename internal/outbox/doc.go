// Package outbox publishes book lifecycle events with the transactional
// outbox pattern.
//
// # Overview
//
// Events are written to the outbox_events table in the same transaction as
// the workflow transition they describe, then relayed to Kafka by a separate
// loop. A transition that rolls back never produces an event, and a committed
// transition is never lost because the broker was down.
//
// # Components
//
//   - Emitter: builds domain.OutboxEvent values with service and tracing metadata
//   - Publisher: emits an event and inserts it through a transaction-bound Inserter
//   - Relay: locks pending events, writes them to Kafka and records the outcome
//   - Listener: wakes the relay on PostgreSQL NOTIFY so delivery does not wait for a poll
//
// # Event Types
//
//   - book.created: a book was accepted
//   - book.outline_generated: an outline was generated or regenerated
//   - book.outline_decided: the outline was approved or rejected
//   - book.chapter_generated: a chapter was generated or regenerated
//   - book.chapter_decided: a chapter was approved or rejected
//   - book.generation_failed: a generation call failed for good
//   - book.compiled: export finished and the book is complete
//   - book.compile_failed: export failed; compile may be retried
//
// # Usage
//
// Publish inside a store transaction:
//
//	publisher := outbox.NewPublisher(outbox.NewEmitter(outbox.EmitterConfig{}))
//	err := store.WithTx(ctx, func(tx repository.Store) error {
//	    // ... transition ...
//	    return publisher.Publish(ctx, tx.Outbox(), outbox.EmitParams{
//	        BookID:    book.ID,
//	        EventType: domain.EventTypeBookCreated,
//	        Payload:   payload,
//	    })
//	})
//
// Relay to Kafka:
//
//	relay := outbox.NewRelay(store, outbox.NewKafkaWriter(kcfg), rcfg, metrics, logger)
//	wake := make(chan struct{}, 1)
//	go outbox.NewListener(dsn, "outbox_events", logger).Run(ctx, wake)
//	err := relay.Run(ctx, wake)
package outbox
