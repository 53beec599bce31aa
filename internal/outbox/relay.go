package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/internal/repository"
)

// Relay defaults.
const (
	defaultRelayBatchSize    = 100
	defaultRelayMaxAttempts  = 5
	defaultRelayPollInterval = 5 * time.Second
)

// MessageWriter is the subset of *kafka.Writer used by the relay.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the writer built by NewKafkaWriter.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic receives every book event, keyed by book ID.
	Topic string
	// BatchSize is the maximum number of messages per produce request.
	BatchSize int
	// BatchTimeout is the maximum time to wait for a batch to fill.
	BatchTimeout time.Duration
}

// NewKafkaWriter creates a synchronous writer that hashes on the message key,
// so events of one book land on one partition in order.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
}

// RelayConfig holds relay settings.
type RelayConfig struct {
	// BatchSize is the number of events locked and published per batch.
	BatchSize int
	// MaxAttempts is the number of publish attempts before an event is marked failed.
	MaxAttempts int
	// PollInterval is how often the relay polls when no notification arrives.
	PollInterval time.Duration
}

// Relay moves pending outbox events to Kafka.
type Relay struct {
	store   repository.Store
	writer  MessageWriter
	cfg     RelayConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewRelay creates a relay reading from store and writing to writer.
func NewRelay(store repository.Store, writer MessageWriter, cfg RelayConfig, metrics *observability.Metrics, logger zerolog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRelayBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultRelayMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultRelayPollInterval
	}
	return &Relay{
		store:   store,
		writer:  writer,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "outbox_relay").Logger(),
	}
}

// Run publishes batches until ctx is cancelled. A batch runs on every poll
// tick and on every signal received from wake, which may be nil.
func (r *Relay) Run(ctx context.Context, wake <-chan struct{}) error {
	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("starting outbox relay")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped via context cancellation")
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain processes batches until one comes back short or fails.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("outbox batch failed")
			}
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

// ProcessBatch locks one batch of pending events, writes them to Kafka and
// records the outcome of each. It returns the number of events fetched.
// Publish failures are recorded on the events and do not fail the batch.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	var fetched int
	err := r.store.WithTx(ctx, func(tx repository.Store) error {
		events, err := tx.Outbox().FetchPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		fetched = len(events)
		if fetched == 0 {
			return nil
		}

		msgs := make([]kafka.Message, len(events))
		for i, ev := range events {
			msgs[i] = toMessage(ev)
		}

		writeErr := r.writer.WriteMessages(ctx, msgs...)
		return r.record(ctx, tx.Outbox(), events, writeErr)
	})
	if err != nil {
		return 0, fmt.Errorf("process outbox batch: %w", err)
	}
	return fetched, nil
}

// record marks each event published or failed according to writeErr.
func (r *Relay) record(ctx context.Context, repo repository.OutboxRepository, events []*domain.OutboxEvent, writeErr error) error {
	var perMessage kafka.WriteErrors
	partial := errors.As(writeErr, &perMessage) && len(perMessage) == len(events)

	published := 0
	for i, ev := range events {
		cause := writeErr
		if partial {
			cause = perMessage[i]
		}

		if cause == nil {
			if err := repo.MarkPublished(ctx, ev.ID); err != nil {
				return err
			}
			published++
			continue
		}

		r.metrics.RecordOutboxFailed()
		r.logger.Warn().Err(cause).
			Int64("id", ev.ID).
			Str("event_type", ev.EventType).
			Int("attempt", ev.Attempts+1).
			Msg("failed to publish outbox event")
		if err := repo.MarkFailed(ctx, ev.ID, cause.Error(), r.cfg.MaxAttempts); err != nil {
			return err
		}
	}

	r.metrics.RecordOutboxPublished(published)
	if published > 0 {
		r.logger.Debug().Int("published", published).Int("batch", len(events)).Msg("published outbox events")
	}
	return nil
}

// toMessage converts an event into a Kafka message keyed by aggregate ID.
func toMessage(ev *domain.OutboxEvent) kafka.Message {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(ev.EventID)},
		{Key: "event_type", Value: []byte(ev.EventType)},
		{Key: "aggregate_type", Value: []byte(ev.AggregateType)},
		{Key: "event_version", Value: []byte(fmt.Sprint(ev.EventVersion))},
	}
	for _, key := range []string{"source", "correlation_id", "request_id", "trace_id"} {
		if v, ok := ev.Metadata[key].(string); ok && v != "" {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}

	return kafka.Message{
		Key:     []byte(ev.AggregateID),
		Value:   ev.Payload,
		Headers: headers,
		Time:    ev.CreatedAt,
	}
}

// Close closes the underlying writer.
func (r *Relay) Close() error {
	r.logger.Info().Msg("closing outbox relay")
	return r.writer.Close()
}
