package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Listener turns PostgreSQL NOTIFY messages on the outbox channel into relay
// wakeups, so events are published without waiting for the next poll.
type Listener struct {
	dsn     string
	channel string
	logger  zerolog.Logger
}

// NewListener creates a listener for channel on the database at dsn.
func NewListener(dsn, channel string, logger zerolog.Logger) *Listener {
	return &Listener{
		dsn:     dsn,
		channel: channel,
		logger:  logger.With().Str("component", "outbox_listener").Str("channel", channel).Logger(),
	}
}

// Run signals wake for every notification until ctx is cancelled. Signals
// are dropped while a previous one is still pending.
func (l *Listener) Run(ctx context.Context, wake chan<- struct{}) error {
	pl := pq.NewListener(l.dsn, listenerMinReconnect, listenerMaxReconnect, l.onEvent)
	defer func() { _ = pl.Close() }()

	if err := pl.Listen(l.channel); err != nil {
		return fmt.Errorf("listen on %s: %w", l.channel, err)
	}
	l.logger.Info().Msg("listening for outbox notifications")

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pl.Notify:
			// A nil notification follows a reconnect; events may have been
			// missed, so it wakes the relay as well.
			signal(wake)
		case <-ping.C:
			go func() {
				if err := pl.Ping(); err != nil {
					l.logger.Warn().Err(err).Msg("outbox listener ping failed")
				}
			}()
		}
	}
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		l.logger.Warn().Err(err).Msg("outbox listener connection lost")
	case pq.ListenerEventReconnected:
		l.logger.Info().Msg("outbox listener reconnected")
	}
}

// signal performs a non-blocking send on wake.
func signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
