package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/inkwell/book-generation-service/internal/domain"
)

const (
	defaultRedisTTL    = 15 * time.Minute
	defaultRedisPrefix = "bookgen:lock:"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot release a lock taken over by someone else.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// ErrLeaseLost is returned by Unlock when the lease expired before release.
var ErrLeaseLost = errors.New("lock lease expired before release")

// redisCommander is the subset of *redis.Client used by Redis.
type redisCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	// TTL is the lease length; it must outlive the slowest operation.
	TTL time.Duration
	// KeyPrefix namespaces lock keys.
	KeyPrefix string
}

// Redis is a Locker backed by SET NX PX leases, shared by every replica
// pointed at the same Redis.
type Redis struct {
	client redisCommander
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedis creates a Redis locker. client is usually a *redis.Client.
func NewRedis(client redisCommander, opts RedisOptions, logger zerolog.Logger) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = defaultRedisTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultRedisPrefix
	}
	return &Redis{
		client: client,
		ttl:    opts.TTL,
		prefix: opts.KeyPrefix,
		logger: logger.With().Str("component", "redis_lock").Logger(),
	}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, bookID uuid.UUID) (Unlock, error) {
	key := r.prefix + bookID.String()
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLocked
	}

	return func(ctx context.Context) error {
		deleted, err := r.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if deleted == 0 {
			r.logger.Warn().Str("key", key).Msg("lock lease expired before release")
			return ErrLeaseLost
		}
		return nil
	}, nil
}
