package idempotency

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

const keyPrefix = "webhook:processed:"

// DefaultTTL is how long a processed marker lives. Gateways replay
// webhooks for at most a few days, a week of coverage is plenty.
const DefaultTTL = 7 * 24 * time.Hour

// Options provides initialization parameters for Store
type Options struct {
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

// Store deduplicates webhook deliveries and payment-create attempts.
// It is fail-open: if Redis is unreachable we allow processing rather
// than blocking, since webhook senders retry on non-2xx anyway and the
// money-moving effects are guarded by database constraints.
type Store struct {
	Options
}

// NewStore returns a Redis-backed idempotency store
func NewStore(option Options) (*Store, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Store{
		Options: option,
	}, nil
}

// IsProcessed reports whether the given key was already marked. Any
// Redis failure is treated as not-processed.
func (s *Store) IsProcessed(key string) bool {
	val, err := s.Redis.Get(keyPrefix + key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.Logger.Warn("Idempotency lookup failed, treating as not processed",
			zap.String("Key", key),
			zap.Error(err),
		)
		return false
	}
	return val == "1"
}

// MarkProcessed records the key with the given TTL. Failures are logged
// and swallowed: a lost marker only means a replay gets reprocessed, and
// replays are safe by construction.
func (s *Store) MarkProcessed(key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.Redis.Set(keyPrefix+key, "1", ttl).Err(); err != nil {
		s.Logger.Warn("Unable to persist idempotency marker",
			zap.String("Key", key),
			zap.Error(err),
		)
	}
	return nil
}
