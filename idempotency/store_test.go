package idempotency

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unreachableRedis returns a client pointing at a port nothing listens on,
// so every command errors out quickly.
func unreachableRedis() redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestIsProcessedFailsOpen(t *testing.T) {
	store, err := NewStore(Options{
		Redis:  unreachableRedis(),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	require.False(t, store.IsProcessed("evt_123"))
}

func TestMarkProcessedSwallowsInfraErrors(t *testing.T) {
	store, err := NewStore(Options{
		Redis:  unreachableRedis(),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkProcessed("evt_123", time.Hour))
}

func TestNewStoreValidatesOptions(t *testing.T) {
	_, err := NewStore(Options{Logger: zap.NewNop()})
	require.Error(t, err)

	_, err = NewStore(Options{Redis: unreachableRedis()})
	require.Error(t, err)
}
