package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adstack/quotagate/storage/failover"
	"github.com/adstack/quotagate/storage/memory"
	"github.com/adstack/quotagate/storage/redis"
)

func TestNewBackendDefaultsToMemory(t *testing.T) {
	backend, err := NewBackend(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &memory.Storage{}, backend)
}

func TestNewBackendWrapsRedisInFailover(t *testing.T) {
	backend, err := NewBackend(context.Background(), Config{
		RedisAddr: "localhost:6379",
	})
	require.NoError(t, err)
	assert.IsType(t, &failover.Storage{}, backend)

	// Whether or not Redis is actually reachable, the wrapper serves.
	assert.NoError(t, backend.UpdateQuotaUsage(context.Background(), "cust1", 1))
}

func TestNewBackendDisableFailover(t *testing.T) {
	backend, err := NewBackend(context.Background(), Config{
		RedisAddr:       "localhost:6379",
		DisableFailover: true,
	})
	require.NoError(t, err)
	assert.IsType(t, &redis.Storage{}, backend)
}
