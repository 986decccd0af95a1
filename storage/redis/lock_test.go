package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adstack/quotagate/pkg/quotagate"
)

func TestLockAcquireRelease(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	lock := NewDistributedLock(client, "test:lock:basic", 5*time.Second, 10*time.Millisecond, time.Second)
	require.NoError(t, lock.Acquire(ctx))
	require.NoError(t, lock.Release(ctx))

	// Released locks can be re-acquired immediately.
	require.NoError(t, lock.Acquire(ctx))
	require.NoError(t, lock.Release(ctx))
}

func TestLockMutualExclusion(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	first := NewDistributedLock(client, "test:lock:mutex", 5*time.Second, 10*time.Millisecond, time.Second)
	require.NoError(t, first.Acquire(ctx))

	second := NewDistributedLock(client, "test:lock:mutex", 5*time.Second, 10*time.Millisecond, 100*time.Millisecond)
	err := second.Acquire(ctx)
	assert.ErrorIs(t, err, quotagate.ErrLockTimeout)

	require.NoError(t, first.Release(ctx))
	assert.NoError(t, second.Acquire(ctx))
	require.NoError(t, second.Release(ctx))
}

func TestLockReleaseIsOwnershipChecked(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	owner := NewDistributedLock(client, "test:lock:owner", 5*time.Second, 10*time.Millisecond, time.Second)
	require.NoError(t, owner.Acquire(ctx))

	// A non-owner release is a no-op: the lock stays held.
	intruder := NewDistributedLock(client, "test:lock:owner", 5*time.Second, 10*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, intruder.Release(ctx))
	assert.ErrorIs(t, intruder.Acquire(ctx), quotagate.ErrLockTimeout)

	require.NoError(t, owner.Release(ctx))
}

func TestLockExpiresWithTTL(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	short := NewDistributedLock(client, "test:lock:ttl", 50*time.Millisecond, 10*time.Millisecond, time.Second)
	require.NoError(t, short.Acquire(ctx))

	// After the TTL lapses the lock is free for the next holder.
	waiter := NewDistributedLock(client, "test:lock:ttl", time.Second, 20*time.Millisecond, time.Second)
	assert.NoError(t, waiter.Acquire(ctx))
	require.NoError(t, waiter.Release(ctx))
}
