package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// acquireScript takes the lock only when the key is free, with an expiry so
// a crashed holder cannot wedge the quota update path forever.
var acquireScript = redis.NewScript(`
	if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
		return 1
	end
	return 0
`)

// releaseScript deletes the key only while this holder still owns it. After
// a natural expiry the lock may belong to someone else; deleting it then
// would hand out the critical section twice.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// DistributedLock is a Redis-based mutual-exclusion primitive with bounded
// acquisition and ownership-checked release. It serializes the quota
// read-modify-write across processes and is never held across other I/O.
type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	value      string
	ttl        time.Duration
	retryDelay time.Duration
	timeout    time.Duration
}

// NewDistributedLock creates a lock on the given key. Each lock instance
// carries a unique ownership token.
func NewDistributedLock(client redis.UniversalClient, key string, ttl, retryDelay, timeout time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      uuid.NewString(),
		ttl:        ttl,
		retryDelay: retryDelay,
		timeout:    timeout,
	}
}

// Acquire polls until the lock is taken or the timeout elapses, in which
// case it fails with quotagate.ErrLockTimeout.
func (l *DistributedLock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("lock acquire failed: %w", err)
		}
		if ok == 1 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", quotagate.ErrLockTimeout, l.key, l.timeout)
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Release frees the lock if this holder still owns it. Releasing a lock that
// has expired and been re-acquired by another holder is a no-op.
func (l *DistributedLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}
