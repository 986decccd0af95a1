// Package redis provides a Redis implementation of the quotagate.Storage
// interface for multi-instance deployments. Request histories are Redis
// lists with refreshed TTLs, quota state is a JSON blob updated under a
// distributed lock, and bulk cleanup runs server-side as a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/redis/go-redis/v9"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quotagate:").
	KeyPrefix string

	// KeyTTL is the expiry refreshed on every history write so idle keys
	// clean themselves up (default: 1 hour).
	KeyTTL time.Duration

	// QuotaTTL is the expiry for quota state blobs (default: 48 hours,
	// comfortably past the daily reset boundary).
	QuotaTTL time.Duration

	// LockTTL is the expiry of the distributed lock key (default: 10s).
	LockTTL time.Duration

	// LockTimeout bounds how long a quota update waits for the lock
	// (default: 5s).
	LockTimeout time.Duration

	// LockRetryDelay is the polling interval while waiting for the lock
	// (default: 100ms).
	LockRetryDelay time.Duration

	// MaxRetries is the retry budget for transient Redis errors (default: 3).
	MaxRetries int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff between
	// retries (defaults: 500ms and 5s).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "quotagate:",
		KeyTTL:         time.Hour,
		QuotaTTL:       48 * time.Hour,
		LockTTL:        10 * time.Second,
		LockTimeout:    5 * time.Second,
		LockRetryDelay: 100 * time.Millisecond,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

// cleanupScript rewrites every history list under the prefix keeping only
// entries newer than the cutoff, skipping quota and lock keys, and returns
// the number of removed entries. Running server-side avoids shipping every
// list across the network.
var cleanupScript = redis.NewScript(`
	local prefix = ARGV[1]
	local cutoff = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])
	local removed = 0
	local cursor = "0"
	repeat
		local res = redis.call('SCAN', cursor, 'MATCH', prefix .. '*', 'COUNT', 100)
		cursor = res[1]
		for _, key in ipairs(res[2]) do
			local skip = string.find(key, ':lock', 1, true) or string.find(key, prefix .. 'quota:', 1, true)
			if not skip and redis.call('TYPE', key).ok == 'list' then
				local entries = redis.call('LRANGE', key, 0, -1)
				local kept = {}
				for _, v in ipairs(entries) do
					if tonumber(v) >= cutoff then
						table.insert(kept, v)
					end
				end
				if #kept < #entries then
					removed = removed + (#entries - #kept)
					redis.call('DEL', key)
					if #kept > 0 then
						redis.call('RPUSH', key, unpack(kept))
						if ttl > 0 then
							redis.call('EXPIRE', key, ttl)
						end
					end
				end
			end
		end
	until cursor == "0"
	return removed
`)

// Storage implements quotagate.Storage using Redis.
type Storage struct {
	client redis.UniversalClient
	config Config
	logger quotagate.Logger
	retry  failsafe.Executor[any]
}

// New creates a new Redis storage backend. The client can be *redis.Client,
// *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config, logger quotagate.Logger) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "quotagate:"
	}
	if config.KeyTTL <= 0 {
		config.KeyTTL = time.Hour
	}
	if config.QuotaTTL <= 0 {
		config.QuotaTTL = 48 * time.Hour
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 10 * time.Second
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 5 * time.Second
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = 100 * time.Millisecond
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Second
	}
	if logger == nil {
		logger = &quotagate.NoopLogger{}
	}

	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isTransient(err) }).
		WithMaxRetries(config.MaxRetries).
		WithBackoff(config.RetryBaseDelay, config.RetryMaxDelay).
		Build()

	return &Storage{
		client: client,
		config: config,
		logger: logger,
		retry:  failsafe.With(policy),
	}, nil
}

// isTransient reports whether a Redis error is worth retrying. Missing keys
// and context cancellation are not infrastructure faults.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, quotagate.ErrLockTimeout) {
		return false
	}
	return true
}

// GetRequestHistory implements quotagate.Storage.
func (s *Storage) GetRequestHistory(
	ctx context.Context, customerID string, op quotagate.OperationType,
) ([]time.Time, error) {
	key := s.requestKey(customerID, op)

	var raw []string
	err := s.withRetry(ctx, func() error {
		var err error
		raw, err = s.client.LRange(ctx, key, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get request history: %w", err)
	}

	out := make([]time.Time, 0, len(raw))
	for _, v := range raw {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue // tolerate foreign entries rather than failing the read
		}
		out = append(out, timeFromUnixSeconds(secs))
	}
	return out, nil
}

// AddRequest implements quotagate.Storage. A batch operation contributes
// operationSize timestamps; the key TTL is refreshed on every write.
func (s *Storage) AddRequest(
	ctx context.Context, customerID string, op quotagate.OperationType, ts time.Time, operationSize int,
) error {
	if operationSize <= 0 {
		operationSize = 1
	}
	key := s.requestKey(customerID, op)
	value := strconv.FormatFloat(unixSeconds(ts), 'f', 6, 64)

	err := s.withRetry(ctx, func() error {
		pipe := s.client.Pipeline()
		for i := 0; i < operationSize; i++ {
			pipe.RPush(ctx, key, value)
		}
		pipe.Expire(ctx, key, s.config.KeyTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to add request: %w", err)
	}
	return nil
}

// GetQuotaUsage implements quotagate.Storage.
func (s *Storage) GetQuotaUsage(ctx context.Context, customerID string) (*quotagate.QuotaUsage, error) {
	key := s.quotaKey(customerID)

	var data []byte
	err := s.withRetry(ctx, func() error {
		var err error
		data, err = s.client.Get(ctx, key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}

	var usage quotagate.QuotaUsage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota usage: %w", err)
	}
	return &usage, nil
}

// UpdateQuotaUsage implements quotagate.Storage. The read-modify-write runs
// under the distributed lock so concurrent updaters across processes cannot
// lose each other's costs. A lock timeout surfaces to the caller unretried;
// retrying a failed acquisition here risks starvation.
func (s *Storage) UpdateQuotaUsage(ctx context.Context, customerID string, apiCost int) error {
	if apiCost < 0 {
		return quotagate.ErrInvalidAmount
	}

	key := s.quotaKey(customerID)
	lock := NewDistributedLock(s.client, key+":lock",
		s.config.LockTTL, s.config.LockRetryDelay, s.config.LockTimeout)

	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release quota lock",
				quotagate.Field{Key: "customer_id", Value: customerID},
				quotagate.Field{Key: "error", Value: err},
			)
		}
	}()

	usage := &quotagate.QuotaUsage{}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read quota usage: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, usage); err != nil {
			return fmt.Errorf("failed to unmarshal quota usage: %w", err)
		}
	}

	quotagate.ApplyQuotaCost(usage, apiCost, time.Now().UTC())

	updated, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal quota usage: %w", err)
	}
	if err := s.client.Set(ctx, key, updated, s.config.QuotaTTL).Err(); err != nil {
		return fmt.Errorf("failed to write quota usage: %w", err)
	}
	return nil
}

// CleanupOldEntries implements quotagate.Storage. The server-side script is
// preferred; when scripting is unavailable the cleanup falls back to per-key
// client-side rewriting.
func (s *Storage) CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := cleanupScript.Run(ctx, s.client,
		nil,
		s.config.KeyPrefix,
		unixSeconds(cutoff),
		int(s.config.KeyTTL.Seconds()),
	).Int()
	if err == nil {
		return removed, nil
	}

	s.logger.Warn("cleanup script unavailable, falling back to client-side cleanup",
		quotagate.Field{Key: "error", Value: err},
	)
	return s.cleanupClientSide(ctx, cutoff)
}

func (s *Storage) cleanupClientSide(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffSecs := unixSeconds(cutoff)
	removed := 0

	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Contains(key, ":lock") || strings.HasPrefix(key, s.config.KeyPrefix+"quota:") {
			continue
		}

		entries, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			continue
		}

		kept := make([]interface{}, 0, len(entries))
		for _, v := range entries {
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil || secs >= cutoffSecs {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(entries) {
			continue
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, key)
		if len(kept) > 0 {
			pipe.RPush(ctx, key, kept...)
			pipe.Expire(ctx, key, s.config.KeyTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		removed += len(entries) - len(kept)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cleanup scan failed: %w", err)
	}
	return removed, nil
}

// HealthCheck implements quotagate.Storage with a ping probe.
func (s *Storage) HealthCheck(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close closes the Redis client connection.
func (s *Storage) Close() error {
	return s.client.Close()
}

// withRetry runs fn under the transient-error retry policy.
func (s *Storage) withRetry(ctx context.Context, fn func() error) error {
	return s.retry.WithContext(ctx).Run(fn)
}

func (s *Storage) requestKey(customerID string, op quotagate.OperationType) string {
	return fmt.Sprintf("%s%s:%s", s.config.KeyPrefix, customerID, op)
}

func (s *Storage) quotaKey(customerID string) string {
	return fmt.Sprintf("%squota:%s", s.config.KeyPrefix, customerID)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnixSeconds(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second))).UTC()
}
