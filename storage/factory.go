// Package storage wires the available backends into a single constructor so
// callers pick a backend through configuration rather than imports.
package storage

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/adstack/quotagate/pkg/quotagate"
	"github.com/adstack/quotagate/storage/failover"
	"github.com/adstack/quotagate/storage/memory"
	"github.com/adstack/quotagate/storage/postgres"
	"github.com/adstack/quotagate/storage/redis"
)

// Config selects and configures a storage backend. Redis takes precedence
// over PostgreSQL; when neither is configured the in-memory backend is used.
type Config struct {
	// RedisAddr enables the Redis backend when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Redis         redis.Config

	// PostgresDSN enables the PostgreSQL backend when non-empty and Redis
	// is not configured.
	PostgresDSN string
	Postgres    postgres.Config

	// DisableFailover skips wrapping durable backends in the failover
	// layer. Intended for tests.
	DisableFailover bool

	Logger  quotagate.Logger
	Metrics quotagate.Metrics
}

// NewBackend builds the storage backend described by cfg. Durable backends
// are wrapped in a failover layer over an in-memory fallback so quota
// enforcement degrades instead of failing when the backend is unreachable.
func NewBackend(ctx context.Context, cfg Config) (quotagate.Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &quotagate.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &quotagate.NoopMetrics{}
	}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		primary, err := redis.New(client, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis backend: %w", err)
		}
		return wrap(primary, cfg, logger, metrics)
	}

	if cfg.PostgresDSN != "" {
		pgCfg := cfg.Postgres
		if pgCfg.MaxConns == 0 {
			pgCfg = postgres.DefaultConfig()
		}
		pgCfg.ConnectionString = cfg.PostgresDSN
		primary, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres backend: %w", err)
		}
		return wrap(primary, cfg, logger, metrics)
	}

	return memory.New(), nil
}

func wrap(primary quotagate.Storage, cfg Config, logger quotagate.Logger, metrics quotagate.Metrics) (quotagate.Storage, error) {
	if cfg.DisableFailover {
		return primary, nil
	}
	fo, err := failover.New(failover.Config{
		Primary:  primary,
		Fallback: memory.New(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create failover wrapper: %w", err)
	}
	return fo, nil
}
