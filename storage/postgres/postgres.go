// Package postgres provides a PostgreSQL implementation of the
// quotagate.Storage interface for deployments that want the quota state and
// request histories durable. Quota updates run in a transaction with
// SELECT FOR UPDATE, which supplies the same serialization the Redis backend
// gets from its distributed lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Storage implements quotagate.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL storage backend.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// CreateSchema creates the required tables if they do not exist.
func (s *Storage) CreateSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS request_history (
			customer_id    TEXT             NOT NULL,
			operation_type TEXT             NOT NULL,
			ts             DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS request_history_key_idx
			ON request_history (customer_id, operation_type);
		CREATE INDEX IF NOT EXISTS request_history_ts_idx
			ON request_history (ts);

		CREATE TABLE IF NOT EXISTS quota_usage (
			customer_id  TEXT PRIMARY KEY,
			daily_usage  INTEGER     NOT NULL DEFAULT 0,
			reset_time   TIMESTAMPTZ NOT NULL,
			peak_usage   INTEGER     NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// GetRequestHistory implements quotagate.Storage.
func (s *Storage) GetRequestHistory(
	ctx context.Context, customerID string, op quotagate.OperationType,
) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts FROM request_history WHERE customer_id = $1 AND operation_type = $2`,
		customerID, string(op))
	if err != nil {
		return nil, fmt.Errorf("failed to get request history: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var secs float64
		if err := rows.Scan(&secs); err != nil {
			return nil, fmt.Errorf("failed to scan request history: %w", err)
		}
		out = append(out, time.Unix(0, int64(secs*float64(time.Second))).UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read request history: %w", err)
	}
	return out, nil
}

// AddRequest implements quotagate.Storage.
func (s *Storage) AddRequest(
	ctx context.Context, customerID string, op quotagate.OperationType, ts time.Time, operationSize int,
) error {
	if operationSize <= 0 {
		operationSize = 1
	}
	secs := float64(ts.UnixNano()) / float64(time.Second)

	batch := &pgx.Batch{}
	for i := 0; i < operationSize; i++ {
		batch.Queue(
			`INSERT INTO request_history (customer_id, operation_type, ts) VALUES ($1, $2, $3)`,
			customerID, string(op), secs)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to add request: %w", err)
	}
	return nil
}

// GetQuotaUsage implements quotagate.Storage.
func (s *Storage) GetQuotaUsage(ctx context.Context, customerID string) (*quotagate.QuotaUsage, error) {
	var usage quotagate.QuotaUsage
	err := s.pool.QueryRow(ctx,
		`SELECT daily_usage, reset_time, peak_usage, last_updated
			FROM quota_usage WHERE customer_id = $1`,
		customerID,
	).Scan(&usage.DailyUsage, &usage.ResetTime, &usage.PeakUsage, &usage.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}
	return &usage, nil
}

// UpdateQuotaUsage implements quotagate.Storage. The row lock taken by
// SELECT FOR UPDATE serializes concurrent updaters.
func (s *Storage) UpdateQuotaUsage(ctx context.Context, customerID string, apiCost int) error {
	if apiCost < 0 {
		return quotagate.ErrInvalidAmount
	}
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the row exists so FOR UPDATE has something to lock.
	_, err = tx.Exec(ctx, `
		INSERT INTO quota_usage (customer_id, daily_usage, reset_time, peak_usage, last_updated)
		VALUES ($1, 0, $2, 0, $3)
		ON CONFLICT (customer_id) DO NOTHING`,
		customerID, quotagate.NextMidnightUTC(now), now)
	if err != nil {
		return fmt.Errorf("failed to ensure quota row: %w", err)
	}

	var usage quotagate.QuotaUsage
	err = tx.QueryRow(ctx, `
		SELECT daily_usage, reset_time, peak_usage, last_updated
			FROM quota_usage
			WHERE customer_id = $1
			FOR UPDATE`,
		customerID,
	).Scan(&usage.DailyUsage, &usage.ResetTime, &usage.PeakUsage, &usage.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to lock quota row: %w", err)
	}

	quotagate.ApplyQuotaCost(&usage, apiCost, now)

	_, err = tx.Exec(ctx, `
		UPDATE quota_usage
			SET daily_usage = $2, reset_time = $3, peak_usage = $4, last_updated = $5
			WHERE customer_id = $1`,
		customerID, usage.DailyUsage, usage.ResetTime, usage.PeakUsage, usage.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to update quota usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit quota update: %w", err)
	}
	return nil
}

// CleanupOldEntries implements quotagate.Storage.
func (s *Storage) CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error) {
	secs := float64(cutoff.UnixNano()) / float64(time.Second)
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_history WHERE ts < $1`, secs)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up request history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck implements quotagate.Storage.
func (s *Storage) HealthCheck(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}
