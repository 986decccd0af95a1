// Package failover provides a storage wrapper that routes to a primary
// backend (typically Redis) while healthy and degrades transparently to a
// fallback backend (typically in-memory) when the primary fails. Recovery is
// automatic via periodic health probes. State accumulated in the fallback
// during an outage is not reconciled back into the primary on recovery:
// outage-period usage is best effort and locally bounded.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// Config configures the failover behavior.
type Config struct {
	// Primary is the preferred backend (e.g. Redis).
	Primary quotagate.Storage

	// Fallback serves while the primary is down (e.g. in-memory). Calls to
	// the fallback never fail over again.
	Fallback quotagate.Storage

	// HealthCheckInterval bounds how often the primary is re-probed, so a
	// down primary is not pinged on every call (default: 30s).
	HealthCheckInterval time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger quotagate.Logger

	// Metrics is used for tracking failover transitions (default: NoopMetrics).
	Metrics quotagate.Metrics
}

// Storage implements quotagate.Storage with automatic failover, preferring
// availability over consistency.
type Storage struct {
	primary  quotagate.Storage
	fallback quotagate.Storage
	config   Config

	mu          sync.Mutex
	primaryUp   bool
	lastProbeAt time.Time
}

// New creates a new failover storage wrapper.
func New(config Config) (*Storage, error) {
	if config.Primary == nil || config.Fallback == nil {
		return nil, quotagate.ErrStorageUnavailable
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &quotagate.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &quotagate.NoopMetrics{}
	}

	return &Storage{
		primary:  config.Primary,
		fallback: config.Fallback,
		config:   config,
		// Assume up until the first probe says otherwise.
		primaryUp: true,
	}, nil
}

// primaryAvailable returns the cached availability flag, re-probing the
// primary at most once per health-check interval.
func (s *Storage) primaryAvailable(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastProbeAt) < s.config.HealthCheckInterval {
		return s.primaryUp
	}
	s.lastProbeAt = now

	up := s.primary.HealthCheck(ctx)
	if up && !s.primaryUp {
		s.config.Logger.Info("primary storage recovered, routing restored")
		s.config.Metrics.RecordFailover("recovered")
	}
	s.primaryUp = up
	return up
}

// markPrimaryDown flips the availability flag after a failed primary call so
// subsequent calls skip straight to the fallback until the next probe.
func (s *Storage) markPrimaryDown(op string, err error) {
	s.mu.Lock()
	wasUp := s.primaryUp
	s.primaryUp = false
	s.lastProbeAt = time.Now()
	s.mu.Unlock()

	if wasUp {
		s.config.Logger.Warn("primary storage failed, degrading to fallback",
			quotagate.Field{Key: "operation", Value: op},
			quotagate.Field{Key: "error", Value: err},
		)
		s.config.Metrics.RecordFailover("degraded")
	}
}

// GetRequestHistory implements quotagate.Storage.
func (s *Storage) GetRequestHistory(
	ctx context.Context, customerID string, op quotagate.OperationType,
) ([]time.Time, error) {
	if s.primaryAvailable(ctx) {
		history, err := s.primary.GetRequestHistory(ctx, customerID, op)
		if err == nil {
			return history, nil
		}
		s.markPrimaryDown("get_request_history", err)
	}
	return s.fallback.GetRequestHistory(ctx, customerID, op)
}

// AddRequest implements quotagate.Storage.
func (s *Storage) AddRequest(
	ctx context.Context, customerID string, op quotagate.OperationType, ts time.Time, operationSize int,
) error {
	if s.primaryAvailable(ctx) {
		err := s.primary.AddRequest(ctx, customerID, op, ts, operationSize)
		if err == nil {
			return nil
		}
		s.markPrimaryDown("add_request", err)
	}
	return s.fallback.AddRequest(ctx, customerID, op, ts, operationSize)
}

// GetQuotaUsage implements quotagate.Storage.
func (s *Storage) GetQuotaUsage(ctx context.Context, customerID string) (*quotagate.QuotaUsage, error) {
	if s.primaryAvailable(ctx) {
		usage, err := s.primary.GetQuotaUsage(ctx, customerID)
		if err == nil {
			return usage, nil
		}
		s.markPrimaryDown("get_quota_usage", err)
	}
	return s.fallback.GetQuotaUsage(ctx, customerID)
}

// UpdateQuotaUsage implements quotagate.Storage.
func (s *Storage) UpdateQuotaUsage(ctx context.Context, customerID string, apiCost int) error {
	if s.primaryAvailable(ctx) {
		err := s.primary.UpdateQuotaUsage(ctx, customerID, apiCost)
		if err == nil {
			return nil
		}
		s.markPrimaryDown("update_quota_usage", err)
	}
	return s.fallback.UpdateQuotaUsage(ctx, customerID, apiCost)
}

// CleanupOldEntries implements quotagate.Storage.
func (s *Storage) CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error) {
	if s.primaryAvailable(ctx) {
		removed, err := s.primary.CleanupOldEntries(ctx, cutoff)
		if err == nil {
			return removed, nil
		}
		s.markPrimaryDown("cleanup_old_entries", err)
	}
	return s.fallback.CleanupOldEntries(ctx, cutoff)
}

// HealthCheck implements quotagate.Storage. The wrapper is healthy as long
// as either backend can serve.
func (s *Storage) HealthCheck(ctx context.Context) bool {
	if s.primaryAvailable(ctx) {
		return true
	}
	return s.fallback.HealthCheck(ctx)
}
