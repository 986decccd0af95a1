package quotagate

import (
	"context"
	"time"
)

// SlidingWindowLimiter enforces a per-customer, per-operation-type request
// rate over a rolling window, backed by a Storage implementation. With the
// Redis backend, the limit holds across process instances.
type SlidingWindowLimiter struct {
	storage Storage
	limit   int
	window  time.Duration
	logger  Logger
	metrics Metrics
}

// NewSlidingWindowLimiter creates a sliding-window limiter allowing limit
// request units per window for each (customer, operation type) pair.
func NewSlidingWindowLimiter(storage Storage, limit int, window time.Duration, logger Logger, metrics Metrics) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &SlidingWindowLimiter{
		storage: storage,
		limit:   limit,
		window:  window,
		logger:  logger,
		metrics: metrics,
	}
}

// Allow checks the rolling window for the key and records the request when it
// fits. operationSize models batch calls costing more than one unit. On
// storage errors the request is allowed: rate limiting degrades open rather
// than blocking legitimate work during an outage.
func (l *SlidingWindowLimiter) Allow(
	ctx context.Context, customerID string, op OperationType, operationSize int,
) (bool, error) {
	if operationSize <= 0 {
		operationSize = 1
	}
	now := time.Now().UTC()

	start := time.Now()
	history, err := l.storage.GetRequestHistory(ctx, customerID, op)
	l.metrics.RecordStorageOperation("get_request_history", time.Since(start), err)
	if err != nil {
		l.logger.Warn("rate limit check degraded open on storage error",
			Field{"customer_id", customerID},
			Field{"operation_type", op},
			Field{"error", err},
		)
		return true, nil
	}

	cutoff := now.Add(-l.window)
	inWindow := 0
	for _, ts := range history {
		if ts.After(cutoff) {
			inWindow++
		}
	}

	if inWindow+operationSize > l.limit {
		l.logger.Info("request rate limited",
			Field{"customer_id", customerID},
			Field{"operation_type", op},
			Field{"in_window", inWindow},
			Field{"limit", l.limit},
		)
		return false, nil
	}

	start = time.Now()
	err = l.storage.AddRequest(ctx, customerID, op, now, operationSize)
	l.metrics.RecordStorageOperation("add_request", time.Since(start), err)
	if err != nil {
		// Already admitted; recording is best effort.
		l.logger.Warn("failed to record rate limit request",
			Field{"customer_id", customerID},
			Field{"error", err},
		)
	}

	return true, nil
}

// RecordCost charges apiCost against the customer's daily quota state.
func (l *SlidingWindowLimiter) RecordCost(ctx context.Context, customerID string, apiCost int) error {
	if apiCost < 0 {
		return ErrInvalidAmount
	}
	start := time.Now()
	err := l.storage.UpdateQuotaUsage(ctx, customerID, apiCost)
	l.metrics.RecordStorageOperation("update_quota_usage", time.Since(start), err)
	return err
}

// Cleanup prunes request history older than twice the window so idle keys do
// not grow unbounded. Intended to run periodically from the host application.
func (l *SlidingWindowLimiter) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-2 * l.window)
	start := time.Now()
	removed, err := l.storage.CleanupOldEntries(ctx, cutoff)
	l.metrics.RecordStorageOperation("cleanup_old_entries", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		l.logger.Debug("pruned rate limit history", Field{"removed", removed})
	}
	return removed, nil
}
