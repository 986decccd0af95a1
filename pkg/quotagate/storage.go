package quotagate

import (
	"context"
	"time"
)

// Storage defines the interface for rate-limit and quota persistence.
// All implementations must satisfy the same contract so they remain
// substitutable behind the failover wrapper and in tests.
type Storage interface {
	// GetRequestHistory returns all recorded request timestamps for a
	// (customer, operation type) pair. Unknown keys return an empty slice,
	// never an error. Callers must not assume any particular ordering.
	GetRequestHistory(ctx context.Context, customerID string, op OperationType) ([]time.Time, error)

	// AddRequest appends operationSize copies of ts to the key's history.
	// Batch operations cost more than one unit and therefore contribute
	// multiple timestamps. Safe under concurrent callers.
	AddRequest(ctx context.Context, customerID string, op OperationType, ts time.Time, operationSize int) error

	// GetQuotaUsage returns the customer's quota state, or (nil, nil) when
	// none has been recorded yet.
	GetQuotaUsage(ctx context.Context, customerID string) (*QuotaUsage, error)

	// UpdateQuotaUsage performs the read-modify-write of the quota state:
	// daily-reset check first (zero DailyUsage and advance ResetTime to the
	// next midnight UTC when it has passed), then add apiCost, then raise
	// PeakUsage to at least DailyUsage. The whole sequence is atomic with
	// respect to other callers.
	UpdateQuotaUsage(ctx context.Context, customerID string, apiCost int) error

	// CleanupOldEntries removes all timestamps older than cutoff across all
	// keys, skipping quota and lock keys, and returns the number removed.
	// Idempotent: a second call with the same cutoff removes nothing.
	CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error)

	// HealthCheck reports whether the backend can currently serve requests.
	HealthCheck(ctx context.Context) bool
}

// NextMidnightUTC returns the first midnight UTC strictly after t. Storage
// backends use it to advance QuotaUsage.ResetTime exactly once per day.
func NextMidnightUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// ApplyQuotaCost mutates usage in place according to the UpdateQuotaUsage
// contract. Backends call it while holding their respective lock so every
// implementation shares identical reset and peak semantics.
func ApplyQuotaCost(usage *QuotaUsage, apiCost int, now time.Time) {
	if usage.ResetTime.IsZero() {
		usage.ResetTime = NextMidnightUTC(now)
	}
	if !now.Before(usage.ResetTime) {
		usage.DailyUsage = 0
		usage.ResetTime = NextMidnightUTC(now)
	}
	usage.DailyUsage += apiCost
	if usage.PeakUsage < usage.DailyUsage {
		usage.PeakUsage = usage.DailyUsage
	}
	usage.LastUpdated = now.UTC()
}
