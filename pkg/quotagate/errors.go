package quotagate

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when a storage backend cannot serve
	// requests and no fallback is available.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrLockTimeout is returned when a distributed lock could not be
	// acquired within its configured timeout.
	ErrLockTimeout = errors.New("distributed lock acquisition timed out")

	// ErrExecutionTimeout is returned to a caller whose queued execution did
	// not complete within its maximum wait time.
	ErrExecutionTimeout = errors.New("queued execution timed out")

	// ErrQueueStopped is returned when work is submitted to a stopped queue.
	ErrQueueStopped = errors.New("execution queue stopped")

	// ErrInvalidAmount is returned for negative quota amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// QuotaExhaustedError is raised by callers that treat a denied quota check as
// fatal. It carries enough context to diagnose which limit was hit.
type QuotaExhaustedError struct {
	QuotaType string // "daily" or "per_minute"
	Current   int
	Limit     int
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("%s quota exhausted: %d/%d", e.QuotaType, e.Current, e.Limit)
}
