package quotagate

import "time"

// Metrics defines the interface for tracking quota and queue operations.
type Metrics interface {
	// RecordQuotaCheck records the outcome of a quota availability check.
	RecordQuotaCheck(analyzer string, priority Priority, allowed bool)

	// RecordReservation records a successful quota reservation.
	RecordReservation(analyzer string, calls int)

	// RecordAlert records a raised quota alert.
	RecordAlert(alertType AlertType, severity AlertSeverity)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordFailover records a failover state transition ("degraded", "recovered").
	RecordFailover(state string)

	// RecordExecution records a finished analyzer execution.
	RecordExecution(analyzer string, duration time.Duration, err error)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(depth int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordQuotaCheck(analyzer string, priority Priority, allowed bool)        {}
func (n *NoopMetrics) RecordReservation(analyzer string, calls int)                             {}
func (n *NoopMetrics) RecordAlert(alertType AlertType, severity AlertSeverity)                  {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, e error) {}
func (n *NoopMetrics) RecordFailover(state string)                                              {}
func (n *NoopMetrics) RecordExecution(analyzer string, duration time.Duration, err error)       {}
func (n *NoopMetrics) RecordQueueDepth(depth int)                                               {}
