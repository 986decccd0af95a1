package quotagate

import (
	"time"
)

// OperationType categorizes an upstream API call for rate limiting purposes.
// Each operation type is tracked independently per customer.
type OperationType string

const (
	OperationSearch      OperationType = "search"
	OperationMutate      OperationType = "mutate"
	OperationReport      OperationType = "report"
	OperationBulkMutate  OperationType = "bulk_mutate"
	OperationAccountInfo OperationType = "account_info"
)

// Priority expresses how urgent a quota request is. Critical requests are
// granted a small slack above the daily limit; everything else is denied once
// the limit would be exceeded.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// StatusLevel is a derived label for the current quota standing. It is
// recomputed from the counters on every check and never persisted.
type StatusLevel string

const (
	StatusHealthy   StatusLevel = "healthy"
	StatusWarning   StatusLevel = "warning"
	StatusCritical  StatusLevel = "critical"
	StatusExhausted StatusLevel = "exhausted"
)

// QuotaUsage is the per-customer daily quota state persisted by a storage
// backend. DailyUsage only grows within a day and is zeroed exactly once when
// the reset boundary passes; PeakUsage never falls below DailyUsage.
type QuotaUsage struct {
	DailyUsage  int       `json:"daily_usage"`
	ResetTime   time.Time `json:"reset_time"`
	PeakUsage   int       `json:"peak_usage"`
	LastUpdated time.Time `json:"last_updated"`
}

// AlertType classifies a quota alert.
type AlertType string

const (
	AlertQuotaExhaustion AlertType = "quota_exhaustion"
	AlertRateLimit       AlertType = "rate_limit"
	AlertQuotaCritical   AlertType = "quota_critical"
	AlertQuotaWarning    AlertType = "quota_warning"
)

// AlertSeverity is the severity of a quota alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert records a threshold crossing. Alerts live in a bounded in-process
// ring (last 100) and are never persisted.
type Alert struct {
	Type      AlertType     `json:"type"`
	Message   string        `json:"message"`
	Severity  AlertSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
}

// Decision is the outcome of a quota availability check. Consumers build
// their own transport mapping (HTTP 402/429, deferral, ...) from it.
type Decision struct {
	Allowed            bool     `json:"allowed"`
	Reason             string   `json:"reason"`
	EnforcementActions []string `json:"enforcement_actions,omitempty"`
}

// UsageSample is one minute-resolution entry in the manager's usage history,
// used for exhaustion prediction.
type UsageSample struct {
	Minute   time.Time `json:"minute"`
	Calls    int       `json:"calls"`
	Analyzer string    `json:"analyzer"`
}

// AnalyzerMetrics reports per-analyzer usage and a derived efficiency score.
type AnalyzerMetrics struct {
	QuotaUsed        int     `json:"quota_used"`
	PercentOfDaily   float64 `json:"percent_of_daily"`
	AvgExecutionTime float64 `json:"avg_execution_time_seconds"`
	ExecutionCount   int     `json:"execution_count"`
	EfficiencyScore  float64 `json:"efficiency_score"`
}

// QuotaStatus is the observability snapshot returned by Manager.Status.
type QuotaStatus struct {
	DailyUsage         int                        `json:"daily_usage"`
	DailyLimit         int                        `json:"daily_limit"`
	DailyRemaining     int                        `json:"daily_remaining"`
	DailyPercent       float64                    `json:"daily_percent"`
	MinuteUsage        int                        `json:"minute_usage"`
	MinuteLimit        int                        `json:"minute_limit"`
	PredictedExhausted *time.Time                 `json:"predicted_exhaustion,omitempty"`
	Analyzers          map[string]AnalyzerMetrics `json:"analyzers"`
	RecentAlerts       []Alert                    `json:"recent_alerts"`
	Status             StatusLevel                `json:"status"`
	Recommendations    []string                   `json:"recommendations"`
}

// QueueStatus is the observational snapshot of the execution queue.
type QueueStatus struct {
	Depth          int  `json:"depth"`
	Running        int  `json:"running"`
	MaxConcurrent  int  `json:"max_concurrent"`
	ProcessorAlive bool `json:"processor_alive"`
}
