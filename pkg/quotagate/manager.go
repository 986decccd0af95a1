package quotagate

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// criticalSlack is the fraction of the daily limit that critical-priority
	// work may overshoot before it too is denied.
	criticalSlack = 1.05

	usageHistoryCap  = 1440 // 24h at one-minute resolution
	alertRingCap     = 100
	timingHistoryCap = 50

	predictionWindow   = 60 // trailing history entries considered
	predictionHorizonM = 240
	predictionMinTotal = 10
	predictionMinData  = 5
)

// ManagerConfig holds quota manager configuration.
type ManagerConfig struct {
	// DailyQuotaLimit is the total API cost budget per UTC day.
	DailyQuotaLimit int

	// RateLimitPerMinute is the hard per-minute cost ceiling.
	RateLimitPerMinute int

	// WarningThreshold and CriticalThreshold are fractions of the daily
	// limit that trigger observability alerts (defaults: 0.8 and 0.95).
	WarningThreshold  float64
	CriticalThreshold float64

	// EnablePredictiveAnalysis toggles exhaustion forecasting.
	EnablePredictiveAnalysis bool

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking quota operations (default: NoopMetrics).
	Metrics Metrics
}

// Manager is the quota policy engine. It tracks daily and per-minute usage
// against configured limits, raises threshold alerts, predicts exhaustion
// from a trailing usage history, and keeps per-analyzer usage and timing
// records. All state is in-process and guarded by a single mutex; construct
// one Manager at the composition root and pass it down.
type Manager struct {
	config ManagerConfig

	mu            sync.Mutex
	dailyUsage    int
	minuteUsage   int
	minuteStart   time.Time
	resetTime     time.Time
	usageHistory  []UsageSample
	alerts        []Alert
	analyzerUsage map[string]int
	timings       map[string][]float64 // execution durations, seconds

	nowFn func() time.Time
}

// NewManager creates a new quota manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.DailyQuotaLimit <= 0 {
		return nil, fmt.Errorf("daily quota limit must be positive, got %d", config.DailyQuotaLimit)
	}
	if config.RateLimitPerMinute <= 0 {
		return nil, fmt.Errorf("rate limit per minute must be positive, got %d", config.RateLimitPerMinute)
	}
	if config.WarningThreshold == 0 {
		config.WarningThreshold = 0.8
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = 0.95
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	now := time.Now().UTC()
	return &Manager{
		config:        config,
		minuteStart:   now.Truncate(time.Minute),
		resetTime:     NextMidnightUTC(now),
		analyzerUsage: make(map[string]int),
		timings:       make(map[string][]float64),
		nowFn:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// CheckAvailability reports whether estimatedCalls can be spent by the named
// analyzer at the given priority. Daily overruns are denied except for
// critical-priority requests within the slack allowance; the per-minute limit
// is hard for every priority. A granted check does not reserve anything:
// callers follow up with Reserve, or use TryAcquire for the combined form.
func (m *Manager) CheckAvailability(estimatedCalls int, analyzer string, priority Priority) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.checkLocked(estimatedCalls, analyzer, priority)
	m.config.Metrics.RecordQuotaCheck(analyzer, priority, d.Allowed)
	return d
}

func (m *Manager) checkLocked(estimatedCalls int, analyzer string, priority Priority) Decision {
	now := m.nowFn()
	m.maybeResetLocked(now)

	projectedDaily := m.dailyUsage + estimatedCalls
	if projectedDaily > m.config.DailyQuotaLimit {
		m.raiseAlertLocked(AlertQuotaExhaustion, SeverityCritical, fmt.Sprintf(
			"daily quota would be exceeded: %d/%d (analyzer %s)",
			projectedDaily, m.config.DailyQuotaLimit, analyzer), now)

		slack := int(math.Floor(float64(m.config.DailyQuotaLimit) * criticalSlack))
		if priority == PriorityCritical && projectedDaily <= slack {
			m.config.Logger.Warn("granting critical-priority quota overage",
				Field{"analyzer", analyzer},
				Field{"projected", projectedDaily},
				Field{"slack", slack},
			)
		} else {
			return Decision{
				Allowed:            false,
				Reason:             fmt.Sprintf("daily quota limit exceeded: %d/%d", projectedDaily, m.config.DailyQuotaLimit),
				EnforcementActions: []string{"defer_execution", "reduce_batch_size"},
			}
		}
	}

	if m.minuteUsage+estimatedCalls > m.config.RateLimitPerMinute {
		m.raiseAlertLocked(AlertRateLimit, SeverityWarning, fmt.Sprintf(
			"per-minute rate limit would be exceeded: %d/%d (analyzer %s)",
			m.minuteUsage+estimatedCalls, m.config.RateLimitPerMinute, analyzer), now)
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("per-minute rate limit exceeded: %d/%d",
				m.minuteUsage+estimatedCalls, m.config.RateLimitPerMinute),
			EnforcementActions: []string{"delay_execution"},
		}
	}

	return m.thresholdAlertsLocked(projectedDaily, now)
}

func (m *Manager) thresholdAlertsLocked(projectedDaily int, now time.Time) Decision {
	// Threshold alerts are observability only; they never flip the grant.
	pct := float64(projectedDaily) / float64(m.config.DailyQuotaLimit)
	switch {
	case pct >= m.config.CriticalThreshold:
		m.raiseAlertLocked(AlertQuotaCritical, SeverityCritical, fmt.Sprintf(
			"daily quota at %.1f%% after grant", pct*100), now)
	case pct >= m.config.WarningThreshold:
		m.raiseAlertLocked(AlertQuotaWarning, SeverityWarning, fmt.Sprintf(
			"daily quota at %.1f%% after grant", pct*100), now)
	}

	return Decision{Allowed: true, Reason: "quota available"}
}

// Reserve unconditionally spends calls against the daily and per-minute
// counters and records the usage against the analyzer. It must only be called
// after a granted CheckAvailability; the manager does not enforce the
// ordering itself.
func (m *Manager) Reserve(calls int, analyzer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveLocked(calls, analyzer)
}

func (m *Manager) reserveLocked(calls int, analyzer string) {
	now := m.nowFn()
	m.maybeResetLocked(now)

	m.dailyUsage += calls
	m.minuteUsage += calls
	m.analyzerUsage[analyzer] += calls

	m.usageHistory = append(m.usageHistory, UsageSample{
		Minute:   now.Truncate(time.Minute),
		Calls:    calls,
		Analyzer: analyzer,
	})
	if len(m.usageHistory) > usageHistoryCap {
		m.usageHistory = m.usageHistory[len(m.usageHistory)-usageHistoryCap:]
	}

	m.config.Metrics.RecordReservation(analyzer, calls)
}

// TryAcquire performs CheckAvailability and Reserve as one locked operation,
// closing the check-then-reserve race for callers that want a hard ceiling.
func (m *Manager) TryAcquire(estimatedCalls int, analyzer string, priority Priority) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.checkLocked(estimatedCalls, analyzer, priority)
	if d.Allowed {
		m.reserveLocked(estimatedCalls, analyzer)
	}
	m.config.Metrics.RecordQuotaCheck(analyzer, priority, d.Allowed)
	return d
}

// RecordExecution feeds a finished execution's wall-clock duration into the
// analyzer's timing history (bounded to the last 50 entries).
func (m *Manager) RecordExecution(analyzer string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timings := append(m.timings[analyzer], duration.Seconds())
	if len(timings) > timingHistoryCap {
		timings = timings[len(timings)-timingHistoryCap:]
	}
	m.timings[analyzer] = timings
}

// PredictExhaustion extrapolates the trailing usage rate and returns the
// predicted exhaustion time when the remaining daily quota would run out
// within four hours. Returns nil with sparse data or a comfortable margin.
// This is an early-warning heuristic, not a guarantee.
func (m *Manager) PredictExhaustion() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictLocked(m.nowFn())
}

func (m *Manager) predictLocked(now time.Time) *time.Time {
	if !m.config.EnablePredictiveAnalysis {
		return nil
	}
	if len(m.usageHistory) < predictionMinTotal {
		return nil
	}

	recent := m.usageHistory
	if len(recent) > predictionWindow {
		recent = recent[len(recent)-predictionWindow:]
	}
	if len(recent) < predictionMinData {
		return nil
	}

	total := 0
	for _, s := range recent {
		total += s.Calls
	}
	callsPerMinute := float64(total) / float64(predictionWindow)
	if callsPerMinute <= 0 {
		return nil
	}

	remaining := m.config.DailyQuotaLimit - m.dailyUsage
	if remaining <= 0 {
		t := now
		return &t
	}

	minutesLeft := float64(remaining) / callsPerMinute
	if minutesLeft > predictionHorizonM {
		return nil
	}

	t := now.Add(time.Duration(minutesLeft * float64(time.Minute)))
	return &t
}

// AnalyzerEfficiency reports usage and a derived 0-100 efficiency score for
// every analyzer seen since the last daily reset (timing history survives
// resets, usage does not).
func (m *Manager) AnalyzerEfficiency() map[string]AnalyzerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyzerEfficiencyLocked()
}

func (m *Manager) analyzerEfficiencyLocked() map[string]AnalyzerMetrics {
	out := make(map[string]AnalyzerMetrics, len(m.analyzerUsage))
	names := make(map[string]struct{}, len(m.analyzerUsage)+len(m.timings))
	for name := range m.analyzerUsage {
		names[name] = struct{}{}
	}
	for name := range m.timings {
		names[name] = struct{}{}
	}

	for name := range names {
		used := m.analyzerUsage[name]
		timings := m.timings[name]
		out[name] = AnalyzerMetrics{
			QuotaUsed:        used,
			PercentOfDaily:   float64(used) / float64(m.config.DailyQuotaLimit) * 100,
			AvgExecutionTime: mean(timings),
			ExecutionCount:   len(timings),
			EfficiencyScore:  calculateEfficiencyScore(used, timings),
		}
	}
	return out
}

// calculateEfficiencyScore scores an analyzer from its quota cost per
// execution, timing variance, and absolute speed. The thresholds are fixed
// for behavioral parity; the weights are tunable constants.
func calculateEfficiencyScore(quotaUsed int, timings []float64) float64 {
	score := 50.0

	if n := len(timings); n > 0 {
		perExec := float64(quotaUsed) / float64(n)
		switch {
		case perExec < 20:
			score += 25
		case perExec < 50:
			score += 15
		case perExec > 100:
			score -= 20
		}

		v := variance(timings)
		switch {
		case v < 10:
			score += 15
		case v > 50:
			score -= 15
		}

		avg := mean(timings)
		switch {
		case avg < 30:
			score += 10
		case avg > 120:
			score -= 10
		}
	}

	return math.Max(0, math.Min(100, score))
}

// Status returns the full observability snapshot: counters, prediction,
// per-analyzer breakdown, the last 10 alerts, a derived status label, and
// textual recommendations.
func (m *Manager) Status() QuotaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	m.maybeResetLocked(now)
	analyzers := m.analyzerEfficiencyLocked()

	remaining := m.config.DailyQuotaLimit - m.dailyUsage
	if remaining < 0 {
		remaining = 0
	}
	pct := float64(m.dailyUsage) / float64(m.config.DailyQuotaLimit)

	alerts := m.alerts
	if len(alerts) > 10 {
		alerts = alerts[len(alerts)-10:]
	}
	recent := make([]Alert, len(alerts))
	copy(recent, alerts)

	status := QuotaStatus{
		DailyUsage:         m.dailyUsage,
		DailyLimit:         m.config.DailyQuotaLimit,
		DailyRemaining:     remaining,
		DailyPercent:       pct * 100,
		MinuteUsage:        m.minuteUsage,
		MinuteLimit:        m.config.RateLimitPerMinute,
		PredictedExhausted: m.predictLocked(now),
		Analyzers:          analyzers,
		RecentAlerts:       recent,
		Status:             m.statusLevelLocked(),
	}
	status.Recommendations = m.recommendationsLocked(status)
	return status
}

func (m *Manager) statusLevelLocked() StatusLevel {
	pct := float64(m.dailyUsage) / float64(m.config.DailyQuotaLimit)
	switch {
	case pct >= 1.0:
		return StatusExhausted
	case pct >= m.config.CriticalThreshold:
		return StatusCritical
	case pct >= m.config.WarningThreshold:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func (m *Manager) recommendationsLocked(status QuotaStatus) []string {
	var recs []string
	switch status.Status {
	case StatusExhausted:
		recs = append(recs, "daily quota exhausted: only critical-priority work will run")
	case StatusCritical:
		recs = append(recs, "defer non-critical analyzers until the daily reset")
	case StatusWarning:
		recs = append(recs, "reduce batch sizes or postpone low-priority analyzers")
	}
	if status.PredictedExhausted != nil {
		recs = append(recs, fmt.Sprintf("quota predicted to exhaust at %s",
			status.PredictedExhausted.UTC().Format(time.RFC3339)))
	}
	if status.MinuteLimit > 0 && float64(status.MinuteUsage)/float64(status.MinuteLimit) > 0.8 {
		recs = append(recs, "per-minute usage is high: spread executions over time")
	}
	return recs
}

// maybeResetLocked performs the lazy daily and minute resets. The daily reset
// clears the counters and the per-analyzer usage map but keeps the alert ring
// and timing history; those are observability data, not quota state.
func (m *Manager) maybeResetLocked(now time.Time) {
	if !now.Before(m.resetTime) {
		m.config.Logger.Info("daily quota reset",
			Field{"previous_usage", m.dailyUsage},
			Field{"next_reset", NextMidnightUTC(now)},
		)
		m.dailyUsage = 0
		m.analyzerUsage = make(map[string]int)
		m.resetTime = NextMidnightUTC(now)
	}

	minute := now.Truncate(time.Minute)
	if minute.After(m.minuteStart) {
		m.minuteUsage = 0
		m.minuteStart = minute
	}
}

func (m *Manager) raiseAlertLocked(t AlertType, severity AlertSeverity, msg string, now time.Time) {
	m.alerts = append(m.alerts, Alert{
		Type:      t,
		Message:   msg,
		Severity:  severity,
		Timestamp: now,
	})
	if len(m.alerts) > alertRingCap {
		m.alerts = m.alerts[len(m.alerts)-alertRingCap:]
	}

	m.config.Metrics.RecordAlert(t, severity)
	if severity == SeverityCritical {
		m.config.Logger.Error("quota alert", Field{"type", t}, Field{"message", msg})
	} else {
		m.config.Logger.Warn("quota alert", Field{"type", t}, Field{"message", msg})
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	avg := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - avg
		sum += d * d
	}
	return sum / float64(len(xs))
}
