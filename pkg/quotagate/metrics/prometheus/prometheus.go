package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// Metrics implements quotagate.Metrics using Prometheus.
type Metrics struct {
	quotaChecksTotal     *prometheus.CounterVec
	reservationsTotal    *prometheus.CounterVec
	reservationAmount    *prometheus.HistogramVec
	alertsTotal          *prometheus.CounterVec
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
	failoverEventsTotal  *prometheus.CounterVec
	executionDuration    *prometheus.HistogramVec
	executionErrorsTotal *prometheus.CounterVec
	queueDepth           prometheus.Gauge
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		quotaChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota availability checks.",
		}, []string{"analyzer", "priority", "allowed"}),

		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reservations_total",
			Help:      "Total number of quota reservations.",
		}, []string{"analyzer"}),

		reservationAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_reservation_amount",
			Help:      "Distribution of reserved quota amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"analyzer"}),

		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_alerts_total",
			Help:      "Total number of raised quota alerts.",
		}, []string{"type", "severity"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		failoverEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failover_events_total",
			Help:      "Total number of storage failover transitions.",
		}, []string{"state"}),

		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_execution_duration_seconds",
			Help:      "Wall-clock duration of analyzer executions.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"analyzer"}),

		executionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_execution_errors_total",
			Help:      "Total number of failed analyzer executions.",
		}, []string{"analyzer"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_queue_depth",
			Help:      "Current number of pending queued executions.",
		}),
	}
}

func (m *Metrics) RecordQuotaCheck(analyzer string, priority quotagate.Priority, allowed bool) {
	m.quotaChecksTotal.WithLabelValues(analyzer, string(priority), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordReservation(analyzer string, calls int) {
	m.reservationsTotal.WithLabelValues(analyzer).Inc()
	m.reservationAmount.WithLabelValues(analyzer).Observe(float64(calls))
}

func (m *Metrics) RecordAlert(alertType quotagate.AlertType, severity quotagate.AlertSeverity) {
	m.alertsTotal.WithLabelValues(string(alertType), string(severity)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordFailover(state string) {
	m.failoverEventsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordExecution(analyzer string, duration time.Duration, err error) {
	m.executionDuration.WithLabelValues(analyzer).Observe(duration.Seconds())
	if err != nil {
		m.executionErrorsTotal.WithLabelValues(analyzer).Inc()
	}
}

func (m *Metrics) RecordQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
