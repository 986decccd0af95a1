package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adstack/quotagate/pkg/quotagate"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	require.NotNil(t, metrics)
}

func TestRecordQuotaCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordQuotaCheck("keyword", quotagate.PriorityNormal, true)
	metrics.RecordQuotaCheck("keyword", quotagate.PriorityNormal, false)
	metrics.RecordQuotaCheck("keyword", quotagate.PriorityNormal, false)

	allowed := testutil.ToFloat64(metrics.quotaChecksTotal.WithLabelValues("keyword", "normal", "true"))
	denied := testutil.ToFloat64(metrics.quotaChecksTotal.WithLabelValues("keyword", "normal", "false"))
	assert.Equal(t, 1.0, allowed)
	assert.Equal(t, 2.0, denied)
}

func TestRecordReservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordReservation("keyword", 25)
	metrics.RecordReservation("keyword", 10)

	total := testutil.ToFloat64(metrics.reservationsTotal.WithLabelValues("keyword"))
	assert.Equal(t, 2.0, total)
}

func TestRecordAlert(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordAlert(quotagate.AlertQuotaWarning, quotagate.SeverityWarning)

	count := testutil.ToFloat64(metrics.alertsTotal.WithLabelValues("quota_warning", "warning"))
	assert.Equal(t, 1.0, count)
}

func TestRecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("add_request", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("add_request", 5*time.Millisecond, errors.New("boom"))

	errCount := testutil.ToFloat64(metrics.storageOpsErrors.WithLabelValues("add_request"))
	assert.Equal(t, 1.0, errCount)
}

func TestRecordFailover(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordFailover("degraded")
	metrics.RecordFailover("recovered")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failoverEventsTotal.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failoverEventsTotal.WithLabelValues("recovered")))
}

func TestRecordExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordExecution("keyword", time.Second, nil)
	metrics.RecordExecution("keyword", time.Second, errors.New("boom"))

	errCount := testutil.ToFloat64(metrics.executionErrorsTotal.WithLabelValues("keyword"))
	assert.Equal(t, 1.0, errCount)
}

func TestRecordQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.queueDepth))

	metrics.RecordQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.queueDepth))
}

func TestMetricsSatisfyInterface(t *testing.T) {
	var _ quotagate.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}
