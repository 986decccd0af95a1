package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adstack/quotagate/pkg/quotagate"
)

func TestRequestHistoryRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	history, err := s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 1))
	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now.Add(time.Second), 3))

	history, err = s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Len(t, history, 4)

	// Other keys stay empty.
	history, err = s.GetRequestHistory(ctx, "cust1", quotagate.OperationMutate)
	require.NoError(t, err)
	assert.Empty(t, history)
	history, err = s.GetRequestHistory(ctx, "cust2", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestGetRequestHistoryReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 2))

	history, err := s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	history[0] = time.Time{}

	again, err := s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Equal(t, now, again[0])
}

func TestQuotaUsageLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	usage, err := s.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	assert.Nil(t, usage)

	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 30))
	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 20))

	usage, err = s.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, 50, usage.DailyUsage)
	assert.Equal(t, 50, usage.PeakUsage)
	assert.False(t, usage.ResetTime.IsZero())

	// Returned value is a copy.
	usage.DailyUsage = 9999
	again, err := s.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	assert.Equal(t, 50, again.DailyUsage)
}

func TestCleanupOldEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now.Add(-2*time.Hour), 3))
	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 2))
	require.NoError(t, s.AddRequest(ctx, "cust2", quotagate.OperationReport, now.Add(-2*time.Hour), 1))

	removed, err := s.CleanupOldEntries(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	history, err := s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Idempotent.
	removed, err = s.CleanupOldEntries(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestHealthCheck(t *testing.T) {
	s := New()
	assert.True(t, s.HealthCheck(context.Background()))
}

func TestClear(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, time.Now().UTC(), 1))
	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 10))
	s.Clear()

	history, err := s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Empty(t, history)
	usage, err := s.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	assert.Nil(t, usage)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 1)
			_ = s.UpdateQuotaUsage(ctx, "cust1", 1)
			_, _ = s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
		}()
	}
	wg.Wait()

	history, err := s.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Len(t, history, 20)

	usage, err := s.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	assert.Equal(t, 20, usage.DailyUsage)
}
