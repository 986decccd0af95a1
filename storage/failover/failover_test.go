package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adstack/quotagate/pkg/quotagate"
	"github.com/adstack/quotagate/storage/memory"
)

// flakyStorage wraps a memory backend and fails every call while down.
type flakyStorage struct {
	*memory.Storage
	mu   sync.Mutex
	down bool
}

func newFlakyStorage() *flakyStorage {
	return &flakyStorage{Storage: memory.New()}
}

func (f *flakyStorage) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStorage) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

var errDown = errors.New("backend down")

func (f *flakyStorage) GetRequestHistory(ctx context.Context, customerID string, op quotagate.OperationType) ([]time.Time, error) {
	if f.failing() {
		return nil, errDown
	}
	return f.Storage.GetRequestHistory(ctx, customerID, op)
}

func (f *flakyStorage) AddRequest(ctx context.Context, customerID string, op quotagate.OperationType, ts time.Time, operationSize int) error {
	if f.failing() {
		return errDown
	}
	return f.Storage.AddRequest(ctx, customerID, op, ts, operationSize)
}

func (f *flakyStorage) GetQuotaUsage(ctx context.Context, customerID string) (*quotagate.QuotaUsage, error) {
	if f.failing() {
		return nil, errDown
	}
	return f.Storage.GetQuotaUsage(ctx, customerID)
}

func (f *flakyStorage) UpdateQuotaUsage(ctx context.Context, customerID string, apiCost int) error {
	if f.failing() {
		return errDown
	}
	return f.Storage.UpdateQuotaUsage(ctx, customerID, apiCost)
}

func (f *flakyStorage) CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error) {
	if f.failing() {
		return 0, errDown
	}
	return f.Storage.CleanupOldEntries(ctx, cutoff)
}

func (f *flakyStorage) HealthCheck(ctx context.Context) bool {
	if f.failing() {
		return false
	}
	return f.Storage.HealthCheck(ctx)
}

func newTestFailover(t *testing.T, primary quotagate.Storage, interval time.Duration) (*Storage, *memory.Storage) {
	t.Helper()
	fallback := memory.New()
	s, err := New(Config{
		Primary:             primary,
		Fallback:            fallback,
		HealthCheckInterval: interval,
	})
	require.NoError(t, err)
	return s, fallback
}

func TestNewRequiresBackends(t *testing.T) {
	_, err := New(Config{Primary: memory.New()})
	assert.Error(t, err)
	_, err = New(Config{Fallback: memory.New()})
	assert.Error(t, err)
}

func TestRoutesToPrimaryWhileHealthy(t *testing.T) {
	primary := newFlakyStorage()
	s, fallback := newTestFailover(t, primary, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 1))

	history, err := primary.Storage.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	history, err = fallback.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFailsOverOnPrimaryError(t *testing.T) {
	primary := newFlakyStorage()
	s, fallback := newTestFailover(t, primary, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	primary.setDown(true)

	// The call still succeeds, served by the fallback.
	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 1))
	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 10))

	history, err := fallback.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	usage, err := s.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.DailyUsage)
}

func TestHealthCheckTrueWhileDegraded(t *testing.T) {
	primary := newFlakyStorage()
	s, _ := newTestFailover(t, primary, time.Hour)
	ctx := context.Background()

	primary.setDown(true)
	// Force the wrapper to notice the outage.
	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 1))

	assert.True(t, s.HealthCheck(ctx))
}

func TestRecoversAfterProbeInterval(t *testing.T) {
	primary := newFlakyStorage()
	s, _ := newTestFailover(t, primary, 20*time.Millisecond)
	ctx := context.Background()
	now := time.Now().UTC()

	primary.setDown(true)
	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 1))

	primary.setDown(false)
	time.Sleep(30 * time.Millisecond)

	// The next probe restores primary routing.
	require.NoError(t, s.AddRequest(ctx, "cust1", quotagate.OperationSearch, now, 1))
	history, err := primary.Storage.GetRequestHistory(ctx, "cust1", quotagate.OperationSearch)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDownPrimaryNotProbedEveryCall(t *testing.T) {
	primary := newFlakyStorage()
	s, _ := newTestFailover(t, primary, time.Hour)
	ctx := context.Background()

	primary.setDown(true)
	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 1))

	// Primary comes back, but within the probe interval the wrapper keeps
	// serving from the fallback.
	primary.setDown(false)
	require.NoError(t, s.UpdateQuotaUsage(ctx, "cust1", 1))

	usage, err := primary.Storage.GetQuotaUsage(ctx, "cust1")
	require.NoError(t, err)
	assert.Nil(t, usage)
}
