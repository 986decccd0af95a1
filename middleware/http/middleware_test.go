package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adstack/quotagate/pkg/quotagate"
)

func newTestConfig(t *testing.T, dailyLimit int) Config {
	t.Helper()
	m, err := quotagate.NewManager(quotagate.ManagerConfig{
		DailyQuotaLimit:    dailyLimit,
		RateLimitPerMinute: 1000,
	})
	require.NoError(t, err)

	return Config{
		Manager:     m,
		GetAnalyzer: func(r *http.Request) string { return r.Header.Get("X-Analyzer") },
		GetCost:     func(r *http.Request) (int, error) { return 10, nil },
	}
}

func serve(config Config, req *http.Request) *httptest.ResponseRecorder {
	handler := Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAllowsWithinQuota(t *testing.T) {
	config := newTestConfig(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("X-Analyzer", "keyword")

	rec := serve(config, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, config.Manager.Status().DailyUsage)
}

func TestMiddlewareDeniesOverQuota(t *testing.T) {
	config := newTestConfig(t, 15)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("X-Analyzer", "keyword")

	assert.Equal(t, http.StatusOK, serve(config, req).Code)

	rec := serve(config, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Quota denied")
}

func TestMiddlewareRejectsUnidentified(t *testing.T) {
	config := newTestConfig(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := serve(config, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareCostError(t *testing.T) {
	config := newTestConfig(t, 100)
	config.GetCost = func(r *http.Request) (int, error) { return 0, errors.New("bad body") }

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("X-Analyzer", "keyword")

	rec := serve(config, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareCustomDenialHandler(t *testing.T) {
	config := newTestConfig(t, 5)
	config.OnQuotaDenied = func(w http.ResponseWriter, r *http.Request, decision quotagate.Decision) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("X-Analyzer", "keyword")

	rec := serve(config, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddlewarePriorityExtractor(t *testing.T) {
	config := newTestConfig(t, 100)
	config.GetPriority = func(r *http.Request) quotagate.Priority {
		if r.Header.Get("X-Priority") == "critical" {
			return quotagate.PriorityCritical
		}
		return quotagate.PriorityNormal
	}
	config.Manager.Reserve(95, "keyword")

	// Normal priority is denied at 95/100 with cost 10.
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("X-Analyzer", "keyword")
	assert.Equal(t, http.StatusTooManyRequests, serve(config, req).Code)

	// Critical priority rides the slack allowance.
	req.Header.Set("X-Priority", "critical")
	assert.Equal(t, http.StatusOK, serve(config, req).Code)
}

func TestHandlerFunc(t *testing.T) {
	config := newTestConfig(t, 100)

	handler := HandlerFunc(config)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("X-Analyzer", "keyword")
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
