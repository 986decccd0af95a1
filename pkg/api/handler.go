// Package api exposes quota and queue state over HTTP for dashboards and
// operational tooling. It is read-only: enforcement happens in quotagate, not
// at this surface.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// Config holds configuration for the status API handler.
type Config struct {
	// Manager is the quota manager instance (required).
	Manager *quotagate.Manager

	// Queue is optional. When nil the queue status endpoint returns 404.
	Queue *quotagate.ExecutionQueue

	// Storage is optional. When set the health endpoint reports its
	// HealthCheck result; otherwise the endpoint only reflects process
	// liveness.
	Storage quotagate.Storage

	// Logger is optional.
	Logger quotagate.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// Handler provides HTTP endpoints for quota inspection.
type Handler struct {
	config Config
	logger quotagate.Logger
}

// NewHandler creates a status API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &quotagate.NoopLogger{}
	}
	return &Handler{config: config, logger: logger}, nil
}

// Router returns a chi router with all endpoints mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.GetHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/quota/status", h.GetQuotaStatus)
		r.Get("/queue/status", h.GetQueueStatus)
	})
	return r
}

// GetQuotaStatus returns the manager's current quota standing.
func (h *Handler) GetQuotaStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.config.Manager.Status())
}

// GetQueueStatus returns the execution queue's current state.
func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	if h.config.Queue == nil {
		h.handleError(w, r, fmt.Errorf("queue not configured"), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, h.config.Queue.Status())
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage,omitempty"`
}

// GetHealth reports process liveness and, when storage is configured, whether
// the storage backend is reachable. Storage degradation is reported but does
// not fail the endpoint; the failover layer keeps enforcement working.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.config.Storage != nil {
		if h.config.Storage.HealthCheck(r.Context()) {
			resp.Storage = "ok"
		} else {
			resp.Storage = "degraded"
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", quotagate.Field{Key: "error", Value: err})
	}
}

// handleError writes a JSON error body with the given HTTP status code.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	h.logger.Warn("api request failed",
		quotagate.Field{Key: "path", Value: r.URL.Path},
		quotagate.Field{Key: "error", Value: err})
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
