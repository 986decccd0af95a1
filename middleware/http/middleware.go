// Package http provides HTTP middleware for quota enforcement
package http

import (
	"fmt"
	"net/http"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// AnalyzerExtractor names the analyzer an HTTP request runs on behalf of.
// Return empty string to reject the request as unidentified.
type AnalyzerExtractor func(r *http.Request) string

// CostExtractor calculates the quota cost of the request.
// For example: count a search as 1, or derive batch size from the body.
type CostExtractor func(r *http.Request) (int, error)

// PriorityExtractor derives the request's quota priority.
// If nil, every request runs at normal priority.
type PriorityExtractor func(r *http.Request) quotagate.Priority

// Config holds middleware configuration.
type Config struct {
	// Manager is the quota manager instance (required).
	Manager *quotagate.Manager

	// GetAnalyzer names the analyzer behind the request (required).
	GetAnalyzer AnalyzerExtractor

	// GetCost calculates quota cost from the request (required).
	GetCost CostExtractor

	// GetPriority derives the quota priority (optional, default normal).
	GetPriority PriorityExtractor

	// OnQuotaDenied is called when the quota check denies the request.
	// If nil, returns 429 Too Many Requests with the denial reason.
	OnQuotaDenied func(w http.ResponseWriter, r *http.Request, decision quotagate.Decision)

	// OnUnidentified is called when no analyzer can be extracted.
	// If nil, returns 400 Bad Request.
	OnUnidentified func(w http.ResponseWriter, r *http.Request)

	// OnError is called when cost extraction fails.
	// If nil, returns 400 Bad Request.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that acquires quota before the
// wrapped handler runs. Denied requests never reach the handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analyzer := config.GetAnalyzer(r)
			if analyzer == "" {
				if config.OnUnidentified != nil {
					config.OnUnidentified(w, r)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			cost, err := config.GetCost(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			priority := quotagate.PriorityNormal
			if config.GetPriority != nil {
				priority = config.GetPriority(r)
			}

			decision := config.Manager.TryAcquire(cost, analyzer, priority)
			if !decision.Allowed {
				if config.OnQuotaDenied != nil {
					config.OnQuotaDenied(w, r, decision)
				} else {
					msg := fmt.Sprintf("Quota denied: %s", decision.Reason)
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits
// (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}
