// Package memory provides an in-memory implementation of the
// quotagate.Storage interface. Correct only within a single process; it is
// the development backend and the failover target when Redis is down.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adstack/quotagate/pkg/quotagate"
)

// Storage implements quotagate.Storage using in-memory maps guarded by a
// single mutex.
type Storage struct {
	mu      sync.Mutex
	history map[string]map[quotagate.OperationType][]time.Time
	quota   map[string]*quotagate.QuotaUsage
}

// New creates a new in-memory storage backend.
func New() *Storage {
	return &Storage{
		history: make(map[string]map[quotagate.OperationType][]time.Time),
		quota:   make(map[string]*quotagate.QuotaUsage),
	}
}

// GetRequestHistory implements quotagate.Storage.
func (s *Storage) GetRequestHistory(
	_ context.Context, customerID string, op quotagate.OperationType,
) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, ok := s.history[customerID]
	if !ok {
		return nil, nil
	}

	// Return a copy so callers never alias internal state.
	entries := ops[op]
	out := make([]time.Time, len(entries))
	copy(out, entries)
	return out, nil
}

// AddRequest implements quotagate.Storage.
func (s *Storage) AddRequest(
	_ context.Context, customerID string, op quotagate.OperationType, ts time.Time, operationSize int,
) error {
	if operationSize <= 0 {
		operationSize = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ops, ok := s.history[customerID]
	if !ok {
		ops = make(map[quotagate.OperationType][]time.Time)
		s.history[customerID] = ops
	}
	for i := 0; i < operationSize; i++ {
		ops[op] = append(ops[op], ts)
	}
	return nil
}

// GetQuotaUsage implements quotagate.Storage.
func (s *Storage) GetQuotaUsage(_ context.Context, customerID string) (*quotagate.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.quota[customerID]
	if !ok {
		return nil, nil
	}
	usageCopy := *usage
	return &usageCopy, nil
}

// UpdateQuotaUsage implements quotagate.Storage. The process mutex supplies
// the atomicity the Redis backend gets from its distributed lock.
func (s *Storage) UpdateQuotaUsage(_ context.Context, customerID string, apiCost int) error {
	if apiCost < 0 {
		return quotagate.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.quota[customerID]
	if !ok {
		usage = &quotagate.QuotaUsage{}
		s.quota[customerID] = usage
	}
	quotagate.ApplyQuotaCost(usage, apiCost, time.Now().UTC())
	return nil
}

// CleanupOldEntries implements quotagate.Storage.
func (s *Storage) CleanupOldEntries(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for customerID, ops := range s.history {
		for op, entries := range ops {
			kept := entries[:0]
			for _, ts := range entries {
				if !ts.Before(cutoff) {
					kept = append(kept, ts)
				}
			}
			removed += len(entries) - len(kept)
			if len(kept) == 0 {
				delete(ops, op)
			} else {
				ops[op] = kept
			}
		}
		if len(ops) == 0 {
			delete(s.history, customerID)
		}
	}
	return removed, nil
}

// HealthCheck implements quotagate.Storage. The in-memory backend is always up.
func (s *Storage) HealthCheck(_ context.Context) bool {
	return true
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = make(map[string]map[quotagate.OperationType][]time.Time)
	s.quota = make(map[string]*quotagate.QuotaUsage)
}
