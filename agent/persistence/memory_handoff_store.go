package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// MemoryHandoffStore is an in-memory HandoffStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryHandoffStore struct {
	records map[string]*HandoffRecord
	mu      sync.RWMutex
	closed  bool
	config  StoreConfig
	now     func() time.Time
}

// NewMemoryHandoffStore creates a new in-memory handoff store
func NewMemoryHandoffStore(config StoreConfig) *MemoryHandoffStore {
	return &MemoryHandoffStore{
		records: make(map[string]*HandoffRecord),
		config:  config,
		now:     time.Now,
	}
}

// Close closes the store
func (s *MemoryHandoffStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryHandoffStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Deliver persists a handoff. Delivering the same ID twice is a no-op.
func (s *MemoryHandoffStore) Deliver(ctx context.Context, h faulttolerance.Handoff) error {
	rec, err := newRecord(h, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[h.ID]; !ok {
		s.records[h.ID] = rec
	}
	return nil
}

// Get retrieves a handoff record by ID
func (s *MemoryHandoffStore) Get(ctx context.Context, id string) (*HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Pending returns due, unacknowledged handoffs, oldest first
func (s *MemoryHandoffStore) Pending(ctx context.Context, limit int) ([]*HandoffRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*HandoffRecord, 0)
	for _, rec := range s.records {
		if rec.due(now, s.config.Retry) {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StoredAt.Equal(result[j].StoredAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StoredAt.Before(result[j].StoredAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Ack marks a handoff as processed
func (s *MemoryHandoffStore) Ack(ctx context.Context, id string) error {
	return s.update(id, func(rec *HandoffRecord, now time.Time) {
		if rec.AckedAt == nil {
			rec.AckedAt = &now
		}
	})
}

// Nack records a failed processing attempt
func (s *MemoryHandoffStore) Nack(ctx context.Context, id string) error {
	return s.update(id, func(rec *HandoffRecord, now time.Time) {
		rec.Attempts++
		rec.LastAttemptAt = &now
	})
}

func (s *MemoryHandoffStore) update(id string, fn func(rec *HandoffRecord, now time.Time)) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec, now)
	return nil
}

// Cleanup removes acknowledged handoffs older than the given age
func (s *MemoryHandoffStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	count := 0
	for id, rec := range s.records {
		if rec.AckedAt != nil && rec.AckedAt.Before(cutoff) {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

// Stats returns statistics about the store
func (s *MemoryHandoffStore) Stats(ctx context.Context) (*HandoffStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &HandoffStoreStats{ByKind: make(map[string]int64)}
	for _, rec := range s.records {
		stats.Total++
		stats.ByKind[string(rec.Kind)]++
		switch {
		case rec.AckedAt != nil:
			stats.Acked++
		case rec.Attempts > s.config.Retry.MaxRetries:
			stats.Exhausted++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

// Ensure MemoryHandoffStore implements HandoffStore
var _ HandoffStore = (*MemoryHandoffStore)(nil)
