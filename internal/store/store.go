// Package store provides storage backends for CommandPipe execution records.
//
// It includes an in-memory store used by tests and single-process runs, and
// SQLite and PostgreSQL stores for persistent deployments.
package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Compile-time checks that InMemoryStore implements the repository interfaces.
var (
	_ ExecutionRepo        = (*InMemoryStore)(nil)
	_ GuardedExecutionRepo = (*InMemoryStore)(nil)
)

// InMemoryStore keeps execution records in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []ExecutionRecord
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: time.Now}
}

func (s *InMemoryStore) CreateExecution(ctx context.Context, name string) (ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(name), nil
}

func (s *InMemoryStore) insertLocked(name string) ExecutionRecord {
	s.nextID++
	now := s.now()
	rec := ExecutionRecord{
		ID:        s.nextID,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records = append(s.records, rec)
	slog.Debug("InMemoryStore.CreateExecution", "id", rec.ID, "name", name)
	return rec
}

func (s *InMemoryStore) ListLiveExecutions(ctx context.Context, name string, since time.Time, excludeID int64) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(name, since, excludeID), nil
}

func (s *InMemoryStore) liveLocked(name string, since time.Time, excludeID int64) []ExecutionRecord {
	var out []ExecutionRecord
	for _, r := range s.records {
		if r.ID == excludeID || r.Name != name || r.Status != StatusPending {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CreateExecutionIfIdle checks for live records and creates the new one under
// the same lock.
func (s *InMemoryStore) CreateExecutionIfIdle(ctx context.Context, name string, since time.Time) (ExecutionRecord, []ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.insertLocked(name)
	return rec, s.liveLocked(name, since, rec.ID), nil
}

func (s *InMemoryStore) UpdateExecutionStatus(ctx context.Context, id int64, status ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Status = status
			s.records[i].UpdatedAt = s.now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id int64) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, name string, limit int) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExecutionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if name != "" && s.records[i].Name != name {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) TouchExecutions(ctx context.Context, first, last int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for i := range s.records {
		if s.records[i].ID >= first && s.records[i].ID <= last {
			s.records[i].UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Snapshot returns a copy of every record ordered by id.
func (s *InMemoryStore) Snapshot() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
