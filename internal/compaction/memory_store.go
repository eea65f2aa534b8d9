package compaction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]JobRecord
}

// NewMemoryJobStore creates an empty job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]JobRecord)}
}

func (s *MemoryJobStore) Create(_ context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.Key == rec.Key && existing.Status.Active() {
			return ErrJobActive
		}
	}
	s.jobs[rec.ID] = rec
	return nil
}

func (s *MemoryJobStore) Update(_ context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[rec.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[rec.ID] = rec
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return JobRecord{}, ErrJobNotFound
	}
	return rec, nil
}

func (s *MemoryJobStore) List(_ context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryJobStore) DeleteFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.jobs {
		if !rec.Status.Active() && rec.UpdatedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
