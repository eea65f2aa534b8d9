package store

import (
	"context"
	"sync"

	"github.com/szaher/convmem/internal/memory"
)

// MemoryStore keeps state in process memory. Values are copied on the way in
// and out so callers never share backing arrays with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]memory.State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]memory.State)}
}

// Get returns the state for key.
func (s *MemoryStore) Get(_ context.Context, key string) (memory.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return memory.State{}, false, nil
	}
	return st.Clone(), true, nil
}

// Put stores state for key.
func (s *MemoryStore) Put(_ context.Context, key string, state memory.State) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state.Clone()
	return nil
}

// Len returns the number of stored conversations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
