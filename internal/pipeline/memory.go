package pipeline

import (
	"context"
	"sync"

	"github.com/SirClappington/deltasync/internal/domain"
)

// MemoryChangeStore keeps changes per owner in a map.
type MemoryChangeStore struct {
	mu      sync.Mutex
	byOwner map[string]map[string]domain.Change
}

func NewMemoryChangeStore() *MemoryChangeStore {
	return &MemoryChangeStore{byOwner: map[string]map[string]domain.Change{}}
}

func (s *MemoryChangeStore) UpsertChanges(_ context.Context, ownerID string, changes []domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned, ok := s.byOwner[ownerID]
	if !ok {
		owned = map[string]domain.Change{}
		s.byOwner[ownerID] = owned
	}
	for _, c := range changes {
		owned[c.ID] = c
	}
	return nil
}

func (s *MemoryChangeStore) DeleteChanges(_ context.Context, ownerID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.byOwner[ownerID], id)
	}
	return nil
}

func (s *MemoryChangeStore) Get(ownerID, id string) (domain.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byOwner[ownerID][id]
	return c, ok
}

func (s *MemoryChangeStore) Len(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byOwner[ownerID])
}
