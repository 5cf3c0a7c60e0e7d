package delta

import (
	"context"
	"sync"
)

// MemoryCursorStore keeps cursors for the life of the process.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: map[string]string{}}
}

func (s *MemoryCursorStore) GetCursor(_ context.Context, ownerID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[ownerID]
	return cursor, ok, nil
}

func (s *MemoryCursorStore) SetCursor(_ context.Context, ownerID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[ownerID] = cursor
	return nil
}
