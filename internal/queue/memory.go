package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/lock"
)

// MemoryStore is a mutex-guarded ClaimStore. The processing status doubles as
// the row lock.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*domain.QueueItem
	byKey  map[string]int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[int64]*domain.QueueItem{},
		byKey: map[string]int64{},
		now:   time.Now,
	}
}

func identity(queue, ownerID, dedupeKey string) string {
	return queue + "\x00" + ownerID + "\x00" + dedupeKey
}

func (s *MemoryStore) Enqueue(_ context.Context, n domain.NewItem) (bool, error) {
	if err := n.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identity(n.Queue, n.OwnerID, n.DedupeKey)
	if id, ok := s.byKey[key]; ok {
		item := s.items[id]
		if item.Status != domain.Done {
			return false, nil
		}
		item.Status = domain.Queued
		item.Payload = n.Payload
		item.CreatedAt = s.now()
		item.StartedAt = nil
		item.FinishedAt = nil
		return true, nil
	}
	s.nextID++
	s.items[s.nextID] = &domain.QueueItem{
		ID:        s.nextID,
		Queue:     n.Queue,
		OwnerID:   n.OwnerID,
		DedupeKey: n.DedupeKey,
		Payload:   n.Payload,
		Status:    domain.Queued,
		CreatedAt: s.now(),
	}
	s.byKey[key] = s.nextID
	return true, nil
}

func (s *MemoryStore) Claim(_ context.Context, queue, ownerID string, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "claim limit must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.queuedLocked(queue, ownerID)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	now := s.now()
	out := make([]domain.QueueItem, 0, len(candidates))
	for _, item := range candidates {
		item.Status = domain.Processing
		started := now
		item.StartedAt = &started
		out = append(out, *item)
	}
	return out, nil
}

// queuedLocked returns queued rows oldest first.
func (s *MemoryStore) queuedLocked(queue, ownerID string) []*domain.QueueItem {
	var out []*domain.QueueItem
	for _, item := range s.items {
		if item.Queue == queue && item.OwnerID == ownerID && item.Status == domain.Queued {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) Complete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(id)
}

func (s *MemoryStore) completeLocked(id int64) error {
	item, ok := s.items[id]
	if !ok || item.Status != domain.Processing {
		return errors.Wrapf(domain.ErrMalformedState, "complete item %d: not processing", id)
	}
	item.Status = domain.Done
	finished := s.now()
	item.FinishedAt = &finished
	return nil
}

func (s *MemoryStore) Release(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || item.Status != domain.Processing {
			continue
		}
		item.Status = domain.Queued
		item.StartedAt = nil
	}
	return nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, queue string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, item := range s.items {
		if item.Queue != queue || item.Status != domain.Processing || item.StartedAt == nil {
			continue
		}
		if item.StartedAt.Before(cutoff) {
			item.Status = domain.Queued
			item.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Depth(_ context.Context, queue, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queuedLocked(queue, ownerID)), nil
}

// Get returns a copy of the item, for tests and diagnostics.
func (s *MemoryStore) Get(id int64) (domain.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.QueueItem{}, false
	}
	return *item, true
}

func (s *MemoryStore) Begin(context.Context) (Tx, error) {
	return &memoryTx{store: s}, nil
}

type memoryTx struct {
	store     *MemoryStore
	claimed   []int64
	completed []int64
	done      bool
}

func (tx *memoryTx) ClaimNext(ctx context.Context, queue, ownerID string) (domain.QueueItem, bool, error) {
	if tx.done {
		return domain.QueueItem{}, false, errors.New("transaction already finished")
	}
	items, err := tx.store.Claim(ctx, queue, ownerID, 1)
	if err != nil || len(items) == 0 {
		return domain.QueueItem{}, false, err
	}
	tx.claimed = append(tx.claimed, items[0].ID)
	return items[0], true, nil
}

func (tx *memoryTx) Complete(_ context.Context, id int64) error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.completed = append(tx.completed, id)
	return nil
}

func (tx *memoryTx) Locks() lock.Coordinator { return nil }

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, id := range tx.completed {
		if err := tx.store.completeLocked(id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.store.Release(ctx, tx.claimed...)
}
