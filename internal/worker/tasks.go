// Package worker pops runtime tasks and runs the matching pipeline stage.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/deltasync/internal/domain"
)

// TaskQueue carries tasks between stages. queue.RedisQ is the production one.
type TaskQueue interface {
	Push(ctx context.Context, t domain.Task, runAt time.Time) error
	// PushUnique skips the push while a task of the same kind for the same
	// owner is still waiting. The marker is cleared when that task is popped,
	// not when some other task of the kind is.
	PushUnique(ctx context.Context, t domain.Task) (bool, error)
	// Pop waits up to block. ok is false on timeout.
	Pop(ctx context.Context, block time.Duration) (domain.Task, bool, error)
}

// Trigger pushes a task of one kind for an owner. It satisfies queue.Trigger.
type Trigger struct {
	tasks TaskQueue
	kind  domain.TaskKind
	now   func() time.Time
}

func NewTrigger(tasks TaskQueue, kind domain.TaskKind) *Trigger {
	return &Trigger{tasks: tasks, kind: kind, now: time.Now}
}

func (t *Trigger) Enqueue(ctx context.Context, ownerID string) error {
	_, err := t.tasks.PushUnique(ctx, domain.Task{
		ID:         uuid.NewString(),
		Kind:       t.kind,
		OwnerID:    ownerID,
		EnqueuedAt: t.now().UTC(),
	})
	return err
}

type delayedTask struct {
	task  domain.Task
	runAt time.Time
}

// MemoryTaskQueue is an in-process TaskQueue.
type MemoryTaskQueue struct {
	mu      sync.Mutex
	ready   []domain.Task
	delayed []delayedTask
	pending map[string]string
	wake    chan struct{}
	now     func() time.Time
}

func NewMemoryTaskQueue() *MemoryTaskQueue {
	return &MemoryTaskQueue{
		pending: map[string]string{},
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

func pendingKey(t domain.Task) string {
	return string(t.Kind) + ":" + t.OwnerID
}

func (q *MemoryTaskQueue) Push(_ context.Context, t domain.Task, runAt time.Time) error {
	q.mu.Lock()
	if runAt.After(q.now()) {
		q.delayed = append(q.delayed, delayedTask{task: t, runAt: runAt})
	} else {
		q.ready = append(q.ready, t)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryTaskQueue) PushUnique(ctx context.Context, t domain.Task) (bool, error) {
	q.mu.Lock()
	key := pendingKey(t)
	if _, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return false, nil
	}
	q.pending[key] = t.ID
	q.mu.Unlock()
	return true, q.Push(ctx, t, time.Time{})
}

func (q *MemoryTaskQueue) Pop(ctx context.Context, block time.Duration) (domain.Task, bool, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		if t, ok := q.take(); ok {
			return t, true, nil
		}
		select {
		case <-ctx.Done():
			return domain.Task{}, false, ctx.Err()
		case <-q.wake:
		case <-timer.C:
			t, ok := q.take()
			return t, ok, nil
		}
	}
}

func (q *MemoryTaskQueue) take() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.runAt.After(now) {
			kept = append(kept, d)
			continue
		}
		q.ready = append(q.ready, d.task)
	}
	q.delayed = kept
	if len(q.ready) == 0 {
		return domain.Task{}, false
	}
	t := q.ready[0]
	q.ready = q.ready[1:]
	// only the task that set the marker clears it
	if key := pendingKey(t); q.pending[key] == t.ID {
		delete(q.pending, key)
	}
	return t, true
}

func (q *MemoryTaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len counts ready and delayed tasks.
func (q *MemoryTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}
