package domain

import "time"

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Done       Status = "done"
)

// Queue names. Every item lives in exactly one queue.
const (
	SyncQueue = "sync"
	WorkQueue = "work"
	PlanQueue = "plan"
)

// QueueItem is one unit of pending work. (Queue, OwnerID, DedupeKey) is unique,
// so enqueueing the same work twice is a no-op.
type QueueItem struct {
	ID         int64
	Queue      string
	OwnerID    string
	DedupeKey  string
	Payload    []byte
	Status     Status
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type NewItem struct {
	Queue     string
	OwnerID   string
	DedupeKey string
	Payload   []byte
}

func (n NewItem) Validate() error {
	if n.Queue == "" || n.OwnerID == "" || n.DedupeKey == "" {
		return ErrInvalidInput
	}
	return nil
}
