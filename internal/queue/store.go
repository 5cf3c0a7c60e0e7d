package queue

import (
	"context"
	"time"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/lock"
)

// ClaimStore is durable work-queue storage.
//
// Claim returns up to limit queued rows for the owner, oldest first, moved to
// processing. Rows held by a concurrent claimer are skipped, never waited on,
// so two claims can never return the same row.
type ClaimStore interface {
	// Enqueue inserts the item unless an identical one is still pending.
	// A finished item with the same identity is revived to queued, because a
	// change arriving after the last sync must be synced again. It reports
	// whether anything changed.
	Enqueue(ctx context.Context, item domain.NewItem) (bool, error)
	Claim(ctx context.Context, queue, ownerID string, limit int) ([]domain.QueueItem, error)
	Complete(ctx context.Context, id int64) error
	// Release returns processing rows to queued.
	Release(ctx context.Context, ids ...int64) error
	// RequeueStale releases rows stuck in processing for longer than olderThan.
	RequeueStale(ctx context.Context, queue string, olderThan time.Duration) (int, error)
	Depth(ctx context.Context, queue, ownerID string) (int, error)
}

// Tx is a unit of work over the queue. Nothing it does is visible as final
// until Commit; Rollback puts claimed rows back.
type Tx interface {
	// ClaimNext claims the oldest queued row for the owner, skipping rows
	// locked elsewhere. ok is false when there is nothing to claim.
	ClaimNext(ctx context.Context, queue, ownerID string) (item domain.QueueItem, ok bool, err error)
	Complete(ctx context.Context, id int64) error
	// Locks returns locks scoped to this transaction, or nil when the backing
	// store has none.
	Locks() lock.Coordinator
	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

type TxStore interface {
	Begin(ctx context.Context) (Tx, error)
}
