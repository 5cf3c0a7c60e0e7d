package storage

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/lock"
	"github.com/SirClappington/deltasync/internal/queue"
)

// Begin opens a unit of work. Claims made through it hold their row locks
// until Commit or Rollback, and its advisory locks end with it.
func (s *Store) Begin(ctx context.Context) (queue.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx   pgx.Tx
	done bool
}

func (t *pgTx) ClaimNext(ctx context.Context, queueName, ownerID string) (domain.QueueItem, bool, error) {
	items, err := claim(ctx, t.tx, queueName, ownerID, 1)
	if err != nil || len(items) == 0 {
		return domain.QueueItem{}, false, err
	}
	return items[0], true, nil
}

func (t *pgTx) Complete(ctx context.Context, id int64) error {
	return complete(ctx, t.tx, id)
}

// Enqueue adds an item as part of this transaction.
func (t *pgTx) Enqueue(ctx context.Context, n domain.NewItem) (bool, error) {
	return enqueue(ctx, t.tx, n)
}

func (t *pgTx) Locks() lock.Coordinator { return xactLocks{tx: t.tx} }

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback(ctx)
}

// xactLocks are Postgres advisory locks bound to one transaction. A crashed
// holder loses them with its connection.
type xactLocks struct {
	tx pgx.Tx
}

// AdvisoryKey maps a lock name onto the bigint advisory lock space.
func AdvisoryKey(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

func (l xactLocks) TryAcquire(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := l.tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, AdvisoryKey(key)).Scan(&ok); err != nil {
		return false, errors.Wrapf(err, "advisory lock %s", key)
	}
	return ok, nil
}

// Release is a no-op: the lock ends with the transaction.
func (xactLocks) Release(context.Context, string) error { return nil }
