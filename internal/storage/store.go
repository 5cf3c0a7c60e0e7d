// Package storage is the Postgres backing for queues, cursors, changes and
// the per-owner sync records.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/queue"
)

// querier is the part of pgxpool.Pool and pgx.Tx the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func New(db *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, log: logger}
}

const itemColumns = `id, queue, owner_id, dedupe_key, payload, status, created_at, started_at, finished_at`

// A done row with the same identity is revived; a pending one is left alone.
const enqueueSQL = `insert into work_items (queue, owner_id, dedupe_key, payload, status)
values ($1, $2, $3, $4, 'queued')
on conflict (queue, owner_id, dedupe_key) do update
   set status = 'queued',
       payload = excluded.payload,
       created_at = now(),
       started_at = null,
       finished_at = null
 where work_items.status = 'done'`

const claimSQL = `with candidate as (
  select id from work_items
   where queue = $1 and owner_id = $2 and status = 'queued'
   order by created_at, id
   limit $3
   for update skip locked
)
update work_items w
   set status = 'processing', started_at = now()
  from candidate
 where w.id = candidate.id
returning w.id, w.queue, w.owner_id, w.dedupe_key, w.payload, w.status, w.created_at, w.started_at, w.finished_at`

func enqueue(ctx context.Context, q querier, n domain.NewItem) (bool, error) {
	if err := n.Validate(); err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, enqueueSQL, n.Queue, n.OwnerID, n.DedupeKey, n.Payload)
	if err != nil {
		return false, errors.Wrap(err, "enqueue work item")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Enqueue(ctx context.Context, n domain.NewItem) (bool, error) {
	return enqueue(ctx, s.db, n)
}

func claim(ctx context.Context, q querier, queueName, ownerID string, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "claim limit must be positive")
	}
	rows, err := q.Query(ctx, claimSQL, queueName, ownerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim work items")
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, errors.Wrap(err, "scan claimed items")
	}
	// update ... returning has no order of its own.
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Store) Claim(ctx context.Context, queueName, ownerID string, limit int) ([]domain.QueueItem, error) {
	return claim(ctx, s.db, queueName, ownerID, limit)
}

func complete(ctx context.Context, q querier, id int64) error {
	tag, err := q.Exec(ctx, `update work_items
   set status = 'done', finished_at = now()
 where id = $1 and status = 'processing'`, id)
	if err != nil {
		return errors.Wrapf(err, "complete item %d", id)
	}
	if tag.RowsAffected() != 1 {
		return errors.Wrapf(domain.ErrMalformedState, "complete item %d: not processing", id)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id int64) error {
	return complete(ctx, s.db, id)
}

func (s *Store) Release(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `update work_items
   set status = 'queued', started_at = null
 where id = any($1) and status = 'processing'`, ids)
	return errors.Wrap(err, "release work items")
}

func (s *Store) RequeueStale(ctx context.Context, queueName string, olderThan time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `update work_items
   set status = 'queued', started_at = null
 where queue = $1 and status = 'processing' and started_at < $2`, queueName, time.Now().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale items")
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("requeued stale items", zap.String("queue", queueName), zap.Int64("count", n))
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Depth(ctx context.Context, queueName, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from work_items
 where queue = $1 and owner_id = $2 and status = 'queued'`, queueName, ownerID).Scan(&n)
	return n, errors.Wrap(err, "count queued items")
}

// Get loads one item regardless of status.
func (s *Store) Get(ctx context.Context, id int64) (domain.QueueItem, bool, error) {
	rows, err := s.db.Query(ctx, `select `+itemColumns+` from work_items where id = $1`, id)
	if err != nil {
		return domain.QueueItem{}, false, errors.Wrap(err, "load item")
	}
	item, err := pgx.CollectOneRow(rows, scanItem)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, false, nil
	}
	if err != nil {
		return domain.QueueItem{}, false, errors.Wrap(err, "load item")
	}
	return item, true, nil
}

func scanItem(row pgx.CollectableRow) (domain.QueueItem, error) {
	var item domain.QueueItem
	var status string
	err := row.Scan(&item.ID, &item.Queue, &item.OwnerID, &item.DedupeKey, &item.Payload,
		&status, &item.CreatedAt, &item.StartedAt, &item.FinishedAt)
	item.Status = domain.Status(status)
	return item, err
}

// RegisterOwner adds the owner to the periodic pull schedule.
func (s *Store) RegisterOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return errors.Wrap(domain.ErrInvalidInput, "owner id is required")
	}
	_, err := s.db.Exec(ctx, `insert into owners (id) values ($1) on conflict (id) do nothing`, ownerID)
	return errors.Wrap(err, "register owner")
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `select id from owners order by id`)
	if err != nil {
		return nil, errors.Wrap(err, "list owners")
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return owners, errors.Wrap(err, "list owners")
}

var (
	_ queue.ClaimStore = (*Store)(nil)
	_ queue.TxStore    = (*Store)(nil)
)
