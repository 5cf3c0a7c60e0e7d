package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/queue"
)

func (s *Store) GetCursor(ctx context.Context, ownerID string) (string, bool, error) {
	var cursor string
	err := s.db.QueryRow(ctx, `select cursor from sync_cursors where owner_id = $1`, ownerID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "load cursor")
	}
	return cursor, true, nil
}

func (s *Store) SetCursor(ctx context.Context, ownerID, cursor string) error {
	_, err := s.db.Exec(ctx, `insert into sync_cursors (owner_id, cursor, updated_at)
values ($1, $2, now())
on conflict (owner_id) do update set cursor = excluded.cursor, updated_at = now()`, ownerID, cursor)
	return errors.Wrap(err, "store cursor")
}

func (s *Store) UpsertChanges(ctx context.Context, ownerID string, changes []domain.Change) (err error) {
	if len(changes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range changes {
		var body any
		if len(c.Body) > 0 {
			body = json.RawMessage(c.Body)
		}
		batch.Queue(`insert into changes (owner_id, change_id, group_id, body, updated_at)
values ($1, $2, $3, $4, now())
on conflict (owner_id, change_id) do update
   set group_id = excluded.group_id, body = excluded.body, updated_at = now()`,
			ownerID, c.ID, c.GroupID, body)
	}
	br := s.db.SendBatch(ctx, batch)
	defer func() {
		err = multierr.Append(err, br.Close())
	}()
	for _, c := range changes {
		if _, err := br.Exec(); err != nil {
			return errors.Wrapf(err, "upsert change %s", c.ID)
		}
	}
	return nil
}

func (s *Store) DeleteChanges(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `delete from changes where owner_id = $1 and change_id = any($2)`, ownerID, ids)
	return errors.Wrap(err, "delete changes")
}

// Apply records a synced object and queues it for the work stage, both inside
// the caller's transaction.
func (s *Store) Apply(ctx context.Context, tx queue.Tx, item domain.QueueItem) error {
	ptx, ok := tx.(*pgTx)
	if !ok {
		return errors.Wrapf(domain.ErrInvalidInput, "postgres backend needs a postgres transaction, got %T", tx)
	}
	if _, err := ptx.tx.Exec(ctx, `insert into synced_objects (owner_id, object_id, last_synced_at)
values ($1, $2, now())
on conflict (owner_id, object_id) do update set last_synced_at = now()`, item.OwnerID, item.DedupeKey); err != nil {
		return errors.Wrapf(err, "record synced object %s", item.DedupeKey)
	}
	_, err := ptx.Enqueue(ctx, domain.NewItem{
		Queue:     domain.WorkQueue,
		OwnerID:   item.OwnerID,
		DedupeKey: item.DedupeKey,
		Payload:   item.Payload,
	})
	return err
}

// MarkPlanned is the plan stage handler.
func (s *Store) MarkPlanned(ctx context.Context, item domain.QueueItem) error {
	_, err := s.db.Exec(ctx, `update synced_objects set planned_at = now()
 where owner_id = $1 and object_id = $2`, item.OwnerID, item.DedupeKey)
	return errors.Wrapf(err, "mark %s planned", item.DedupeKey)
}
