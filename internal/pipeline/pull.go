package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/lock"
)

// Pull walks the owner's change feed from its stored cursor and fans the
// changes out: live changes are upserted, deleted ones removed, and every
// touched group gets one sync item. Changes without an id are ignored.
//
// Pull holds its own owner lock, separate from SyncOnce, so pulling and
// syncing the same owner may overlap while two pulls may not.
func (o *Orchestrator) Pull(ctx context.Context, ownerID string, attempt int) (res Result, err error) {
	res = Result{OwnerID: ownerID}
	if ownerID == "" {
		return res, errors.Wrap(domain.ErrInvalidInput, "owner id is required")
	}
	if o.traverser == nil || o.changes == nil {
		return res, errors.Wrap(domain.ErrInvalidInput, "pull needs a traverser and a change store")
	}

	key := lock.Key("pull", ownerID)
	run := func(ctx context.Context) error {
		var pullErr error
		res, pullErr = o.pull(ctx, ownerID)
		return pullErr
	}
	var acquired bool
	if o.locks != nil {
		acquired, err = lock.With(ctx, o.locks, key, run)
	} else {
		tx, beginErr := o.uow.Begin(ctx)
		if beginErr != nil {
			return res, errors.Wrap(beginErr, "begin unit of work")
		}
		defer func() {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				err = multierr.Append(err, errors.Wrap(rbErr, "rollback"))
			}
		}()
		acquired, err = o.withOwnerLock(ctx, tx, key, func(ctx context.Context) error {
			if err := run(ctx); err != nil {
				return err
			}
			return errors.Wrap(tx.Commit(ctx), "commit")
		})
	}

	switch {
	case err != nil && isTransient(err):
		return o.retry(Result{OwnerID: ownerID}, attempt, err)
	case err != nil:
		return res, err
	case !acquired:
		o.log.Debug("owner already pulling", zap.String("owner_id", ownerID))
		return Result{OwnerID: ownerID, Outcome: Locked}, nil
	}

	if res.Enqueued > 0 && o.syncTrigger != nil {
		if err := o.syncTrigger.Enqueue(ctx, ownerID); err != nil {
			return res, errors.Wrap(err, "kick sync drain")
		}
	}
	return res, nil
}

func (o *Orchestrator) pull(ctx context.Context, ownerID string) (Result, error) {
	res := Result{OwnerID: ownerID}
	pages := 0
	for page, err := range o.traverser.Pages(ctx, ownerID, o.feedURL(ownerID)) {
		if err != nil {
			return res, err
		}
		pages++

		var live []domain.Change
		var deleted []string
		var groups []string
		seen := map[string]bool{}
		for _, c := range page.Items {
			if c.ID == "" {
				continue
			}
			if c.Deleted {
				deleted = append(deleted, c.ID)
			} else {
				live = append(live, c)
			}
			if c.GroupID != "" && !seen[c.GroupID] {
				seen[c.GroupID] = true
				groups = append(groups, c.GroupID)
			}
		}

		if len(live) > 0 {
			if err := o.changes.UpsertChanges(ctx, ownerID, live); err != nil {
				return res, errors.Wrap(err, "upsert changes")
			}
			res.Processed += len(live)
		}
		if len(deleted) > 0 {
			if err := o.changes.DeleteChanges(ctx, ownerID, deleted); err != nil {
				return res, errors.Wrap(err, "delete changes")
			}
		}
		for _, group := range groups {
			ok, err := o.store.Enqueue(ctx, domain.NewItem{
				Queue:     domain.SyncQueue,
				OwnerID:   ownerID,
				DedupeKey: group,
			})
			if err != nil {
				return res, errors.Wrapf(err, "enqueue group %s", group)
			}
			if ok {
				res.Enqueued++
			}
		}
	}

	res.Outcome = Completed
	o.log.Info("change feed pulled",
		zap.String("owner_id", ownerID),
		zap.Int("pages", pages),
		zap.Int("changes", res.Processed),
		zap.Int("enqueued", res.Enqueued),
	)
	return res, nil
}
