// Package pipeline runs the per-owner sync stages: pull the change feed into
// the sync queue, sync queued items one at a time under the owner lock, then
// hand off to the work and plan drains.
package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/backoff"
	"github.com/SirClappington/deltasync/internal/delta"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/httpretry"
	"github.com/SirClappington/deltasync/internal/lock"
	"github.com/SirClappington/deltasync/internal/queue"
)

type Outcome string

const (
	// Locked means another run holds the owner. It is not an error.
	Locked         Outcome = "locked"
	Idle           Outcome = "idle"
	Completed      Outcome = "completed"
	RetryRequested Outcome = "retry_requested"
)

// Result describes one orchestrator call. Delay and Err are set for
// RetryRequested: the caller should run the same task again after Delay.
type Result struct {
	Outcome   Outcome
	OwnerID   string
	ItemID    int64
	Processed int
	Enqueued  int
	Delay     time.Duration
	Err       error
}

// Backend applies one claimed sync item. It runs inside tx, so writes made
// through tx commit or roll back together with the claim. Errors matching
// domain.ErrTransient are retried later; anything else is fatal for the call.
type Backend interface {
	Apply(ctx context.Context, tx queue.Tx, item domain.QueueItem) error
}

type BackendFunc func(ctx context.Context, tx queue.Tx, item domain.QueueItem) error

func (f BackendFunc) Apply(ctx context.Context, tx queue.Tx, item domain.QueueItem) error {
	return f(ctx, tx, item)
}

// ChangeStore keeps the local copy of pulled changes.
type ChangeStore interface {
	UpsertChanges(ctx context.Context, ownerID string, changes []domain.Change) error
	DeleteChanges(ctx context.Context, ownerID string, ids []string) error
}

type Options struct {
	Store      queue.ClaimStore
	UnitOfWork queue.TxStore
	// Locks guards whole-owner runs. When nil the transaction's own locks are
	// used, which requires a store that provides them.
	Locks     lock.Coordinator
	Backend   Backend
	Traverser *delta.Traverser
	Changes   ChangeStore
	// FeedURL returns the first page URL for owners without a cursor.
	FeedURL func(ownerID string) string
	// Work and Plan drain the downstream queues. Work's own downstream trigger
	// should kick the plan stage.
	Work *queue.Engine
	Plan *queue.Engine
	// SyncTrigger is kicked after a pull enqueued something, WorkTrigger after
	// the sync queue ran dry.
	SyncTrigger queue.Trigger
	WorkTrigger queue.Trigger
	BatchSize   int
	Policy      backoff.Policy
	Calculator  *backoff.Calculator
	Logger      *zap.Logger
}

type Orchestrator struct {
	store       queue.ClaimStore
	uow         queue.TxStore
	locks       lock.Coordinator
	backend     Backend
	traverser   *delta.Traverser
	changes     ChangeStore
	feedURL     func(string) string
	work        *queue.Engine
	plan        *queue.Engine
	syncTrigger queue.Trigger
	workTrigger queue.Trigger
	batchSize   int
	policy      backoff.Policy
	calc        *backoff.Calculator
	log         *zap.Logger
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:       opts.Store,
		uow:         opts.UnitOfWork,
		locks:       opts.Locks,
		backend:     opts.Backend,
		traverser:   opts.Traverser,
		changes:     opts.Changes,
		feedURL:     opts.FeedURL,
		work:        opts.Work,
		plan:        opts.Plan,
		syncTrigger: opts.SyncTrigger,
		workTrigger: opts.WorkTrigger,
		batchSize:   opts.BatchSize,
		policy:      opts.Policy,
		calc:        opts.Calculator,
		log:         opts.Logger,
	}
	if o.batchSize <= 0 {
		o.batchSize = 50
	}
	if o.policy == (backoff.Policy{}) {
		o.policy = backoff.SyncPolicy
	}
	if o.calc == nil {
		o.calc = backoff.New()
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.feedURL == nil {
		o.feedURL = func(string) string { return "" }
	}
	return o
}

// SyncOnce syncs at most one queued item for the owner. attempt is the number
// of times this task has already been rescheduled.
func (o *Orchestrator) SyncOnce(ctx context.Context, ownerID string, attempt int) (res Result, err error) {
	res = Result{OwnerID: ownerID}
	if ownerID == "" {
		return res, errors.Wrap(domain.ErrInvalidInput, "owner id is required")
	}
	tx, err := o.uow.Begin(ctx)
	if err != nil {
		return res, errors.Wrap(err, "begin unit of work")
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = multierr.Append(err, errors.Wrap(rbErr, "rollback"))
		}
	}()

	acquired, err := o.withOwnerLock(ctx, tx, lock.Key("sync", ownerID), func(ctx context.Context) error {
		var syncErr error
		res, syncErr = o.syncClaimed(ctx, tx, ownerID, attempt)
		return syncErr
	})
	if err != nil {
		return res, err
	}
	if !acquired {
		o.log.Debug("owner already syncing", zap.String("owner_id", ownerID))
		res.Outcome = Locked
	}
	return res, nil
}

func (o *Orchestrator) syncClaimed(ctx context.Context, tx queue.Tx, ownerID string, attempt int) (Result, error) {
	res := Result{OwnerID: ownerID}
	item, ok, err := tx.ClaimNext(ctx, domain.SyncQueue, ownerID)
	if err != nil {
		return res, errors.Wrap(err, "claim sync item")
	}
	if !ok {
		if err := tx.Commit(ctx); err != nil {
			return res, errors.Wrap(err, "commit")
		}
		res.Outcome = Idle
		return res, nil
	}
	if item.OwnerID != ownerID || item.Queue != domain.SyncQueue {
		return res, errors.Wrapf(domain.ErrMalformedState,
			"claimed item %d belongs to owner=%q queue=%q", item.ID, item.OwnerID, item.Queue)
	}
	res.ItemID = item.ID

	applyErr := o.backend.Apply(ctx, tx, item)
	switch {
	case applyErr == nil:
		if err := tx.Complete(ctx, item.ID); err != nil {
			return res, errors.Wrapf(err, "complete item %d", item.ID)
		}
		if err := tx.Commit(ctx); err != nil {
			return res, errors.Wrap(err, "commit")
		}
		res.Outcome = Completed
		res.Processed = 1
		return res, nil
	case isTransient(applyErr):
		if err := tx.Rollback(ctx); err != nil {
			return res, multierr.Append(applyErr, errors.Wrap(err, "rollback"))
		}
		return o.retry(res, attempt, errors.Wrapf(applyErr, "sync item %d", item.ID))
	default:
		return res, errors.Wrapf(applyErr, "sync item %d", item.ID)
	}
}

// retry turns a transient failure into RetryRequested, or into
// ErrRetryExhausted once the attempt budget is spent.
func (o *Orchestrator) retry(res Result, attempt int, cause error) (Result, error) {
	next := attempt + 1
	if next > o.policy.MaxAttempts {
		return res, errors.Wrapf(domain.ErrRetryExhausted, "owner %s after %d attempts: %v", res.OwnerID, attempt, cause)
	}
	res.Outcome = RetryRequested
	res.Delay = o.calc.Delay(next, o.policy)
	res.Err = cause
	o.log.Warn("transient failure, rescheduling",
		zap.String("owner_id", res.OwnerID),
		zap.Int("attempt", next),
		zap.Duration("delay", res.Delay),
		zap.Error(cause),
	)
	return res, nil
}

func (o *Orchestrator) withOwnerLock(ctx context.Context, tx queue.Tx, key string, fn func(context.Context) error) (bool, error) {
	locks := o.locks
	if locks == nil && tx != nil {
		locks = tx.Locks()
	}
	if locks == nil {
		return false, errors.Wrap(domain.ErrInvalidInput, "no lock coordinator configured")
	}
	return lock.With(ctx, locks, key, fn)
}

func isTransient(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, httpretry.ErrMaxRetriesExceeded)
}

// DrainProcessing runs SyncOnce until the sync queue is empty, then kicks the
// work drain. A RetryRequested result stops the loop and is returned as is;
// the work drain is not kicked until a later run empties the queue.
func (o *Orchestrator) DrainProcessing(ctx context.Context, ownerID string, attempt int) (Result, error) {
	total := Result{OwnerID: ownerID}
	for {
		res, err := o.SyncOnce(ctx, ownerID, attempt)
		if err != nil {
			res.Processed = total.Processed
			return res, err
		}
		if res.Outcome == Completed {
			total.Processed++
			continue
		}
		if res.Outcome != Idle {
			res.Processed = total.Processed
			return res, nil
		}
		break
	}

	total.Outcome = Completed
	o.log.Info("sync queue drained",
		zap.String("owner_id", ownerID), zap.Int("processed", total.Processed))
	if o.workTrigger != nil {
		if err := o.workTrigger.Enqueue(ctx, ownerID); err != nil {
			return total, errors.Wrap(err, "kick work drain")
		}
	}
	return total, nil
}

// DrainWork drains the owner's work queue. The engine fires the plan stage.
func (o *Orchestrator) DrainWork(ctx context.Context, ownerID string) (queue.Report, error) {
	if o.work == nil {
		return queue.Report{OwnerID: ownerID}, errors.Wrap(domain.ErrInvalidInput, "no work engine configured")
	}
	return o.work.Drain(ctx, ownerID, o.batchSize)
}

// DrainPlan drains the owner's plan queue, the last stage.
func (o *Orchestrator) DrainPlan(ctx context.Context, ownerID string) (queue.Report, error) {
	if o.plan == nil {
		return queue.Report{OwnerID: ownerID}, errors.Wrap(domain.ErrInvalidInput, "no plan engine configured")
	}
	return o.plan.Drain(ctx, ownerID, o.batchSize)
}

// Forward returns a handler that moves each item on to the next queue with
// the same identity and payload.
func Forward(store queue.ClaimStore, next string) queue.Handler {
	return func(ctx context.Context, item domain.QueueItem) error {
		_, err := store.Enqueue(ctx, domain.NewItem{
			Queue:     next,
			OwnerID:   item.OwnerID,
			DedupeKey: item.DedupeKey,
			Payload:   item.Payload,
		})
		return err
	}
}
