// Package queue drains per-owner work queues and carries runtime tasks.
package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/domain"
)

// Handler processes one claimed item. A returned error leaves the item for a
// later drain.
type Handler func(ctx context.Context, item domain.QueueItem) error

// Trigger hands an owner to the next pipeline stage without waiting for it.
type Trigger interface {
	Enqueue(ctx context.Context, ownerID string) error
}

type TriggerFunc func(ctx context.Context, ownerID string) error

func (f TriggerFunc) Enqueue(ctx context.Context, ownerID string) error { return f(ctx, ownerID) }

// Report summarizes one Drain call. Err joins the handler failures.
type Report struct {
	OwnerID   string
	Processed int
	Failed    int
	Batches   int
	Err       error
}

type Engine struct {
	store      ClaimStore
	queue      string
	handler    Handler
	downstream Trigger
	log        *zap.Logger

	mu     sync.Mutex
	active map[string]*drainGroup
}

// drainGroup tracks overlapping drains of one owner.
type drainGroup struct {
	running   int
	succeeded bool
}

type EngineOptions struct {
	Store   ClaimStore
	Queue   string
	Handler Handler
	// Downstream fires after every successful drain. Optional.
	Downstream Trigger
	Logger     *zap.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := opts.Queue
	if q == "" {
		q = domain.WorkQueue
	}
	return &Engine{
		store:      opts.Store,
		queue:      q,
		handler:    opts.Handler,
		downstream: opts.Downstream,
		log:        logger.With(zap.String("queue", q)),
		active:     map[string]*drainGroup{},
	}
}

// Drain claims and handles the owner's queued items batch by batch until a
// claim comes back empty or short. Items whose handler fails are put back
// when the call returns and are not retried by this call.
//
// When the drain succeeds the downstream trigger fires, even if nothing was
// processed. Concurrent drains for one owner in this process fire it once,
// from whichever finishes last, as long as any of them succeeded.
func (e *Engine) Drain(ctx context.Context, ownerID string, batchSize int) (Report, error) {
	if ownerID == "" || batchSize <= 0 {
		return Report{OwnerID: ownerID}, errors.Wrap(domain.ErrInvalidInput, "drain needs an owner and a positive batch size")
	}
	e.enter(ownerID)
	report, err := e.drain(ctx, ownerID, batchSize)
	fire := e.leave(ownerID, err == nil)
	if err == nil {
		e.log.Info("queue drained",
			zap.String("owner_id", ownerID),
			zap.Int("processed", report.Processed),
			zap.Int("failed", report.Failed),
			zap.Int("batches", report.Batches),
		)
	}
	if fire && e.downstream != nil {
		if trigErr := e.downstream.Enqueue(context.WithoutCancel(ctx), ownerID); trigErr != nil {
			err = multierr.Append(err, errors.Wrap(trigErr, "trigger downstream"))
		}
	}
	return report, err
}

func (e *Engine) drain(ctx context.Context, ownerID string, batchSize int) (report Report, err error) {
	report.OwnerID = ownerID
	var putBack []int64
	defer func() {
		if len(putBack) == 0 {
			return
		}
		if relErr := e.store.Release(context.WithoutCancel(ctx), putBack...); relErr != nil {
			err = multierr.Append(err, errors.Wrap(relErr, "release failed items"))
		}
	}()

	for {
		items, err := e.store.Claim(ctx, e.queue, ownerID, batchSize)
		if err != nil {
			return report, errors.Wrap(err, "claim batch")
		}
		if len(items) == 0 {
			return report, nil
		}
		if len(items) > batchSize {
			return report, errors.Wrapf(domain.ErrMalformedState, "claim returned %d rows for limit %d", len(items), batchSize)
		}
		for _, item := range items {
			if err := e.checkClaimed(item, ownerID); err != nil {
				return report, err
			}
		}
		report.Batches++

		for i, item := range items {
			if err := ctx.Err(); err != nil {
				for _, rest := range items[i:] {
					putBack = append(putBack, rest.ID)
				}
				return report, err
			}
			if err := e.handler(ctx, item); err != nil {
				putBack = append(putBack, item.ID)
				report.Failed++
				report.Err = multierr.Append(report.Err, errors.Wrapf(err, "item %d", item.ID))
				e.log.Warn("queue item failed",
					zap.String("owner_id", ownerID),
					zap.Int64("item_id", item.ID),
					zap.Error(err),
				)
				continue
			}
			if err := e.store.Complete(ctx, item.ID); err != nil {
				return report, errors.Wrapf(err, "complete item %d", item.ID)
			}
			report.Processed++
		}
		if len(items) < batchSize {
			return report, nil
		}
	}
}

func (e *Engine) checkClaimed(item domain.QueueItem, ownerID string) error {
	if item.OwnerID != ownerID || item.Queue != e.queue || item.Status != domain.Processing {
		return errors.Wrapf(domain.ErrMalformedState,
			"claimed item %d has owner=%q queue=%q status=%q", item.ID, item.OwnerID, item.Queue, item.Status)
	}
	return nil
}

func (e *Engine) enter(ownerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.active[ownerID]
	if !ok {
		g = &drainGroup{}
		e.active[ownerID] = g
	}
	g.running++
}

// leave records the caller's outcome and reports whether the downstream
// trigger should fire: the caller was the last running drain for the owner
// and some drain of the overlapping group succeeded.
func (e *Engine) leave(ownerID string, succeeded bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := e.active[ownerID]
	g.running--
	g.succeeded = g.succeeded || succeeded
	if g.running > 0 {
		return false
	}
	delete(e.active, ownerID)
	return g.succeeded
}
