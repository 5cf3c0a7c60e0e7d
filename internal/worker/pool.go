package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/deltasync/internal/backoff"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/httpretry"
	"github.com/SirClappington/deltasync/internal/pipeline"
	"github.com/SirClappington/deltasync/internal/queue"
)

// Runner is the pipeline as seen by the pool. *pipeline.Orchestrator
// implements it.
type Runner interface {
	Pull(ctx context.Context, ownerID string, attempt int) (pipeline.Result, error)
	DrainProcessing(ctx context.Context, ownerID string, attempt int) (pipeline.Result, error)
	DrainWork(ctx context.Context, ownerID string) (queue.Report, error)
	DrainPlan(ctx context.Context, ownerID string) (queue.Report, error)
}

type Options struct {
	Tasks      TaskQueue
	Runner     Runner
	Workers    int
	PopTimeout time.Duration
	// PopBackoff spaces out Pop calls while the task queue keeps failing.
	PopBackoff backoff.Policy
	Calculator *backoff.Calculator
	Logger     *zap.Logger
}

var defaultPopBackoff = backoff.Policy{
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	JitterRatio: 0.2,
}

type Pool struct {
	tasks      TaskQueue
	runner     Runner
	workers    int
	popTimeout time.Duration
	popBackoff backoff.Policy
	calc       *backoff.Calculator
	sleep      httpretry.SleepFunc
	now        func() time.Time
	log        *zap.Logger
}

func NewPool(opts Options) *Pool {
	p := &Pool{
		tasks:      opts.Tasks,
		runner:     opts.Runner,
		workers:    opts.Workers,
		popTimeout: opts.PopTimeout,
		popBackoff: opts.PopBackoff,
		calc:       opts.Calculator,
		sleep:      httpretry.SleepContext,
		now:        time.Now,
		log:        opts.Logger,
	}
	if p.popBackoff.BaseDelay <= 0 {
		p.popBackoff = defaultPopBackoff
	}
	if p.calc == nil {
		p.calc = backoff.New()
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.popTimeout <= 0 {
		p.popTimeout = 5 * time.Second
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		log := p.log.With(zap.Int("worker", i))
		g.Go(func() error {
			return p.loop(ctx, log)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, log *zap.Logger) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok, err := p.tasks.Pop(ctx, p.popTimeout)
		if err != nil && ctx.Err() == nil {
			log.Warn("pop task", zap.Error(err))
		}
		// a popped task is off the queue, so it runs even when Pop also
		// reported an error
		if ok {
			failures = 0
			p.run(ctx, log, task)
			continue
		}
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		if err := p.sleep(ctx, p.calc.Delay(failures, p.popBackoff)); err != nil {
			return nil
		}
	}
}

func (p *Pool) run(ctx context.Context, log *zap.Logger, task domain.Task) {
	if err := p.Handle(ctx, task); err != nil {
		log.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("owner_id", task.OwnerID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
	}
}

// Handle runs one task. A RetryRequested result pushes the same task back
// with the next attempt number, due after the requested delay.
func (p *Pool) Handle(ctx context.Context, task domain.Task) error {
	if !task.Kind.Valid() || task.OwnerID == "" {
		return errors.Wrapf(domain.ErrInvalidInput, "task %s: kind=%q owner=%q", task.ID, task.Kind, task.OwnerID)
	}
	var (
		res pipeline.Result
		err error
	)
	switch task.Kind {
	case domain.TaskPull:
		res, err = p.runner.Pull(ctx, task.OwnerID, task.Attempt)
	case domain.TaskSync:
		res, err = p.runner.DrainProcessing(ctx, task.OwnerID, task.Attempt)
	case domain.TaskDrain:
		var report queue.Report
		report, err = p.runner.DrainWork(ctx, task.OwnerID)
		res = pipeline.Result{OwnerID: task.OwnerID, Outcome: pipeline.Completed, Processed: report.Processed}
		if report.Err != nil {
			p.log.Warn("work items failed",
				zap.String("owner_id", task.OwnerID), zap.Int("failed", report.Failed), zap.Error(report.Err))
		}
	case domain.TaskPlan:
		var report queue.Report
		report, err = p.runner.DrainPlan(ctx, task.OwnerID)
		res = pipeline.Result{OwnerID: task.OwnerID, Outcome: pipeline.Completed, Processed: report.Processed}
		if report.Err != nil {
			p.log.Warn("plan items failed",
				zap.String("owner_id", task.OwnerID), zap.Int("failed", report.Failed), zap.Error(report.Err))
		}
	}
	if err != nil {
		return err
	}

	if res.Outcome == pipeline.RetryRequested {
		next := domain.Task{
			ID:         uuid.NewString(),
			Kind:       task.Kind,
			OwnerID:    task.OwnerID,
			Attempt:    task.Attempt + 1,
			EnqueuedAt: p.now().UTC(),
		}
		if err := p.tasks.Push(ctx, next, p.now().Add(res.Delay)); err != nil {
			return errors.Wrap(err, "reschedule task")
		}
		p.log.Info("task rescheduled",
			zap.String("kind", string(task.Kind)),
			zap.String("owner_id", task.OwnerID),
			zap.Int("attempt", next.Attempt),
			zap.Duration("delay", res.Delay),
		)
		return nil
	}
	p.log.Debug("task done",
		zap.String("kind", string(task.Kind)),
		zap.String("owner_id", task.OwnerID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("processed", res.Processed),
	)
	return nil
}

var (
	_ Runner        = (*pipeline.Orchestrator)(nil)
	_ TaskQueue     = (*queue.RedisQ)(nil)
	_ TaskQueue     = (*MemoryTaskQueue)(nil)
	_ queue.Trigger = (*Trigger)(nil)
)
