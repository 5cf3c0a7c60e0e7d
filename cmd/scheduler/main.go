package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/deltasync/internal/config"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/logging"
	"github.com/SirClappington/deltasync/internal/queue"
	"github.com/SirClappington/deltasync/internal/storage"
	"github.com/SirClappington/deltasync/internal/worker"
)

const leaderLockKey = 42

type scheduler struct {
	cfg      config.Config
	store    *storage.Store
	tasks    *queue.RedisQ
	pull     *worker.Trigger
	sync     *worker.Trigger
	drain    *worker.Trigger
	log      *zap.Logger
	lastPull time.Time
}

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open postgres", zap.Error(err))
	}
	defer db.Close()
	// Session advisory locks belong to one connection, so leadership is held
	// on a dedicated one.
	conn, err := db.Conn(ctx)
	if err != nil {
		logger.Fatal("leader connection", zap.Error(err))
	}
	defer conn.Close()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	tasks := queue.New(rdb, cfg.QueueLanes)
	s := &scheduler{
		cfg:   cfg,
		store: storage.New(pool, logger),
		tasks: tasks,
		pull:  worker.NewTrigger(tasks, domain.TaskPull),
		sync:  worker.NewTrigger(tasks, domain.TaskSync),
		drain: worker.NewTrigger(tasks, domain.TaskDrain),
		log:   logger,
	}

	tick := time.NewTicker(cfg.SchedulerTick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-tick.C:
		}

		var leader bool
		if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", leaderLockKey).Scan(&leader); err != nil {
			logger.Warn("leader lock", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}
		if err := s.tick(ctx, time.Now().UTC()); err != nil {
			logger.Error("scheduler tick", zap.Error(err))
		}
	}
}

func (s *scheduler) tick(ctx context.Context, now time.Time) error {
	var errs error

	// delayed retries -> ready lanes
	if n, err := s.tasks.MoveDue(ctx, now.Unix(), 200); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "move due tasks"))
	} else if n > 0 {
		s.log.Debug("promoted delayed tasks", zap.Int("count", n))
	}

	// claims whose worker died go back to queued; the next owner sweep
	// kicks their drains
	for _, q := range []string{domain.SyncQueue, domain.WorkQueue, domain.PlanQueue} {
		if _, err := s.store.RequeueStale(ctx, q, s.cfg.StaleClaimAfter); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if now.Sub(s.lastPull) < s.cfg.PullEvery {
		return errs
	}
	s.lastPull = now
	return multierr.Append(errs, s.sweepOwners(ctx))
}

// sweepOwners kicks a pull for every registered owner and a drain for any
// owner with queued work left behind.
func (s *scheduler) sweepOwners(ctx context.Context) error {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, owner := range owners {
		g.Go(func() error {
			if err := s.pull.Enqueue(ctx, owner); err != nil {
				return errors.Wrapf(err, "kick pull for %s", owner)
			}
			if err := s.kickIfQueued(ctx, owner, domain.SyncQueue, s.sync); err != nil {
				return err
			}
			return s.kickIfQueued(ctx, owner, domain.WorkQueue, s.drain)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info("owners swept", zap.Int("owners", len(owners)))
	return nil
}

func (s *scheduler) kickIfQueued(ctx context.Context, owner, q string, trigger *worker.Trigger) error {
	n, err := s.store.Depth(ctx, q, owner)
	if err != nil || n == 0 {
		return err
	}
	return errors.Wrapf(trigger.Enqueue(ctx, owner), "kick %s for %s", q, owner)
}
