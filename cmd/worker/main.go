package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/backoff"
	"github.com/SirClappington/deltasync/internal/config"
	"github.com/SirClappington/deltasync/internal/delta"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/httpretry"
	"github.com/SirClappington/deltasync/internal/lock"
	"github.com/SirClappington/deltasync/internal/logging"
	"github.com/SirClappington/deltasync/internal/pipeline"
	"github.com/SirClappington/deltasync/internal/queue"
	"github.com/SirClappington/deltasync/internal/storage"
	"github.com/SirClappington/deltasync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db, logger)
	tasks := queue.New(rdb, cfg.QueueLanes)
	calc := backoff.New()

	client := httpretry.New(httpretry.Options{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Policy:     cfg.HTTPPolicy(),
		Calculator: calc,
		Logger:     logger,
	})
	header := http.Header{}
	if cfg.FeedToken != "" {
		header.Set("Authorization", "Bearer "+cfg.FeedToken)
	}
	traverser := delta.NewTraverser(delta.NewJSONFetcher(client, header), store, logger)

	work := queue.NewEngine(queue.EngineOptions{
		Store:      store,
		Queue:      domain.WorkQueue,
		Handler:    pipeline.Forward(store, domain.PlanQueue),
		Downstream: worker.NewTrigger(tasks, domain.TaskPlan),
		Logger:     logger,
	})
	plan := queue.NewEngine(queue.EngineOptions{
		Store:   store,
		Queue:   domain.PlanQueue,
		Handler: store.MarkPlanned,
		Logger:  logger,
	})

	orch := pipeline.New(pipeline.Options{
		Store:       store,
		UnitOfWork:  store,
		Locks:       ownerLocks(cfg, rdb),
		Backend:     store,
		Traverser:   traverser,
		Changes:     store,
		FeedURL:     func(owner string) string { return strings.ReplaceAll(cfg.FeedURL, "{owner}", owner) },
		Work:        work,
		Plan:        plan,
		SyncTrigger: worker.NewTrigger(tasks, domain.TaskSync),
		WorkTrigger: worker.NewTrigger(tasks, domain.TaskDrain),
		BatchSize:   cfg.DrainBatchSize,
		Policy:      cfg.SyncPolicy(),
		Calculator:  calc,
		Logger:      logger,
	})

	pool := worker.NewPool(worker.Options{
		Tasks:      tasks,
		Runner:     orch,
		Workers:    cfg.Workers,
		PopTimeout: cfg.PopTimeout,
		Calculator: calc,
		Logger:     logger,
	})
	logger.Info("worker started", zap.Int("workers", cfg.Workers), zap.String("lock_backend", cfg.LockBackend))
	if err := pool.Run(ctx); err != nil {
		logger.Fatal("worker pool", zap.Error(err))
	}
	logger.Info("worker stopped")
}

// ownerLocks returns nil for postgres: the pipeline then takes advisory
// locks inside its own transaction.
func ownerLocks(cfg config.Config, rdb *r.Client) lock.Coordinator {
	switch cfg.LockBackend {
	case "redis":
		return lock.NewRedis(rdb, cfg.LockTTL)
	case "memory":
		return lock.NewMemory()
	}
	return nil
}
