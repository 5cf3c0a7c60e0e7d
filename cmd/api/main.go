package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/api"
	"github.com/SirClappington/deltasync/internal/config"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/logging"
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

	rtr := api.NewRouter(api.Options{
		Queue:   store,
		Cursors: store,
		Owners:  store,
		Pull:    worker.NewTrigger(tasks, domain.TaskPull),
		Sync:    worker.NewTrigger(tasks, domain.TaskSync),
		Logger:  logger,
	})

	srv := &http.Server{Addr: cfg.APIAddr, Handler: rtr, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}
