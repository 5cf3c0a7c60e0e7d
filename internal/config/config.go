package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/SirClappington/deltasync/internal/backoff"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// LockBackend picks the owner lock: postgres (transaction advisory
	// locks), redis (lease) or memory (single process only).
	LockBackend string        `env:"LOCK_BACKEND" envDefault:"postgres"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"10m"`

	Workers        int           `env:"WORKERS" envDefault:"4"`
	QueueLanes     int           `env:"QUEUE_LANES" envDefault:"4"`
	DrainBatchSize int           `env:"DRAIN_BATCH_SIZE" envDefault:"50"`
	PopTimeout     time.Duration `env:"POP_TIMEOUT" envDefault:"5s"`

	SyncBaseDelay   time.Duration `env:"SYNC_BASE_DELAY" envDefault:"5s"`
	SyncMaxDelay    time.Duration `env:"SYNC_MAX_DELAY" envDefault:"300s"`
	SyncMaxAttempts int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"8"`

	HTTPBaseDelay  time.Duration `env:"HTTP_BASE_DELAY" envDefault:"500ms"`
	HTTPMaxDelay   time.Duration `env:"HTTP_MAX_DELAY" envDefault:"30s"`
	HTTPMaxRetries int           `env:"HTTP_MAX_RETRIES" envDefault:"5"`
	HTTPJitter     float64       `env:"HTTP_JITTER" envDefault:"0.2"`

	SchedulerTick   time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	PullEvery       time.Duration `env:"PULL_EVERY" envDefault:"1m"`
	StaleClaimAfter time.Duration `env:"STALE_CLAIM_AFTER" envDefault:"15m"`

	// FeedURL is the first delta page for an owner; {owner} is replaced.
	FeedURL   string `env:"FEED_URL"`
	FeedToken string `env:"FEED_TOKEN"`
}

func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse config")
	}
	switch c.LockBackend {
	case "postgres", "redis", "memory":
	default:
		return c, errors.Errorf("LOCK_BACKEND must be postgres, redis or memory, got %q", c.LockBackend)
	}
	if c.HTTPJitter < 0 || c.HTTPJitter > 1 {
		return c, errors.Errorf("HTTP_JITTER must be within [0, 1], got %v", c.HTTPJitter)
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) SyncPolicy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   c.SyncBaseDelay,
		MaxDelay:    c.SyncMaxDelay,
		MaxAttempts: c.SyncMaxAttempts,
	}
}

func (c Config) HTTPPolicy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   c.HTTPBaseDelay,
		MaxDelay:    c.HTTPMaxDelay,
		MaxAttempts: c.HTTPMaxRetries,
		JitterRatio: c.HTTPJitter,
	}
}
