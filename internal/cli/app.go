package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tickflow/internal/config"
	"tickflow/internal/dispatcher"
	httph "tickflow/internal/handlers/http"
	"tickflow/internal/handlers/redisq"
	"tickflow/internal/handlers/shell"
	"tickflow/internal/metrics"
	"tickflow/internal/scheduler"
	"tickflow/internal/store"
	"tickflow/internal/worker"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.Config
	repo     store.Repository
	registry *worker.Registry
	pool     *worker.Pool
	metrics  *metrics.Collector
	svc      *scheduler.Service
	redis    *redis.Client
}

func openStore(ctx context.Context, cfg config.Database) (store.Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresRepo(pool), nil
	default:
		db, err := store.OpenSQLite(cfg.Path, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteRepo(db), nil
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	repo, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, repo: repo}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(reg)

	a.registry = worker.NewRegistry(cfg.Worker.CommandTimeout, cfg.Worker.Retries)
	a.registry.Register("shell", shell.Shell{})
	a.registry.Register("http", httph.HTTP{})
	if cfg.Redis.URL != "" {
		client, err := redisq.NewClient(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.registry.Register("redis", redisq.New(client, cfg.Redis.Queue))
	}

	var backend dispatcher.Backend = a.registry
	if cfg.Worker.Mode == config.ModeAsync {
		a.pool = worker.NewPool(a.registry, repo, a.metrics, cfg.Worker.Concurrency)
		backend = a.pool
	}

	workerID := cfg.WorkerID()
	disp := dispatcher.New(repo, backend, a.metrics, dispatcher.Config{
		WorkerID:         workerID,
		StaleLockTimeout: cfg.Dispatcher.StaleLockTimeout,
		ClaimTimeout:     cfg.Dispatcher.ClaimTimeout,
		Limit:            cfg.Dispatcher.Limit,
	})
	a.svc = scheduler.NewService(repo, disp, scheduler.Options{
		Trigger:          cfg.Dispatcher.Trigger,
		Limit:            cfg.Dispatcher.Limit,
		StaleLockTimeout: cfg.Dispatcher.StaleLockTimeout,
		RunTimeout:       cfg.Dispatcher.RunTimeout,
	})

	log.Info().
		Str("driver", cfg.Database.Driver).
		Str("worker", workerID).
		Str("mode", cfg.Worker.Mode).
		Strs("commands", a.registry.Commands()).
		Msg("tickflow ready")
	return a, nil
}

// Close drains background runs and releases connections.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Wait()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.repo.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
}
