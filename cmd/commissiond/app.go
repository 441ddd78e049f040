package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"commissionflow/commission"
	"commissionflow/config"
	"commissionflow/conversion"
	"commissionflow/db"
	"commissionflow/directory"
	"commissionflow/engine"
	"commissionflow/logger"
	"commissionflow/metrics"
	"commissionflow/outbox"
	"commissionflow/policy"
)

// app holds the wired engine and the resources that must be released on exit.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	engine  service
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// opener builds an app from the config file at path. Tests substitute it.
type opener func(ctx context.Context, path string) (*app, error)

func openEngine(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.App.Env)
	metrics.Init()

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	a := &app{cfg: cfg, pool: pool, closers: []func(){pool.Close}}

	var policies policy.Repository = policy.NewRepository(pool)
	if cfg.Redis.Enabled() {
		client, err := policy.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		policies = policy.NewCachedRepository(policies, client, cfg.Redis.PolicyCacheTTL)
		logger.Info("policy cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.PolicyCacheTTL)
	}

	ledger := commission.NewLedger(pool, commission.NewRepository(pool), policies, outbox.NewWriter()).
		WithBatchSize(cfg.Scheduler.BatchSize)

	a.engine = engine.New(
		conversion.NewReader(pool),
		directory.NewRepository(pool),
		policy.NewService(policies),
		ledger,
	).WithMaxMatchAttempts(cfg.Engine.MaxMatchAttempts)

	logger.Info("commission engine ready", "app", cfg.App.Name, "version", Version, "env", cfg.App.Env)
	return a, nil
}
