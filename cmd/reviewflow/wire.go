package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ravi-parthasarathy/reviewflow/pkg/config"
	"github.com/ravi-parthasarathy/reviewflow/pkg/locks"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/file"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/memory"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/postgres"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/sqlite"
	"github.com/ravi-parthasarathy/reviewflow/pkg/workflow"
)

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreFile:
		return file.New(cfg.Store.Dir)
	case config.StoreSQLite:
		return sqlite.Open(cfg.Store.SQLitePath)
	case config.StorePostgres:
		return postgres.Connect(ctx, cfg.Store.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func openLocker(ctx context.Context, cfg *config.Config) (locks.Locker, error) {
	switch cfg.Lock.Backend {
	case config.LockLocal:
		return locks.NewLocal(), nil
	case config.LockRedis:
		return locks.DialRedis(ctx, cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB,
			locks.WithExpiry(cfg.Lock.Expiry))
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
}

// session bundles what a command needs; close releases it.
type session struct {
	svc    *workflow.Service
	store  store.Store
	locker locks.Locker
}

func (a *app) open(ctx context.Context) (*session, error) {
	st, err := openStore(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	lk, err := openLocker(ctx, a.cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open locker: %w", err)
	}
	slog.Debug("session opened", "store", a.cfg.Store.Backend, "lock", a.cfg.Lock.Backend)
	svc := workflow.New(st, workflow.WithLocker(lk), workflow.WithLogger(slog.Default()))
	return &session{svc: svc, store: st, locker: lk}, nil
}

func (r *session) close() {
	if err := r.locker.Close(); err != nil {
		slog.Warn("close locker", "error", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}
