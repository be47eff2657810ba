package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	"github.com/marketbridge/marketbridge/internal/core/store"
)

// errNoStore is returned by commands that need persisted state when the
// store driver is none.
var errNoStore = errors.New("store.driver is none; nothing is persisted")

// persistence is the store selected by store.driver.
type persistence struct {
	Metrics    engine.MetricsStore
	RateLimits engine.RateLimitStore
	History    store.History
	SQL        *store.Store
	Redis      *store.RedisStore
}

// Ping checks the backing store.
func (p *persistence) Ping(ctx context.Context) error {
	switch {
	case p.SQL != nil:
		return p.SQL.Ping(ctx)
	case p.Redis != nil:
		return p.Redis.Ping(ctx)
	}
	return nil
}

func (p *persistence) Driver() string {
	switch {
	case p.SQL != nil:
		return p.SQL.Driver()
	case p.Redis != nil:
		return p.Redis.Driver()
	}
	return "none"
}

func (p *persistence) Close() error {
	switch {
	case p.SQL != nil:
		return p.SQL.Close()
	case p.Redis != nil:
		return p.Redis.Close()
	}
	return nil
}

func openPersistence(ctx context.Context, cfg config.StoreConfig) (*persistence, error) {
	switch cfg.Driver {
	case "none":
		return &persistence{
			Metrics:    engine.NopMetricsStore{},
			RateLimits: engine.NewMemoryRateLimitStore(),
		}, nil
	case "redis":
		rs, err := store.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return &persistence{Metrics: rs, RateLimits: rs, History: rs, Redis: rs}, nil
	default:
		db, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &persistence{Metrics: db, RateLimits: db, History: db, SQL: db}, nil
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}

// openHistory loads the config and opens the configured store for
// commands that read persisted history.
func openHistory(ctx context.Context) (*persistence, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver == "none" {
		return nil, errNoStore
	}
	return openPersistence(ctx, cfg.Store)
}

// openSQLStore loads the config and opens the libsql store for commands
// that query history directly.
func openSQLStore(ctx context.Context) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver == "none" {
		return nil, errNoStore
	}
	if cfg.Store.Driver == "redis" {
		return nil, errors.New("store.driver redis does not support this command")
	}
	return openStore(ctx, cfg.Store)
}
