package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/alerting"
	"liquidity-rebalancer/internal/config"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
	"liquidity-rebalancer/internal/storage/memory"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Persistence is the store behind the repositories. Postgres is nil when running in memory.
type Persistence struct {
	Rebalances storage.RebalanceStore
	Rejections storage.RejectionStore
	Locker     storage.AdvisoryLocker
	Postgres   *storage.Store
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openPersistence falls back to an in-process store when no database is configured.
func (a *App) openPersistence(ctx context.Context) (Persistence, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return Persistence{}, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; rebalances are kept in memory only")
		mem := memory.New()
		return Persistence{Rebalances: mem, Rejections: mem, Locker: mem}, func() {}, nil
	}
	if err := store.Ping(ctx); err != nil {
		closeStore()
		return Persistence{}, nil, fmt.Errorf("ping database: %w", err)
	}
	return Persistence{Rebalances: store, Rejections: store, Locker: store, Postgres: store}, closeStore, nil
}

// openQueue connects to Redis, or uses an in-process queue when redis.addr is empty.
func (a *App) openQueue(ctx context.Context) (queue.Queue, func(), error) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		a.Logger.Warn().Msg("redis.addr not configured; jobs are queued in memory only")
		return queue.NewMemoryQueue().WithLease(a.Config.Worker.Lease), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	q := queue.NewRedisQueue(rdb, cfg.Prefix, queue.WithLease(a.Config.Worker.Lease))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return q, func() { rdb.Close() }, nil
}

// RecordFilter narrows rebalance history. Zero fields match everything.
type RecordFilter struct {
	Wallet   common.Address
	Strategy liquidity.Strategy
	Status   storage.RebalanceStatus
	GroupID  string
}

// Match reports whether r passes the filter.
func (f RecordFilter) Match(r storage.RebalanceRecord) bool {
	switch {
	case f.Wallet != (common.Address{}) && r.Wallet != f.Wallet:
		return false
	case f.Strategy != "" && r.Strategy != f.Strategy:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	case f.GroupID != "" && r.GroupID != f.GroupID:
		return false
	}
	return true
}

func (f RecordFilter) apply(records []storage.RebalanceRecord) []storage.RebalanceRecord {
	out := records[:0:0]
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// ExportOptions hold parameters for exporting rebalance history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Filter    RecordFilter
}

// ShowOptions configure the show command. Filters apply to the latest Limit records, or to the
// whole group when Filter.GroupID is set.
type ShowOptions struct {
	Limit  int
	Filter RecordFilter
}

// RunOptions configure the long-running service.
type RunOptions struct {
	// WorkerOnly processes queued jobs without running any rebalance loop.
	WorkerOnly bool
	// Wallets restricts the rebalance loops. Empty runs every configured wallet.
	Wallets []common.Address
}

// PlanOptions configure the dry-run command.
type PlanOptions struct {
	// Wallet restricts planning to one wallet. Empty plans every configured wallet.
	Wallet string
}

// HealthOptions configure the health command.
type HealthOptions struct {
	Minutes int
}
