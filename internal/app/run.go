package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"liquidity-rebalancer/internal/api"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/service"
)

// Run executes the long-running rebalancing service: one loop per selected wallet, the job worker,
// the health monitor and the monitoring API.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	persistence, closeStore, err := a.openPersistence(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	q, closeQueue, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeQueue()

	m := metrics.New()
	notifier := a.newNotifier()
	engine, err := NewEngine(ctx, a.Config, EngineDeps{
		Persistence: persistence,
		Queue:       q,
		Notifier:    notifier,
		Metrics:     m,
	}, a.Logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	wallets, err := selectWallets(engine.Wallets(), opts)
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		a.Logger.Warn().Bool("worker_only", opts.WorkerOnly).Msg("no rebalance loops selected; only the job worker will run")
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, address := range wallets {
		orch, err := engine.Orchestrator(address, nil)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(orch.Run(gctx)) })
	}

	worker := queue.NewWorker(q, engine.Dispatcher(), queue.WorkerOptions{
		Concurrency:  a.Config.Worker.Concurrency,
		PollInterval: a.Config.Worker.PollInterval,
		JobTimeout:   a.Config.Worker.JobTimeout,
		ReapInterval: a.Config.Worker.ReapInterval,
	}, a.Logger)
	g.Go(func() error { return ignoreCanceled(worker.Run(gctx)) })

	monitor := service.NewHealthMonitor(service.Options{
		Interval: a.Config.Health.CheckInterval,
		LockKey:  a.Config.Scheduler.AdvisoryLockKey,
	}, engine.Health, persistence.Locker, notifier, m, a.Logger)
	g.Go(func() error { return ignoreCanceled(monitor.Run(gctx)) })

	if a.Config.API.Enabled {
		server := api.New(a.Config.API.Listen, engine.Health, q, m, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	a.Logger.Info().Int("wallets", len(wallets)).Int("workers", a.Config.Worker.Concurrency).Msg("starting rebalancing service")
	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebalancing service stopped")
	return nil
}

// selectWallets picks the wallets whose rebalance loop runs in this process.
func selectWallets(configured []common.Address, opts RunOptions) ([]common.Address, error) {
	if opts.WorkerOnly {
		return nil, nil
	}
	if len(opts.Wallets) == 0 {
		return configured, nil
	}
	known := make(map[common.Address]bool, len(configured))
	for _, w := range configured {
		known[w] = true
	}
	for _, w := range opts.Wallets {
		if !known[w] {
			return nil, fmt.Errorf("wallet %s is not configured", w.Hex())
		}
	}
	return opts.Wallets, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
