package app

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/aggregator"
	"liquidity-rebalancer/internal/alerting"
	"liquidity-rebalancer/internal/analyzer"
	"liquidity-rebalancer/internal/balance"
	"liquidity-rebalancer/internal/chain"
	"liquidity-rebalancer/internal/config"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/jobs"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/orchestrator"
	"liquidity-rebalancer/internal/providers/cctp"
	"liquidity-rebalancer/internal/providers/cctplifi"
	"liquidity-rebalancer/internal/providers/lifi"
	"liquidity-rebalancer/internal/providers/usdt0"
	"liquidity-rebalancer/internal/providers/warproute"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/repository"
	"liquidity-rebalancer/internal/storage"
	"liquidity-rebalancer/internal/wallet"
)

// SignerFunc opens the signing wallet for a configured wallet.
type SignerFunc func(w config.WalletConfig) (wallet.Provider, error)

// Engine is the wired rebalancing engine shared by run and plan.
type Engine struct {
	cfg        *config.Config
	Chains     *chain.Registry
	Balances   liquidity.BalanceReader
	Rebalances *repository.RebalanceRepository
	Rejections *repository.RejectionRepository
	Health     *repository.HealthRepository
	Analyzer   *analyzer.Analyzer
	Queue      queue.Queue
	Enqueuer   *jobdata.Enqueuer
	Metrics    *metrics.Metrics
	Notifier   alerting.Notifier
	Locker     storage.AdvisoryLocker

	lifiClient *lifi.Client
	iris       *cctp.Iris
	scan       *usdt0.Scan
	wallets    map[common.Address]*walletEngine
	order      []common.Address
	logger     zerolog.Logger
}

// walletEngine is everything bound to one wallet.
type walletEngine struct {
	cfg        config.WalletConfig
	address    common.Address
	aggregator *aggregator.Aggregator
	bridge     *cctp.Provider
}

// EngineDeps are the collaborators opened by the caller.
type EngineDeps struct {
	Persistence Persistence
	Queue       queue.Queue
	Notifier    alerting.Notifier
	Metrics     *metrics.Metrics
	// Chains and Balances default to RPC backed implementations.
	Chains   *chain.Registry
	Balances liquidity.BalanceReader
	Signer   SignerFunc
}

// NewEngine wires providers, aggregators and repositories for every configured wallet.
func NewEngine(ctx context.Context, cfg *config.Config, deps EngineDeps, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		Chains:   deps.Chains,
		Balances: deps.Balances,
		Queue:    deps.Queue,
		Enqueuer: jobdata.NewEnqueuer(deps.Queue),
		Metrics:  deps.Metrics,
		Notifier: deps.Notifier,
		Locker:   deps.Persistence.Locker,
		wallets:  make(map[common.Address]*walletEngine, len(cfg.Wallets)),
		logger:   logger,
	}
	if e.Chains == nil {
		e.Chains = chain.NewRegistry(chainEndpoints(cfg.Chains), cfg.Ethereum.DialTimeout, logger)
	}
	if e.Balances == nil {
		registry := e.Chains
		e.Balances = balance.NewReader(balance.ChainsFunc(func(ctx context.Context, chainID uint64) (balance.Backend, error) {
			return registry.Client(ctx, chainID)
		}), balance.Options{Timeout: cfg.Ethereum.RequestTimeout}, logger)
	}

	e.Rebalances = repository.NewRebalanceRepository(deps.Persistence.Rebalances, logger)
	e.Rejections = repository.NewRejectionRepository(deps.Persistence.Rejections, logger)
	e.Health = repository.NewHealthRepository(e.Rebalances, e.Rejections, logger)

	pct := analyzer.Percentages{
		Down: cfg.LiquidityManager.Thresholds.Deficit,
		Up:   cfg.LiquidityManager.Thresholds.Surplus,
	}
	e.Analyzer = analyzer.New(cfg.TokensFor, e.Balances, e.Rebalances, pct, logger)

	e.lifiClient = lifi.NewClient(lifi.Options{
		BaseURL:           cfg.LiFi.BaseURL,
		APIKey:            cfg.LiFi.APIKey,
		Integrator:        cfg.LiFi.Integrator,
		Timeout:           cfg.LiFi.Timeout,
		RequestsPerSecond: cfg.LiFi.RequestsPerSecond,
	}, logger)
	e.iris = cctp.NewIris(cctp.IrisOptions{
		BaseURL:           cfg.CCTP.IrisURL,
		Timeout:           cfg.CCTP.Timeout,
		RequestsPerSecond: cfg.CCTP.RequestsPerSecond,
	}, logger)
	e.scan = usdt0.NewScan(usdt0Chains(cfg.USDT0.Chains), usdt0.ScanOptions{
		BaseURL:           cfg.USDT0.ScanAPIURL,
		Timeout:           cfg.USDT0.Timeout,
		RequestsPerSecond: cfg.USDT0.RequestsPerSecond,
	}, logger)

	signerFor := deps.Signer
	if signerFor == nil {
		signerFor = e.eoaSigner
	}
	for _, wc := range cfg.Wallets {
		we, err := e.buildWallet(ctx, wc, signerFor)
		if err != nil {
			return nil, err
		}
		if _, dup := e.wallets[we.address]; dup {
			return nil, fmt.Errorf("wallet %s configured twice", we.address.Hex())
		}
		e.wallets[we.address] = we
		e.order = append(e.order, we.address)
	}
	return e, nil
}

func (e *Engine) eoaSigner(w config.WalletConfig) (wallet.Provider, error) {
	key := w.SignerKey()
	if key == "" {
		return nil, fmt.Errorf("wallet %s: environment variable %s is empty", w.Address.Hex(), w.SignerKeyEnv)
	}
	return wallet.NewEOA(key, e.Chains, e.cfg.Ethereum.ReceiptPoll, e.logger)
}

func (e *Engine) buildWallet(ctx context.Context, wc config.WalletConfig, signerFor SignerFunc) (*walletEngine, error) {
	signer, err := signerFor(wc)
	if err != nil {
		return nil, err
	}
	address, err := signer.GetAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet address: %w", err)
	}
	if wc.Address != (common.Address{}) && wc.Address != address {
		return nil, fmt.Errorf("wallet %s: signer key belongs to %s", wc.Address.Hex(), address.Hex())
	}

	log := e.logger.With().Str("wallet", address.Hex()).Logger()
	cfg := e.cfg

	lifiProvider := lifi.New(e.lifiClient, signer, e.Balances, lifi.Config{
		SwapSlippage: cfg.LiFi.SwapSlippage,
		Chains:       cfg.LiFi.Chains,
		CoreTokens:   cfg.CoreTokens(),
	}, log)
	bridge := cctp.New(cctpChains(cfg.CCTP.Chains), signer, e.Enqueuer, log)

	available := map[liquidity.Strategy]liquidity.Provider{
		liquidity.StrategyLiFi:      lifiProvider,
		liquidity.StrategyCCTP:      bridge,
		liquidity.StrategyWarpRoute: warproute.New(warpRoutes(cfg.WarpRoutes), lifiProvider, signer, e.Balances, log),
		liquidity.StrategyCCTPLiFi:  cctplifi.New(lifiProvider, bridge, e.Enqueuer, log),
		liquidity.StrategyUSDT0:     usdt0.New(usdt0Chains(cfg.USDT0.Chains), signer, log),
	}

	var providers []liquidity.Provider
	for _, s := range cfg.Strategies(wc.Class) {
		p, ok := available[s]
		if !ok {
			return nil, &liquidity.UnsupportedStrategyError{Strategy: s}
		}
		providers = append(providers, p)
	}
	// the class only limits quoting; queued legs may need any strategy
	executors := make([]liquidity.Provider, 0, len(available))
	for _, s := range liquidity.Strategies {
		if p, ok := available[s]; ok {
			executors = append(executors, p)
		}
	}

	agg := aggregator.New(address, providers, lifiProvider, e.Rejections, aggregator.Config{
		MaxQuoteSlippage: cfg.LiquidityManager.MaxQuoteSlippage,
		QuoteTimeout:     cfg.LiquidityManager.QuoteTimeout,
	}, log, aggregator.WithMetrics(e.Metrics), aggregator.WithExecutors(executors...))

	log.Info().Str("class", wc.Class).Interface("strategies", agg.Strategies()).Msg("wallet registered")
	return &walletEngine{cfg: wc, address: address, aggregator: agg, bridge: bridge}, nil
}

// Wallets lists managed wallet addresses in configuration order.
func (e *Engine) Wallets() []common.Address {
	return append([]common.Address(nil), e.order...)
}

// Orchestrator builds the rebalance loop for one wallet. snapshot may be nil.
func (e *Engine) Orchestrator(address common.Address, snapshot io.Writer) (*orchestrator.Orchestrator, error) {
	we, ok := e.wallets[address]
	if !ok {
		return nil, fmt.Errorf("wallet %s is not configured", address.Hex())
	}
	cfg := e.cfg
	return orchestrator.New(address, orchestrator.Deps{
		Analyzer: e.Analyzer,
		Quoter:   we.aggregator,
		Store:    e.Rebalances,
		Enqueuer: e.Enqueuer,
		Locker:   e.Locker,
		Metrics:  e.Metrics,
		Snapshot: snapshot,
	}, orchestrator.Config{
		Interval:        cfg.LiquidityManager.Interval,
		StartupDelay:    cfg.Scheduler.StartupDelay,
		AlignToInterval: cfg.Scheduler.AlignToInterval,
		MinTrade:        decimals.FromUnits(cfg.LiquidityManager.MinTrade),
		LockKey:         cfg.Scheduler.AdvisoryLockKey,
	}, e.logger), nil
}

// Dispatcher builds the job handler for the execution chain.
func (e *Engine) Dispatcher() *jobs.Dispatcher {
	return jobs.NewDispatcher(jobs.Deps{
		Queue:        e.Queue,
		Enqueuer:     e.Enqueuer,
		Resolver:     e,
		Balances:     e.Balances,
		Attestations: e.iris,
		Deliveries: map[liquidity.Strategy]liquidity.DeliveryTracker{
			liquidity.StrategyLiFi:  e.lifiClient,
			liquidity.StrategyUSDT0: e.scan,
		},
		Statuses: e.Rebalances,
		Notifier: e.Notifier,
		Metrics:  e.Metrics,
		Logger:   e.logger,
	})
}

// Executor implements jobs.Resolver.
func (e *Engine) Executor(address common.Address) (jobs.Executor, error) {
	we, ok := e.wallets[address]
	if !ok {
		return nil, fmt.Errorf("no executor for wallet %s", address.Hex())
	}
	return we.aggregator, nil
}

// Receiver implements jobs.Resolver.
func (e *Engine) Receiver(address common.Address) (liquidity.MessageReceiver, error) {
	we, ok := e.wallets[address]
	if !ok {
		return nil, fmt.Errorf("no message receiver for wallet %s", address.Hex())
	}
	return we.bridge, nil
}

// Close releases RPC connections.
func (e *Engine) Close() {
	e.Chains.Close()
}

var _ jobs.Resolver = (*Engine)(nil)

func chainEndpoints(chains []config.ChainConfig) []chain.Endpoint {
	out := make([]chain.Endpoint, 0, len(chains))
	for _, c := range chains {
		out = append(out, chain.Endpoint{ChainID: c.ChainID, RPCURL: c.RPCURL})
	}
	return out
}

func cctpChains(chains []config.CCTPChainConfig) []cctp.Chain {
	out := make([]cctp.Chain, 0, len(chains))
	for _, c := range chains {
		out = append(out, cctp.Chain{
			ChainID:            c.ChainID,
			Domain:             c.Domain,
			Token:              c.Token,
			TokenMessenger:     c.TokenMessenger,
			MessageTransmitter: c.MessageTransmitter,
		})
	}
	return out
}

func warpRoutes(routes []config.WarpRouteConfig) []warproute.Route {
	out := make([]warproute.Route, 0, len(routes))
	for _, r := range routes {
		route := warproute.Route{
			Collateral: warproute.Token{ChainID: r.Collateral.ChainID, Token: r.Collateral.Address},
		}
		for _, m := range r.Chains {
			route.Chains = append(route.Chains, warproute.ChainToken{ChainID: m.ChainID, Token: m.Token, Synthetic: m.Synthetic})
		}
		out = append(out, route)
	}
	return out
}

func usdt0Chains(chains []config.USDT0ChainConfig) []usdt0.Chain {
	out := make([]usdt0.Chain, 0, len(chains))
	for _, c := range chains {
		typ := usdt0.ChainType(c.Type)
		if typ == "" {
			typ = usdt0.ChainTypeNative
		}
		out = append(out, usdt0.Chain{
			ChainID:         c.ChainID,
			EID:             c.EID,
			Type:            typ,
			Contract:        c.Contract,
			Token:           c.Token,
			UnderlyingToken: c.UnderlyingToken,
		})
	}
	return out
}
