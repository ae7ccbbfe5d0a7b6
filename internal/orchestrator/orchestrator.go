// Package orchestrator runs the per-wallet rebalance loop: analyze balances, allocate surplus to
// deficits, persist the selected quotes and enqueue their execution.
package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/analyzer"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/scheduler"
	"liquidity-rebalancer/internal/storage"
)

// Analyzer classifies a wallet's balances.
type Analyzer interface {
	AnalyzeTokens(ctx context.Context, wallet common.Address) (analyzer.Result, error)
	Percentages() analyzer.Percentages
}

// Quoter prices routes for the orchestrator's wallet.
type Quoter interface {
	GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int) ([]liquidity.Quote, error)
	Fallback(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int) ([]liquidity.Quote, error)
}

// BatchStore persists the quotes selected in one tick.
type BatchStore interface {
	CreateBatch(ctx context.Context, wallet common.Address, quotes []liquidity.Quote, groupID string) ([]storage.RebalanceRecord, error)
}

// Enqueuer submits execution jobs.
type Enqueuer interface {
	StartExecuteRebalance(ctx context.Context, data jobdata.ExecuteRebalance) (*queue.Job, error)
}

// Config tunes the loop.
type Config struct {
	Interval        time.Duration
	StartupDelay    time.Duration
	AlignToInterval bool
	// MinTrade is the smallest swap amount worth quoting, base precision. Nil disables the floor.
	MinTrade *big.Int
	// LockKey is combined with the wallet address into a PostgreSQL advisory lock key. Zero disables locking.
	LockKey int64
}

// Deps are the orchestrator's collaborators. Locker, Metrics and Snapshot may be nil.
type Deps struct {
	Analyzer Analyzer
	Quoter   Quoter
	Store    BatchStore
	Enqueuer Enqueuer
	Locker   storage.AdvisoryLocker
	Metrics  *metrics.Metrics
	// Snapshot receives the balance and plan tables rendered each tick.
	Snapshot io.Writer
}

// Plan is the outcome of allocating one tick.
type Plan struct {
	Analysis analyzer.Result
	Requests []liquidity.RebalanceRequest
}

// Quotes flattens the plan in allocation order.
func (p Plan) Quotes() []liquidity.Quote {
	var out []liquidity.Quote
	for _, r := range p.Requests {
		out = append(out, r.Quotes...)
	}
	return out
}

// TickResult summarises a completed tick.
type TickResult struct {
	GroupID  string
	Planned  int
	Stored   int
	Enqueued int
}

// Orchestrator drives rebalancing for one wallet.
type Orchestrator struct {
	wallet    common.Address
	deps      Deps
	cfg       Config
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
	newID     func() string
}

// New builds the orchestrator for wallet.
func New(wallet common.Address, deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		wallet: wallet,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "orchestrator").Str("wallet", wallet.Hex()).Logger(),
		newID:  uuid.NewString,
	}
	if cfg.Interval > 0 {
		o.scheduler = scheduler.New(scheduler.Options{
			Interval:     cfg.Interval,
			AlignToStart: cfg.AlignToInterval,
			StartupDelay: cfg.StartupDelay,
			Immediate:    true,
		}, logger)
	}
	return o
}

// Wallet is the address this orchestrator rebalances.
func (o *Orchestrator) Wallet() common.Address { return o.wallet }

// Run ticks at the configured interval until ctx is cancelled or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.scheduler == nil {
		return fmt.Errorf("orchestrator interval not configured")
	}
	o.logger.Info().Dur("interval", o.cfg.Interval).Msg("rebalance loop started")
	return o.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := o.Tick(ctx)
		return err
	})
}

// Stop ends the loop after the running tick.
func (o *Orchestrator) Stop() {
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
}

// Tick runs one rebalance round. It is skipped when another instance holds the wallet's lock.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		o.deps.Metrics.ObserveTick(o.wallet.Hex(), "error", time.Since(start))
		return TickResult{}, err
	}
	if !proceed {
		o.logger.Debug().Msg("skip tick because advisory lock held elsewhere")
		o.deps.Metrics.ObserveTick(o.wallet.Hex(), "skipped", time.Since(start))
		return TickResult{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := o.executeTick(ctx)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case result.Planned == 0:
		outcome = "idle"
	}
	o.deps.Metrics.ObserveTick(o.wallet.Hex(), outcome, time.Since(start))
	return result, err
}

func (o *Orchestrator) executeTick(ctx context.Context) (TickResult, error) {
	plan, err := o.Plan(ctx)
	if err != nil {
		return TickResult{}, err
	}
	result := TickResult{Planned: len(plan.Quotes())}
	if len(plan.Requests) == 0 {
		return result, nil
	}

	result.GroupID = o.newID()
	stored, err := o.store(ctx, plan, result.GroupID)
	result.Stored = len(stored)
	if len(stored) == 0 {
		o.logger.Warn().Str("group_id", result.GroupID).Msg("no rebalances persisted, nothing to execute")
		return result, err
	}
	if err != nil {
		o.logger.Error().Err(err).Str("group_id", result.GroupID).Msg("rebalance batch partially persisted")
	}

	result.Enqueued = o.enqueue(ctx, result.GroupID, plan.Quotes(), stored)
	o.logger.Info().
		Str("group_id", result.GroupID).
		Int("planned", result.Planned).
		Int("stored", result.Stored).
		Int("enqueued", result.Enqueued).
		Msg("rebalance tick completed")
	return result, nil
}

// Plan analyzes the wallet and allocates surplus to every deficit without persisting anything.
func (o *Orchestrator) Plan(ctx context.Context) (Plan, error) {
	res, err := o.deps.Analyzer.AnalyzeTokens(ctx, o.wallet)
	if err != nil {
		return Plan{}, fmt.Errorf("analyze tokens: %w", err)
	}
	o.deps.Metrics.SetBalanceStates(o.wallet.Hex(), len(res.Deficit.Items), len(res.Surplus.Items))
	o.logger.Info().
		Int("tokens", len(res.Items)).
		Int("deficits", len(res.Deficit.Items)).
		Int("surplus", len(res.Surplus.Items)).
		Str("deficit_total", decimals.ToDecimal(res.Deficit.Total).String()).
		Str("surplus_total", decimals.ToDecimal(res.Surplus.Total).String()).
		Msg("balances analyzed")
	if o.deps.Snapshot != nil {
		RenderBalances(o.deps.Snapshot, res.Items)
	}

	plan := Plan{Analysis: res}
	if len(res.Deficit.Items) == 0 {
		o.logger.Info().Msg("no deficits found")
		return plan, nil
	}

	// surplus balances are debited in place so later deficits see what is left
	surplus := make([]liquidity.TokenDataAnalyzed, len(res.Surplus.Items))
	for i, item := range res.Surplus.Items {
		surplus[i] = item.Clone()
	}

	for _, deficit := range res.Deficit.Items {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		quotes := o.GetOptimizedRebalancing(ctx, deficit, surplus)
		if len(quotes) == 0 {
			o.logger.Debug().
				Uint64("chain_id", deficit.ChainID).
				Str("token", deficit.Config.Address.Hex()).
				Msg("no rebalancing quotes found")
			continue
		}
		o.debit(surplus, quotes)
		plan.Requests = append(plan.Requests, liquidity.RebalanceRequest{Token: deficit, Quotes: quotes})
	}

	if len(plan.Requests) == 0 {
		o.logger.Warn().Int("deficits", len(res.Deficit.Items)).Msg("no rebalancing routes available")
	} else if o.deps.Snapshot != nil {
		RenderPlan(o.deps.Snapshot, plan.Requests)
	}
	return plan, nil
}

// GetOptimizedRebalancing covers deficit from same-chain surplus first and then from other chains,
// carrying the projected balance across both passes.
func (o *Orchestrator) GetOptimizedRebalancing(ctx context.Context, deficit liquidity.TokenDataAnalyzed, surplus []liquidity.TokenDataAnalyzed) []liquidity.Quote {
	var same, cross []liquidity.TokenDataAnalyzed
	for _, s := range surplus {
		if s.ChainID == deficit.ChainID {
			same = append(same, s)
		} else {
			cross = append(cross, s)
		}
	}

	running := cloneInt(deficit.Analysis.Balance.Current)
	quotes := o.rebalancingQuotes(ctx, deficit, same, running)
	if reached(running, deficit) {
		return quotes
	}
	return append(quotes, o.rebalancingQuotes(ctx, deficit, cross, running)...)
}

// rebalancingQuotes walks candidates by descending excess, quoting the smaller of the remaining
// shortfall and the candidate's excess. running is advanced by every quote that delivers the deficit token.
func (o *Orchestrator) rebalancingQuotes(ctx context.Context, deficit liquidity.TokenDataAnalyzed, candidates []liquidity.TokenDataAnalyzed, running *big.Int) []liquidity.Quote {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]liquidity.TokenDataAnalyzed(nil), candidates...)
	analyzer.SortSurplus(sorted)

	var quotes []liquidity.Quote
	for _, s := range sorted {
		if reached(running, deficit) || ctx.Err() != nil {
			break
		}
		log := o.logger.With().
			Uint64("surplus_chain", s.ChainID).
			Str("surplus_token", s.Config.Address.Hex()).
			Uint64("deficit_chain", deficit.ChainID).
			Str("deficit_token", deficit.Config.Address.Hex()).
			Logger()

		amount := minInt(deficit.Shortfall(running), s.Excess())
		if amount.Sign() <= 0 {
			log.Warn().Str("swap_amount", amount.String()).Msg("skipping quote for zero or negative swap amount")
			continue
		}
		if o.cfg.MinTrade != nil && amount.Cmp(o.cfg.MinTrade) < 0 {
			log.Debug().
				Str("swap_amount", decimals.ToDecimal(amount).String()).
				Str("min_trade", decimals.ToDecimal(o.cfg.MinTrade).String()).
				Msg("skipping quote below minimum trade")
			continue
		}

		batch, err := o.quote(ctx, s, deficit, amount)
		if err != nil {
			log.Debug().Err(err).Str("swap_amount", decimals.ToDecimal(amount).String()).Msg("direct route failed")
			continue
		}
		log.Info().
			Str("swap_amount", decimals.ToDecimal(amount).String()).
			Int("legs", len(batch)).
			Str("strategy", string(batch[0].Strategy)).
			Msg("quotes from strategies")

		for _, q := range batch {
			quotes = append(quotes, q)
			if targets(q, deficit) && q.AmountOut != nil {
				running.Add(running, q.AmountOut)
			}
		}
	}
	return quotes
}

func (o *Orchestrator) quote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int) ([]liquidity.Quote, error) {
	quotes, err := o.deps.Quoter.GetQuote(ctx, tokenIn, tokenOut, amount)
	if err == nil && len(quotes) > 0 {
		return quotes, nil
	}
	if err != nil && !errors.Is(err, liquidity.ErrQuoteUnavailable) {
		return nil, err
	}
	return o.deps.Quoter.Fallback(ctx, tokenIn, tokenOut, amount)
}

// debit deducts committed amountIn from the matching surplus and reclassifies it.
func (o *Orchestrator) debit(surplus []liquidity.TokenDataAnalyzed, quotes []liquidity.Quote) {
	pct := o.deps.Analyzer.Percentages()
	for _, q := range quotes {
		if q.AmountIn == nil {
			continue
		}
		for i := range surplus {
			s := &surplus[i]
			if s.Key() != q.TokenIn.Key() {
				continue
			}
			balance := cloneInt(s.Balance.Balance)
			balance.Sub(balance, q.AmountIn)
			if balance.Sign() < 0 {
				balance.SetInt64(0)
			}
			s.Balance.Balance = balance
			*s = analyzer.Reanalyze(*s, pct)
			break
		}
	}
}

// store persists valid quotes under groupID and returns the ones that were written.
// Quotes without a positive amount on both sides are dropped.
func (o *Orchestrator) store(ctx context.Context, plan Plan, groupID string) ([]liquidity.Quote, error) {
	var valid []liquidity.Quote
	for _, q := range plan.Quotes() {
		if q.AmountIn == nil || q.AmountIn.Sign() <= 0 || q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
			o.logger.Warn().
				Str("strategy", string(q.Strategy)).
				Str("amount_in", q.AmountIn.String()).
				Str("amount_out", q.AmountOut.String()).
				Msg("skipping invalid rebalance quote")
			continue
		}
		q.GroupID = groupID
		q.RebalanceJobID = o.newID()
		valid = append(valid, q)
	}
	if len(valid) == 0 {
		return nil, nil
	}

	records, err := o.deps.Store.CreateBatch(ctx, o.wallet, valid, groupID)
	written := make(map[string]bool, len(records))
	for _, r := range records {
		written[r.ID] = true
	}
	var stored []liquidity.Quote
	for _, q := range valid {
		if written[q.RebalanceJobID] {
			stored = append(stored, q)
		}
	}
	return stored, err
}

// enqueue submits one execution job per route. A route with a leg that failed to persist is not executed.
func (o *Orchestrator) enqueue(ctx context.Context, groupID string, planned, stored []liquidity.Quote) int {
	persisted := make(map[string]int)
	for _, q := range stored {
		persisted[q.ID]++
	}
	legs := make(map[string]int)
	for _, q := range planned {
		legs[q.ID]++
	}

	var order []string
	batches := make(map[string][]liquidity.Quote)
	for _, q := range stored {
		if _, seen := batches[q.ID]; !seen {
			order = append(order, q.ID)
		}
		batches[q.ID] = append(batches[q.ID], q)
	}

	enqueued := 0
	for _, id := range order {
		log := o.logger.With().Str("group_id", groupID).Str("batch_id", id).Logger()
		if persisted[id] != legs[id] {
			log.Error().
				Int("legs", legs[id]).
				Int("persisted", persisted[id]).
				Msg("route only partially persisted, not executing")
			continue
		}
		job, err := o.deps.Enqueuer.StartExecuteRebalance(ctx, jobdata.ExecuteRebalance{
			GroupID: groupID,
			Wallet:  o.wallet,
			Quotes:  batches[id],
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to enqueue rebalance execution")
			continue
		}
		enqueued++
		log.Debug().Str("job_id", job.ID).Int("legs", len(batches[id])).Msg("rebalance execution enqueued")
	}
	return enqueued
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.cfg.LockKey == 0 || o.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.deps.Locker.TryAdvisoryLock(ctx, LockKey(o.cfg.LockKey, o.wallet))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// LockKey derives the wallet's advisory lock key from base.
func LockKey(base int64, wallet common.Address) int64 {
	h := crypto.Keccak256(wallet.Bytes())
	return base ^ int64(binary.BigEndian.Uint64(h[:8]))
}

func reached(running *big.Int, deficit liquidity.TokenDataAnalyzed) bool {
	minimum := deficit.Analysis.Balance.Minimum
	return minimum == nil || running.Cmp(minimum) >= 0
}

func targets(q liquidity.Quote, deficit liquidity.TokenDataAnalyzed) bool {
	return q.TokenOut.ChainID == deficit.ChainID && q.TokenOut.Config.Address == deficit.Config.Address
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
