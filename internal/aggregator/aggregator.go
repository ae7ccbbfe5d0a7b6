// Package aggregator fans quote requests out to the strategies enabled for a wallet and dispatches execution.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/repository"
	"liquidity-rebalancer/internal/storage"
)

// DefaultQuoteTimeout bounds a single strategy's quote request.
const DefaultQuoteTimeout = 30 * time.Second

// RejectionRecorder persists discarded strategy batches.
type RejectionRecorder interface {
	Create(ctx context.Context, in repository.Rejection) (storage.QuoteRejection, error)
}

// FallbackRouter builds multi-leg routes through intermediate tokens.
type FallbackRouter interface {
	Fallback(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error)
}

// Config tunes quote selection.
type Config struct {
	MaxQuoteSlippage float64
	QuoteTimeout     time.Duration
}

// Aggregator is bound to one wallet and the ordered strategies enabled for its class.
type Aggregator struct {
	wallet     common.Address
	order      []liquidity.Strategy
	providers  map[liquidity.Strategy]liquidity.Provider
	executors  map[liquidity.Strategy]liquidity.Provider
	fallback   FallbackRouter
	rejections RejectionRecorder
	metrics    *metrics.Metrics
	cfg        Config
	logger     zerolog.Logger
	newID      func() string
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithMetrics records quote outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithExecutors registers providers that may execute quotes without being quoted for this wallet's
// class, such as the swap leg of a composite route or a fallback route.
func WithExecutors(providers ...liquidity.Provider) Option {
	return func(a *Aggregator) {
		for _, p := range providers {
			a.executors[p.Strategy()] = p
		}
	}
}

// WithIDGenerator overrides batch id generation.
func WithIDGenerator(fn func() string) Option {
	return func(a *Aggregator) { a.newID = fn }
}

// New registers providers in the given order. Strategies listed twice keep their first position.
func New(wallet common.Address, providers []liquidity.Provider, fallback FallbackRouter, rejections RejectionRecorder, cfg Config, logger zerolog.Logger, opts ...Option) *Aggregator {
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = DefaultQuoteTimeout
	}
	a := &Aggregator{
		wallet:     wallet,
		providers:  make(map[liquidity.Strategy]liquidity.Provider, len(providers)),
		executors:  make(map[liquidity.Strategy]liquidity.Provider),
		fallback:   fallback,
		rejections: rejections,
		cfg:        cfg,
		logger:     logger.With().Str("component", "aggregator").Str("wallet", wallet.Hex()).Logger(),
		newID:      uuid.NewString,
	}
	for _, p := range providers {
		s := p.Strategy()
		if _, dup := a.providers[s]; dup {
			continue
		}
		a.providers[s] = p
		a.order = append(a.order, s)
	}
	for _, opt := range opts {
		opt(a)
	}
	if p, ok := fallback.(liquidity.Provider); ok {
		if _, set := a.executors[p.Strategy()]; !set {
			a.executors[p.Strategy()] = p
		}
	}
	return a
}

// Strategies lists the registered strategies in quote order.
func (a *Aggregator) Strategies() []liquidity.Strategy {
	return append([]liquidity.Strategy(nil), a.order...)
}

// Wallet is the address this aggregator quotes and executes for.
func (a *Aggregator) Wallet() common.Address { return a.wallet }

type batchResult struct {
	strategy liquidity.Strategy
	quotes   []liquidity.Quote
	err      error
	timedOut bool
}

// GetQuote asks every strategy concurrently and returns the best batch within the slippage bound.
// A batch is one chained route; the best batch delivers the largest final amount, ties going to the
// lower compound slippage and then to registration order. Every discarded batch is recorded as a rejection.
func (a *Aggregator) GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int) ([]liquidity.Quote, error) {
	results := make([]batchResult, len(a.order))

	var g errgroup.Group
	for i, strategy := range a.order {
		provider, id := a.providers[strategy], a.newID()
		g.Go(func() error {
			results[i] = a.quoteOne(ctx, provider, tokenIn, tokenOut, amount, id)
			return nil
		})
	}
	_ = g.Wait()

	var (
		best         []liquidity.Quote
		bestSlippage float64
	)
	for _, r := range results {
		switch {
		case r.err != nil:
			reason := storage.RejectionProviderError
			if r.timedOut {
				reason = storage.RejectionTimeout
			}
			a.reject(ctx, r.strategy, reason, tokenIn, tokenOut, amount, "", map[string]any{"error": r.err.Error()})
			continue
		case len(r.quotes) == 0:
			continue
		}

		slippage := liquidity.BatchSlippage(r.quotes)
		if slippage > a.cfg.MaxQuoteSlippage {
			a.logger.Warn().
				Str("strategy", string(r.strategy)).
				Float64("slippage", slippage).
				Float64("max_slippage", a.cfg.MaxQuoteSlippage).
				Msg("discarding quote above maximum slippage")
			a.metrics.ObserveQuote(string(r.strategy), "high_slippage", 0)
			a.reject(ctx, r.strategy, storage.RejectionHighSlippage, tokenIn, tokenOut, amount, r.quotes[0].ID, map[string]any{
				"slippage":         slippage,
				"maxQuoteSlippage": a.cfg.MaxQuoteSlippage,
				"legs":             len(r.quotes),
				"amountOut":        liquidity.FinalAmountOut(r.quotes).String(),
			})
			continue
		}

		if best == nil || better(r.quotes, slippage, best, bestSlippage) {
			best, bestSlippage = r.quotes, slippage
		}
	}

	if best == nil {
		return nil, liquidity.ErrQuoteUnavailable
	}
	a.logger.Debug().
		Str("strategy", string(best[0].Strategy)).
		Int("legs", len(best)).
		Float64("slippage", bestSlippage).
		Str("amount_out", liquidity.FinalAmountOut(best).String()).
		Msg("selected quote batch")
	return best, nil
}

func better(candidate []liquidity.Quote, candidateSlippage float64, current []liquidity.Quote, currentSlippage float64) bool {
	switch liquidity.FinalAmountOut(candidate).Cmp(liquidity.FinalAmountOut(current)) {
	case 1:
		return true
	case 0:
		return candidateSlippage < currentSlippage
	}
	return false
}

func (a *Aggregator) quoteOne(ctx context.Context, provider liquidity.Provider, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) batchResult {
	strategy := provider.Strategy()
	start := time.Now()

	qctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
	defer cancel()

	quotes, err := provider.GetQuote(qctx, tokenIn, tokenOut, amount, id)
	elapsed := time.Since(start)
	if err != nil {
		timedOut := errors.Is(qctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		outcome := "error"
		if timedOut {
			outcome = "timeout"
		}
		a.metrics.ObserveQuote(string(strategy), outcome, elapsed)
		a.logger.Debug().Err(err).Str("strategy", string(strategy)).Bool("timed_out", timedOut).Msg("strategy quote failed")
		return batchResult{strategy: strategy, err: err, timedOut: timedOut}
	}

	for i := range quotes {
		quotes[i].ID = id
	}
	a.metrics.ObserveQuote(string(strategy), "quoted", elapsed)
	return batchResult{strategy: strategy, quotes: quotes}
}

// Fallback routes through intermediate tokens when no strategy produced a usable batch.
// The compound slippage across legs must stay within the bound.
func (a *Aggregator) Fallback(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int) ([]liquidity.Quote, error) {
	if a.fallback == nil {
		return nil, liquidity.ErrQuoteUnavailable
	}
	id := a.newID()
	quotes, err := a.fallback.Fallback(ctx, tokenIn, tokenOut, amount, id)
	if err != nil {
		return nil, fmt.Errorf("fallback quote: %w", err)
	}
	if len(quotes) == 0 {
		return nil, liquidity.ErrQuoteUnavailable
	}
	for i := range quotes {
		quotes[i].ID = id
	}

	compound := liquidity.BatchSlippage(quotes)
	if compound > a.cfg.MaxQuoteSlippage {
		a.reject(ctx, quotes[0].Strategy, storage.RejectionHighSlippage, tokenIn, tokenOut, amount, id, map[string]any{
			"slippage":         compound,
			"maxQuoteSlippage": a.cfg.MaxQuoteSlippage,
			"legs":             len(quotes),
			"fallback":         true,
		})
		return nil, &liquidity.SlippageError{Slippage: compound, Max: a.cfg.MaxQuoteSlippage, Fallback: true}
	}
	return quotes, nil
}

// Execute dispatches quote to the provider named by its strategy.
func (a *Aggregator) Execute(ctx context.Context, wallet common.Address, quote liquidity.Quote) (common.Hash, error) {
	provider, ok := a.executors[quote.Strategy]
	if !ok {
		provider, ok = a.providers[quote.Strategy]
	}
	if !ok {
		return common.Hash{}, &liquidity.UnsupportedStrategyError{Strategy: quote.Strategy}
	}
	hash, err := provider.Execute(ctx, wallet, quote)
	if err != nil {
		return hash, liquidity.ExecutionFailed(quote.Strategy, err)
	}
	return hash, nil
}

func (a *Aggregator) reject(ctx context.Context, strategy liquidity.Strategy, reason storage.RejectionReason, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string, details map[string]any) {
	if a.rejections == nil {
		return
	}
	_, err := a.rejections.Create(ctx, repository.Rejection{
		RebalanceID: id,
		Wallet:      a.wallet,
		Strategy:    strategy,
		Reason:      reason,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		SwapAmount:  amount,
		Details:     details,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("strategy", string(strategy)).Msg("failed to record quote rejection")
	}
}
