// Package analyzer classifies wallet token balances against their target band.
package analyzer

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
)

// Percentages are the band widths below and above target, as fractions.
type Percentages struct {
	Down float64
	Up   float64
}

// AnalyzeToken classifies a single balance. The balance must already be in base precision.
func AnalyzeToken(cfg liquidity.TokenConfig, bal liquidity.TokenBalance, pct Percentages) liquidity.Analysis {
	target := decimals.FromUnits(cfg.TargetBalance)
	targetDec := decimal.NewFromBigInt(target, 0)
	one := decimal.NewFromInt(1)

	minimum := targetDec.Mul(one.Sub(decimal.NewFromFloat(pct.Down))).BigInt()
	maximum := targetDec.Mul(one.Add(decimal.NewFromFloat(pct.Up))).BigInt()

	current := new(big.Int)
	if bal.Balance != nil {
		current.Set(bal.Balance)
	}

	state := liquidity.StateBalanced
	switch {
	case current.Cmp(minimum) < 0:
		state = liquidity.StateDeficit
	case current.Cmp(maximum) > 0:
		state = liquidity.StateSurplus
	}

	return liquidity.Analysis{
		Balance: liquidity.Band{Current: current, Target: target, Minimum: minimum, Maximum: maximum},
		State:   state,
	}
}

// Reanalyze refreshes a token's analysis from its current balance.
func Reanalyze(t liquidity.TokenDataAnalyzed, pct Percentages) liquidity.TokenDataAnalyzed {
	t.Analysis = AnalyzeToken(t.Config, t.Balance, pct)
	return t
}

// PendingAmounts reports value already committed to, or about to arrive from, in-flight rebalances.
// Keys are liquidity.TokenKey values; amounts are base precision.
type PendingAmounts interface {
	PendingReservedByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error)
	PendingIncomingByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error)
}

// TokenSource lists the tokens monitored for a wallet.
type TokenSource func(wallet common.Address) []liquidity.TokenConfig

// Group is a set of tokens sharing a classification.
type Group struct {
	Items []liquidity.TokenDataAnalyzed
	Total *big.Int
}

// Result is the outcome of analysing a wallet.
type Result struct {
	Deficit Group
	Surplus Group
	Items   []liquidity.TokenDataAnalyzed
}

// Analyzer reads balances and classifies every configured token of a wallet.
type Analyzer struct {
	tokens   TokenSource
	balances liquidity.BalanceReader
	pending  PendingAmounts
	pct      Percentages
	logger   zerolog.Logger
}

// New builds an Analyzer. pending may be nil.
func New(tokens TokenSource, balances liquidity.BalanceReader, pending PendingAmounts, pct Percentages, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		tokens:   tokens,
		balances: balances,
		pending:  pending,
		pct:      pct,
		logger:   logger.With().Str("component", "analyzer").Logger(),
	}
}

// Percentages returns the configured band.
func (a *Analyzer) Percentages() Percentages {
	return a.pct
}

// AnalyzeToken classifies one balance with the configured band.
func (a *Analyzer) AnalyzeToken(t liquidity.TokenData) liquidity.Analysis {
	return AnalyzeToken(t.Config, t.Balance, a.pct)
}

// AnalyzeTokens reads, adjusts and classifies every token configured for wallet.
// Tokens whose balance cannot be read are skipped for this run.
func (a *Analyzer) AnalyzeTokens(ctx context.Context, wallet common.Address) (Result, error) {
	reserved, incoming := a.pendingAmounts(ctx, wallet)

	result := Result{
		Deficit: Group{Total: new(big.Int)},
		Surplus: Group{Total: new(big.Int)},
	}

	for _, cfg := range a.tokens(wallet) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		bal, err := a.balances.TokenBalance(ctx, wallet, cfg)
		if err != nil {
			a.logger.Warn().Err(err).
				Str("wallet", wallet.Hex()).
				Uint64("chain_id", cfg.ChainID).
				Str("token", cfg.Address.Hex()).
				Msg("skipping token: balance unavailable")
			continue
		}

		key := liquidity.TokenKey(cfg.ChainID, cfg.Address)
		bal.Balance = adjust(bal.Balance, reserved[key], incoming[key])

		item := liquidity.TokenDataAnalyzed{
			TokenData: liquidity.TokenData{ChainID: cfg.ChainID, Config: cfg, Balance: bal},
		}
		item.Analysis = AnalyzeToken(cfg, bal, a.pct)
		result.Items = append(result.Items, item)

		switch item.Analysis.State {
		case liquidity.StateDeficit:
			result.Deficit.Items = append(result.Deficit.Items, item)
			result.Deficit.Total.Add(result.Deficit.Total, item.Analysis.Balance.Current)
		case liquidity.StateSurplus:
			result.Surplus.Items = append(result.Surplus.Items, item)
			result.Surplus.Total.Add(result.Surplus.Total, item.Analysis.Balance.Current)
		}
	}

	SortDeficits(result.Deficit.Items)
	SortSurplus(result.Surplus.Items)

	return result, nil
}

func (a *Analyzer) pendingAmounts(ctx context.Context, wallet common.Address) (map[string]*big.Int, map[string]*big.Int) {
	if a.pending == nil {
		return nil, nil
	}
	reserved, err := a.pending.PendingReservedByToken(ctx, wallet)
	if err != nil {
		a.logger.Warn().Err(err).Str("wallet", wallet.Hex()).Msg("pending reserved amounts unavailable")
		reserved = nil
	}
	incoming, err := a.pending.PendingIncomingByToken(ctx, wallet)
	if err != nil {
		a.logger.Warn().Err(err).Str("wallet", wallet.Hex()).Msg("pending incoming amounts unavailable")
		incoming = nil
	}
	return reserved, incoming
}

func adjust(balance, reserved, incoming *big.Int) *big.Int {
	out := new(big.Int)
	if balance != nil {
		out.Set(balance)
	}
	if reserved != nil {
		out.Sub(out, reserved)
	}
	if incoming != nil {
		out.Add(out, incoming)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// SortDeficits orders deficits by the largest shortfall first.
func SortDeficits(items []liquidity.TokenDataAnalyzed) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Shortfall(items[i].Analysis.Balance.Current).Cmp(items[j].Shortfall(items[j].Analysis.Balance.Current)) > 0
	})
}

// SortSurplus orders surplus by the largest excess first.
func SortSurplus(items []liquidity.TokenDataAnalyzed) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Excess().Cmp(items[j].Excess()) > 0
	})
}
