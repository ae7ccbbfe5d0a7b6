package liquidity

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Strategy names a bridge or swap provider.
type Strategy string

const (
	StrategyLiFi      Strategy = "LiFi"
	StrategyCCTP      Strategy = "CCTP"
	StrategyWarpRoute Strategy = "WarpRoute"
	StrategyCCTPLiFi  Strategy = "CCTPLiFi"
	StrategyUSDT0     Strategy = "USDT0"
)

// Strategies lists every strategy the engine knows how to build.
var Strategies = []Strategy{StrategyLiFi, StrategyCCTP, StrategyWarpRoute, StrategyCCTPLiFi, StrategyUSDT0}

// Known reports whether s is a built-in strategy.
func (s Strategy) Known() bool {
	for _, k := range Strategies {
		if k == s {
			return true
		}
	}
	return false
}

// Quote is a priced rebalance between two tokens. Amounts are base precision.
type Quote struct {
	ID        string
	TokenIn   TokenDataAnalyzed
	TokenOut  TokenDataAnalyzed
	AmountIn  *big.Int
	AmountOut *big.Int
	Slippage  float64
	Strategy  Strategy
	Context   QuoteContext

	// Set once the quote is persisted.
	GroupID        string
	RebalanceJobID string
}

// CrossChain reports whether the quote moves value between chains.
func (q Quote) CrossChain() bool {
	return q.TokenIn.ChainID != q.TokenOut.ChainID
}

// Async reports whether the quote settles through follow-up jobs rather than in its execute call.
// Attestation bridges finish in their mint job; the rest finish once delivery is confirmed.
func (q Quote) Async() bool {
	switch q.Strategy {
	case StrategyCCTP, StrategyCCTPLiFi, StrategyUSDT0:
		return true
	case StrategyLiFi:
		return q.CrossChain()
	}
	return false
}

// TracksDelivery reports whether settlement is confirmed by polling the destination side.
func (q Quote) TracksDelivery() bool {
	return q.Async() && q.Strategy != StrategyCCTP && q.Strategy != StrategyCCTPLiFi
}

// SlippageDecimal returns the slippage as a decimal for display.
func (q Quote) SlippageDecimal() decimal.Decimal {
	return decimal.NewFromFloat(q.Slippage)
}

// CompoundSlippage aggregates chained legs: 1 - Π(1 - s_i).
func CompoundSlippage(legs ...float64) float64 {
	remaining := decimal.NewFromInt(1)
	for _, s := range legs {
		remaining = remaining.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(s)))
	}
	out, _ := decimal.NewFromInt(1).Sub(remaining).Float64()
	return out
}

// BatchSlippage is the compound slippage of a batch of chained quotes.
func BatchSlippage(quotes []Quote) float64 {
	legs := make([]float64, 0, len(quotes))
	for _, q := range quotes {
		legs = append(legs, q.Slippage)
	}
	return CompoundSlippage(legs...)
}

// FinalAmountOut is the amount delivered by the last leg of a batch.
func FinalAmountOut(quotes []Quote) *big.Int {
	if len(quotes) == 0 || quotes[len(quotes)-1].AmountOut == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(quotes[len(quotes)-1].AmountOut)
}

// RebalanceRequest is the per-deficit outcome of one orchestrator tick.
type RebalanceRequest struct {
	Token  TokenDataAnalyzed
	Quotes []Quote
}
