package storage

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"liquidity-rebalancer/internal/liquidity"
)

// RebalanceStatus tracks a rebalance through execution.
type RebalanceStatus string

const (
	StatusPending   RebalanceStatus = "PENDING"
	StatusCompleted RebalanceStatus = "COMPLETED"
	StatusFailed    RebalanceStatus = "FAILED"
)

// RebalanceToken is the persisted summary of one side of a rebalance.
// Balances are whole token units at quote time.
type RebalanceToken struct {
	ChainID        uint64
	Address        common.Address
	CurrentBalance decimal.Decimal
	TargetBalance  decimal.Decimal
}

// RebalanceRecord is one selected quote, persisted before execution starts.
// Amounts are base precision.
type RebalanceRecord struct {
	ID        string
	Wallet    common.Address
	TokenIn   RebalanceToken
	TokenOut  RebalanceToken
	AmountIn  *big.Int
	AmountOut *big.Int
	Slippage  float64
	Strategy  liquidity.Strategy
	GroupID   string
	Context   json.RawMessage
	Status    RebalanceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RejectionReason explains why a quote was discarded.
type RejectionReason string

const (
	RejectionHighSlippage          RejectionReason = "HIGH_SLIPPAGE"
	RejectionProviderError         RejectionReason = "PROVIDER_ERROR"
	RejectionInsufficientLiquidity RejectionReason = "INSUFFICIENT_LIQUIDITY"
	RejectionTimeout               RejectionReason = "TIMEOUT"
)

// QuoteRejection is a quote that failed selection. It is never executed.
type QuoteRejection struct {
	ID          string
	RebalanceID string
	Wallet      common.Address
	Strategy    liquidity.Strategy
	Reason      RejectionReason
	TokenIn     RebalanceToken
	TokenOut    RebalanceToken
	SwapAmount  decimal.Decimal
	Details     json.RawMessage
	CreatedAt   time.Time
}
