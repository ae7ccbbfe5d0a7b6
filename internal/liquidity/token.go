// Package liquidity holds the domain model shared by the rebalancing engine.
package liquidity

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenType distinguishes native gas tokens from contract tokens.
type TokenType string

const (
	TokenTypeNative TokenType = "native"
	TokenTypeERC20  TokenType = "erc20"
)

// TokenConfig is the operator supplied definition of a monitored token.
// Balances are whole token units.
type TokenConfig struct {
	Address       common.Address
	ChainID       uint64
	Type          TokenType
	MinBalance    decimal.Decimal
	TargetBalance decimal.Decimal
}

// Decimals records the native precision of a token and the precision its balance is expressed in.
type Decimals struct {
	Original uint8 `json:"original"`
	Current  uint8 `json:"current"`
}

// TokenBalance is a live balance. Balance is expressed in Decimals.Current.
type TokenBalance struct {
	Address  common.Address
	Balance  *big.Int
	Decimals Decimals
}

// TokenData pairs a token's config with its live balance.
type TokenData struct {
	ChainID uint64
	Config  TokenConfig
	Balance TokenBalance
}

// State classifies a balance against its band.
type State string

const (
	StateDeficit  State = "DEFICIT"
	StateBalanced State = "BALANCED"
	StateSurplus  State = "SURPLUS"
)

// Band is the analysed balance window, all in base precision.
type Band struct {
	Current *big.Int
	Target  *big.Int
	Minimum *big.Int
	Maximum *big.Int
}

// Analysis is the classification of a token balance.
type Analysis struct {
	Balance Band
	State   State
}

// TokenDataAnalyzed is a token with its current classification.
type TokenDataAnalyzed struct {
	TokenData
	Analysis Analysis
}

// Key identifies a token across chains.
func (t TokenData) Key() string {
	return TokenKey(t.ChainID, t.Config.Address)
}

// TokenKey builds the `chainId:address` key used for balance bookkeeping.
func TokenKey(chainID uint64, address common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(address.Hex()))
}

// Excess is how far the balance sits above target. Zero when at or below target.
func (t TokenDataAnalyzed) Excess() *big.Int {
	b := t.Analysis.Balance
	if b.Current == nil || b.Target == nil || b.Current.Cmp(b.Target) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(b.Current, b.Target)
}

// Shortfall is the amount required to lift the balance to its minimum.
func (t TokenDataAnalyzed) Shortfall(current *big.Int) *big.Int {
	min := t.Analysis.Balance.Minimum
	if current == nil || min == nil || current.Cmp(min) >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(min, current)
}

// Clone returns a deep copy so callers can mutate balances safely.
func (t TokenDataAnalyzed) Clone() TokenDataAnalyzed {
	out := t
	out.Balance.Balance = cloneInt(t.Balance.Balance)
	out.Analysis.Balance = Band{
		Current: cloneInt(t.Analysis.Balance.Current),
		Target:  cloneInt(t.Analysis.Balance.Target),
		Minimum: cloneInt(t.Analysis.Balance.Minimum),
		Maximum: cloneInt(t.Analysis.Balance.Maximum),
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// NativeDecimals is the token's on-chain precision. An unset balance is treated as base precision.
func (t TokenData) NativeDecimals() uint8 {
	if t.Balance.Decimals.Original == 0 && t.Balance.Decimals.Current == 0 {
		return 18
	}
	return t.Balance.Decimals.Original
}
