// Package decimals converts token amounts between native and canonical precision.
package decimals

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Base is the canonical precision used for every internal amount.
const Base uint8 = 18

var scales [Base + 1]*big.Int

func init() {
	ten := big.NewInt(10)
	for i := range scales {
		scales[i] = new(big.Int).Exp(ten, big.NewInt(int64(i)), nil)
	}
}

func scale(from uint8) (*big.Int, error) {
	if from > Base {
		return nil, fmt.Errorf("decimals %d exceed base precision %d", from, Base)
	}
	return scales[Base-from], nil
}

// Normalize lifts an amount expressed with `from` decimals to Base precision.
func Normalize(amount *big.Int, from uint8) (*big.Int, error) {
	factor, err := scale(from)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Mul(amount, factor), nil
}

// Denormalize converts a Base precision amount back to `to` decimals, truncating.
func Denormalize(amount *big.Int, to uint8) (*big.Int, error) {
	factor, err := scale(to)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Quo(amount, factor), nil
}

// MustNormalize is Normalize for decimals known to be valid.
func MustNormalize(amount *big.Int, from uint8) *big.Int {
	out, err := Normalize(amount, from)
	if err != nil {
		panic(err)
	}
	return out
}

// FromUnits returns whole token units (e.g. 1000 USDC) in Base precision.
func FromUnits(units decimal.Decimal) *big.Int {
	return units.Shift(int32(Base)).BigInt()
}

// ToDecimal renders a Base precision amount as whole token units.
func ToDecimal(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(Base))
}
