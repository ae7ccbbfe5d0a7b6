package decimals

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUSDC(t *testing.T) {
	amount := big.NewInt(1000123456)
	got, err := Normalize(amount, 6)
	require.NoError(t, err)

	want := new(big.Int).Mul(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil))
	assert.Equal(t, 0, got.Cmp(want))
}

func TestRoundTripAllDecimals(t *testing.T) {
	amounts := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(1000123456),
		new(big.Int).Exp(big.NewInt(2), big.NewInt(200), nil),
	}
	for d := uint8(0); d <= Base; d++ {
		for _, a := range amounts {
			n, err := Normalize(a, d)
			require.NoError(t, err)
			back, err := Denormalize(n, d)
			require.NoError(t, err)
			require.Equalf(t, 0, back.Cmp(a), "decimals=%d amount=%s", d, a)
		}
	}
}

func TestBaseDecimalsPassThrough(t *testing.T) {
	a := big.NewInt(42)
	n, err := Normalize(a, Base)
	require.NoError(t, err)
	assert.Equal(t, "42", n.String())
	assert.NotSame(t, a, n)
}

func TestRejectsDecimalsAboveBase(t *testing.T) {
	_, err := Normalize(big.NewInt(1), Base+1)
	assert.Error(t, err)
	_, err = Denormalize(big.NewInt(1), Base+1)
	assert.Error(t, err)
}

func TestUnitsConversions(t *testing.T) {
	v := FromUnits(decimal.RequireFromString("1.5"))
	assert.Equal(t, "1500000000000000000", v.String())
	assert.Equal(t, "1.5", ToDecimal(v).String())
	assert.True(t, ToDecimal(nil).IsZero())
}
