package analyzer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
)

var band = Percentages{Down: 0.2, Up: 0.1}

func units(n int64) *big.Int {
	return decimals.FromUnits(decimal.NewFromInt(n))
}

func TestAnalyzeTokenBands(t *testing.T) {
	cfg := liquidity.TokenConfig{TargetBalance: decimal.NewFromInt(1000)}

	cases := []struct {
		current int64
		state   liquidity.State
	}{
		{750, liquidity.StateDeficit},
		{800, liquidity.StateBalanced},
		{1050, liquidity.StateBalanced},
		{1100, liquidity.StateBalanced},
		{1150, liquidity.StateSurplus},
	}
	for _, tc := range cases {
		a := AnalyzeToken(cfg, liquidity.TokenBalance{Balance: units(tc.current)}, band)
		assert.Equalf(t, tc.state, a.State, "current=%d", tc.current)
		assert.Equal(t, 0, a.Balance.Minimum.Cmp(units(800)))
		assert.Equal(t, 0, a.Balance.Maximum.Cmp(units(1100)))
		assert.True(t, a.Balance.Minimum.Cmp(a.Balance.Target) <= 0)
		assert.True(t, a.Balance.Target.Cmp(a.Balance.Maximum) <= 0)
	}
}

type fakeBalances struct {
	balances map[string]*big.Int
	fail     map[string]bool
}

func (f fakeBalances) TokenBalance(ctx context.Context, wallet common.Address, token liquidity.TokenConfig) (liquidity.TokenBalance, error) {
	key := liquidity.TokenKey(token.ChainID, token.Address)
	if f.fail[key] {
		return liquidity.TokenBalance{}, errors.New("rpc unavailable")
	}
	return liquidity.TokenBalance{Address: token.Address, Balance: new(big.Int).Set(f.balances[key]), Decimals: liquidity.Decimals{Original: 6, Current: 18}}, nil
}

type fakePending struct {
	reserved map[string]*big.Int
	incoming map[string]*big.Int
}

func (f fakePending) PendingReservedByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return f.reserved, nil
}

func (f fakePending) PendingIncomingByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return f.incoming, nil
}

func token(chainID uint64, addr string) liquidity.TokenConfig {
	return liquidity.TokenConfig{
		Address:       common.HexToAddress(addr),
		ChainID:       chainID,
		Type:          liquidity.TokenTypeERC20,
		TargetBalance: decimal.NewFromInt(1000),
	}
}

func TestAnalyzeTokensClassifiesAndTotals(t *testing.T) {
	a, b, c, d := token(1, "0x01"), token(10, "0x02"), token(137, "0x03"), token(8453, "0x04")
	balances := fakeBalances{
		balances: map[string]*big.Int{
			liquidity.TokenKey(a.ChainID, a.Address): units(500),
			liquidity.TokenKey(b.ChainID, b.Address): units(700),
			liquidity.TokenKey(c.ChainID, c.Address): units(2000),
		},
		fail: map[string]bool{liquidity.TokenKey(d.ChainID, d.Address): true},
	}
	an := New(func(common.Address) []liquidity.TokenConfig { return []liquidity.TokenConfig{b, a, c, d} }, balances, nil, band, zerolog.Nop())

	res, err := an.AnalyzeTokens(context.Background(), common.HexToAddress("0xaa"))
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	require.Len(t, res.Deficit.Items, 2)
	require.Len(t, res.Surplus.Items, 1)

	// largest shortfall first
	assert.Equal(t, a.Address, res.Deficit.Items[0].Config.Address)
	assert.Equal(t, 0, res.Deficit.Total.Cmp(units(1200)))
	assert.Equal(t, 0, res.Surplus.Total.Cmp(units(2000)))
}

func TestAnalyzeTokensAppliesPendingRebalances(t *testing.T) {
	src, dst := token(1, "0x01"), token(10, "0x02")
	srcKey := liquidity.TokenKey(src.ChainID, src.Address)
	dstKey := liquidity.TokenKey(dst.ChainID, dst.Address)

	balances := fakeBalances{balances: map[string]*big.Int{srcKey: units(1500), dstKey: units(500)}}
	pending := fakePending{
		reserved: map[string]*big.Int{srcKey: units(450)},
		incoming: map[string]*big.Int{dstKey: units(400)},
	}
	an := New(func(common.Address) []liquidity.TokenConfig { return []liquidity.TokenConfig{src, dst} }, balances, pending, band, zerolog.Nop())

	res, err := an.AnalyzeTokens(context.Background(), common.HexToAddress("0xaa"))
	require.NoError(t, err)
	assert.Empty(t, res.Deficit.Items)
	assert.Empty(t, res.Surplus.Items)
	assert.Equal(t, 0, res.Items[0].Analysis.Balance.Current.Cmp(units(1050)))
	assert.Equal(t, 0, res.Items[1].Analysis.Balance.Current.Cmp(units(900)))
}

func TestAdjustNeverNegative(t *testing.T) {
	assert.Equal(t, "0", adjust(big.NewInt(5), big.NewInt(10), nil).String())
}
