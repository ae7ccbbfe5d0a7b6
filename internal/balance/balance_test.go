package balance

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/liquidity"
)

type fakeBackend struct {
	balance      *big.Int
	native       *big.Int
	decimals     uint8
	decimalCalls int
	err          error
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch {
	case bytes.HasPrefix(msg.Data, contracts.ERC20.Methods["balanceOf"].ID):
		return contracts.ERC20.Methods["balanceOf"].Outputs.Pack(f.balance)
	case bytes.HasPrefix(msg.Data, contracts.ERC20.Methods["decimals"].ID):
		f.decimalCalls++
		return contracts.ERC20.Methods["decimals"].Outputs.Pack(f.decimals)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	return f.native, f.err
}

func readerFor(b *fakeBackend) *Reader {
	return NewReader(ChainsFunc(func(ctx context.Context, chainID uint64) (Backend, error) {
		return b, nil
	}), Options{}, zerolog.Nop())
}

func TestERC20BalanceNormalized(t *testing.T) {
	b := &fakeBackend{balance: big.NewInt(1_500_000), decimals: 6}
	r := readerFor(b)
	token := liquidity.TokenConfig{Address: common.HexToAddress("0x01"), ChainID: 10, Type: liquidity.TokenTypeERC20}

	bal, err := r.TokenBalance(context.Background(), common.HexToAddress("0xaa"), token)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", bal.Balance.String())
	assert.Equal(t, liquidity.Decimals{Original: 6, Current: 18}, bal.Decimals)

	_, err = r.TokenBalance(context.Background(), common.HexToAddress("0xaa"), token)
	require.NoError(t, err)
	assert.Equal(t, 1, b.decimalCalls, "decimals should be cached")
}

func TestNativeBalance(t *testing.T) {
	b := &fakeBackend{native: big.NewInt(42)}
	r := readerFor(b)
	bal, err := r.TokenBalance(context.Background(), common.HexToAddress("0xaa"), liquidity.TokenConfig{ChainID: 1, Type: liquidity.TokenTypeNative})
	require.NoError(t, err)
	assert.Equal(t, "42", bal.Balance.String())
	assert.Equal(t, uint8(18), bal.Decimals.Original)
}

func TestBalanceRPCError(t *testing.T) {
	r := readerFor(&fakeBackend{err: errors.New("rpc down")})
	_, err := r.TokenBalance(context.Background(), common.HexToAddress("0xaa"), liquidity.TokenConfig{ChainID: 1, Type: liquidity.TokenTypeERC20})
	assert.ErrorContains(t, err, "rpc down")
}
