package usdt0

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/wallet/wallettest"
)

var (
	walletAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

	adapterETH = common.HexToAddress("0x6C96dE32CEa08842dcc4058c14d3aaAD7Fa41dee")
	usdtETH    = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	oftARB     = common.HexToAddress("0x14E4A1B13bf7F943c8ff7C51fb60FA964A298D92")
	usdt0ARB   = common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9")
)

func testChains() []Chain {
	return []Chain{
		{ChainID: 1, EID: 30101, Type: ChainTypeAdapter, Contract: adapterETH, Token: adapterETH, UnderlyingToken: usdtETH},
		{ChainID: 42161, EID: 30110, Type: ChainTypeNative, Contract: oftARB, Token: usdt0ARB},
	}
}

func token(chainID uint64, addr common.Address) liquidity.TokenDataAnalyzed {
	return liquidity.TokenDataAnalyzed{TokenData: liquidity.TokenData{
		ChainID: chainID,
		Config:  liquidity.TokenConfig{Address: addr, ChainID: chainID, Type: liquidity.TokenTypeERC20},
		Balance: liquidity.TokenBalance{Address: addr, Decimals: liquidity.Decimals{Original: 6, Current: 18}},
	}}
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type oftLimit struct {
	MinAmountLD *big.Int
	MaxAmountLD *big.Int
}

type oftFeeDetail struct {
	FeeAmountLD *big.Int
	Description string
}

func stubOFT(t *testing.T, client *wallettest.Client, received int64, nativeFee int64) {
	t.Helper()
	oft, err := contracts.OFT.Methods["quoteOFT"].Outputs.Pack(
		oftLimit{MinAmountLD: big.NewInt(0), MaxAmountLD: big.NewInt(1_000_000_000_000)},
		[]oftFeeDetail{},
		contracts.OFTReceipt{AmountSentLD: big.NewInt(received), AmountReceivedLD: big.NewInt(received)},
	)
	require.NoError(t, err)
	client.CallResults[wallettest.Selector(contracts.OFT.Methods["quoteOFT"].ID)] = oft

	fee, err := contracts.OFT.Methods["quoteSend"].Outputs.Pack(contracts.MessagingFee{NativeFee: big.NewInt(nativeFee), LzTokenFee: big.NewInt(0)})
	require.NoError(t, err)
	client.CallResults[wallettest.Selector(contracts.OFT.Methods["quoteSend"].ID)] = fee
}

func TestGetQuote(t *testing.T) {
	p := New(testChains(), wallettest.New(walletAddr), zerolog.Nop())

	quotes, err := p.GetQuote(context.Background(), token(1, usdtETH), token(42161, usdt0ARB), units(500), "id-1")
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, liquidity.StrategyUSDT0, q.Strategy)
	assert.Equal(t, 0.0, q.Slippage)
	assert.Equal(t, 0, units(500).Cmp(q.AmountOut))

	uc := q.Context.(liquidity.USDT0Context)
	assert.Equal(t, uint32(30101), uc.SourceEID)
	assert.Equal(t, uint32(30110), uc.DestinationEID)
	assert.Equal(t, adapterETH, uc.OFT)
	assert.Equal(t, walletAddr, uc.To)
}

func TestGetQuoteRejections(t *testing.T) {
	p := New(testChains(), wallettest.New(walletAddr), zerolog.Nop())
	ctx := context.Background()

	_, err := p.GetQuote(ctx, token(10, usdtETH), token(42161, usdt0ARB), units(1), "")
	assert.EqualError(t, err, "USDT0 unsupported chain pair")

	_, err = p.GetQuote(ctx, token(1, usdtETH), token(1, usdtETH), units(1), "")
	assert.ErrorIs(t, err, ErrUnsupportedChainPair)

	// The adapter chain expects the underlying USDT, not the adapter itself.
	_, err = p.GetQuote(ctx, token(1, adapterETH), token(42161, usdt0ARB), units(1), "")
	assert.EqualError(t, err, "USDT0 unsupported token")
}

func TestExecuteFromAdapter(t *testing.T) {
	signer := wallettest.New(walletAddr)
	client := signer.Client(1)
	stubOFT(t, client, 99_900_000, 12345)
	p := New(testChains(), signer, zerolog.Nop())

	quotes, err := p.GetQuote(context.Background(), token(1, usdtETH), token(42161, usdt0ARB), units(100), "id")
	require.NoError(t, err)

	hash, err := p.Execute(context.Background(), walletAddr, quotes[0])
	require.NoError(t, err)
	assert.Equal(t, client.Hash, hash)

	batch := client.LastBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, usdtETH, batch[0].To)
	assert.Equal(t, contracts.ERC20.Methods["approve"].ID, batch[0].Data[:4])
	assert.Equal(t, adapterETH, batch[1].To)
	assert.Equal(t, int64(12345), batch[1].Value.Int64())

	args, err := contracts.OFT.Methods["send"].Inputs.Unpack(batch[1].Data[4:])
	require.NoError(t, err)
	param := *abi.ConvertType(args[0], new(contracts.SendParam)).(*contracts.SendParam)
	assert.Equal(t, walletAddr, args[2])
	assert.Equal(t, uint32(30110), param.DstEid)
	assert.Equal(t, contracts.PadAddress(walletAddr), param.To)
	assert.Equal(t, "100000000", param.AmountLD.String())
	assert.Equal(t, "99900000", param.MinAmountLD.String(), "minimum comes from quoteOFT")
}

func TestExecuteNativeKeepsMinimumWhenQuoteOFTFails(t *testing.T) {
	signer := wallettest.New(walletAddr)
	client := signer.Client(42161)
	fee, err := contracts.OFT.Methods["quoteSend"].Outputs.Pack(contracts.MessagingFee{NativeFee: big.NewInt(7), LzTokenFee: big.NewInt(0)})
	require.NoError(t, err)
	client.CallResults[wallettest.Selector(contracts.OFT.Methods["quoteSend"].ID)] = fee
	p := New(testChains(), signer, zerolog.Nop())

	quotes, err := p.GetQuote(context.Background(), token(42161, usdt0ARB), token(1, usdtETH), units(5), "id")
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), walletAddr, quotes[0])
	require.NoError(t, err)

	batch := client.LastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, oftARB, batch[0].To)
	assert.Equal(t, int64(7), batch[0].Value.Int64())
}

func TestExecuteFailures(t *testing.T) {
	signer := wallettest.New(walletAddr)
	p := New(testChains(), signer, zerolog.Nop())
	quotes, err := p.GetQuote(context.Background(), token(42161, usdt0ARB), token(1, usdtETH), units(5), "id")
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), common.HexToAddress("0x02"), quotes[0])
	assert.ErrorIs(t, err, ErrUnexpectedWallet)

	signer.Client(42161).CallErr = errors.New("rpc down")
	_, err = p.Execute(context.Background(), walletAddr, quotes[0])
	assert.ErrorContains(t, err, "quoteSend: rpc down")
}
