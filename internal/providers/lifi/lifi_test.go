package lifi

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/wallet/wallettest"
)

var (
	walletAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdcOP     = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	usdtBase   = common.HexToAddress("0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2")
	wethOP     = common.HexToAddress("0x4200000000000000000000000000000000000006")
	router     = common.HexToAddress("0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE")
)

type quoteCall struct {
	from, to   string
	fromAmount string
	slippage   string
}

// fakeAPI answers every quote with toAmount = fromAmount*outNum/100 and toAmountMin = fromAmount*minNum/100,
// rescaled from 6 to 6 decimals.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []quoteCall
	outNum int64
	minNum int64
	status int
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, quotePath, r.URL.Path)
		q := r.URL.Query()

		f.mu.Lock()
		f.calls = append(f.calls, quoteCall{
			from:       q.Get("fromToken"),
			to:         q.Get("toToken"),
			fromAmount: q.Get("fromAmount"),
			slippage:   q.Get("slippage"),
		})
		status := f.status
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"No available quotes for the requested transfer","code":1002}`))
			return
		}

		amount, _ := new(big.Int).SetString(q.Get("fromAmount"), 10)
		out := new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(f.outNum)), big.NewInt(100))
		min := new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(f.minNum)), big.NewInt(100))

		resp := map[string]any{
			"tool": "stargate",
			"estimate": map[string]any{
				"fromAmount":      amount.String(),
				"toAmount":        out.String(),
				"toAmountMin":     min.String(),
				"approvalAddress": router.Hex(),
			},
			"transactionRequest": map[string]any{
				"chainId": 10,
				"to":      router.Hex(),
				"data":    "0xdeadbeef",
				"value":   "0x0",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type fakeBalances struct{}

func (fakeBalances) TokenBalance(ctx context.Context, wallet common.Address, token liquidity.TokenConfig) (liquidity.TokenBalance, error) {
	return liquidity.TokenBalance{
		Address:  token.Address,
		Balance:  new(big.Int),
		Decimals: liquidity.Decimals{Original: 6, Current: decimals.Base},
	}, nil
}

func token(chainID uint64, addr common.Address, dec uint8) liquidity.TokenDataAnalyzed {
	return liquidity.TokenDataAnalyzed{TokenData: liquidity.TokenData{
		ChainID: chainID,
		Config:  liquidity.TokenConfig{Address: addr, ChainID: chainID, Type: liquidity.TokenTypeERC20},
		Balance: liquidity.TokenBalance{Address: addr, Decimals: liquidity.Decimals{Original: dec, Current: decimals.Base}},
	}}
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newProvider(t *testing.T, api *fakeAPI, cfg Config) (*Provider, *wallettest.Provider) {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	client := NewClient(Options{BaseURL: srv.URL + "/", RequestsPerSecond: 100}, zerolog.Nop())
	signer := wallettest.New(walletAddr)
	return New(client, signer, fakeBalances{}, cfg, zerolog.Nop()), signer
}

func TestGetQuoteNormalizesAndComputesSlippage(t *testing.T) {
	api := &fakeAPI{outNum: 100, minNum: 99}
	p, _ := newProvider(t, api, Config{SwapSlippage: 0.005})

	quotes, err := p.GetQuote(context.Background(), token(10, usdcOP, 6), token(8453, usdtBase, 6), units(100), "q-1")
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, liquidity.StrategyLiFi, q.Strategy)
	assert.Equal(t, "q-1", q.ID)
	assert.Equal(t, units(100), q.AmountIn)
	assert.Equal(t, units(100), q.AmountOut)
	assert.InDelta(t, 0.01, q.Slippage, 1e-12)

	require.Len(t, api.calls, 1)
	assert.Equal(t, "100000000", api.calls[0].fromAmount)
	assert.Empty(t, api.calls[0].slippage, "cross-chain requests let the API pick slippage")

	lc, ok := q.Context.(liquidity.LiFiContext)
	require.True(t, ok)
	assert.Equal(t, "stargate", lc.Tool)
	assert.Equal(t, router, lc.ApprovalAddress)
}

func TestGetQuoteSameChainSendsSlippage(t *testing.T) {
	api := &fakeAPI{outNum: 100, minNum: 100}
	p, _ := newProvider(t, api, Config{SwapSlippage: 0.005})

	_, err := p.GetQuote(context.Background(), token(10, usdcOP, 6), token(10, wethOP, 6), units(5), "")
	require.NoError(t, err)
	require.Len(t, api.calls, 1)
	assert.Equal(t, "0.005", api.calls[0].slippage)
}

func TestGetQuoteAPIError(t *testing.T) {
	api := &fakeAPI{status: http.StatusNotFound}
	p, _ := newProvider(t, api, Config{})

	_, err := p.GetQuote(context.Background(), token(10, usdcOP, 6), token(8453, usdtBase, 6), units(1), "")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, err.Error(), "No available quotes")
}

func TestGetQuoteUnsupportedChain(t *testing.T) {
	api := &fakeAPI{outNum: 100, minNum: 100}
	p, _ := newProvider(t, api, Config{Chains: []uint64{10}})

	_, err := p.GetQuote(context.Background(), token(10, usdcOP, 6), token(8453, usdtBase, 6), units(1), "")
	require.ErrorIs(t, err, ErrRouteNotFound)
	assert.Empty(t, api.calls)
}

func TestFallbackChainsThroughCoreToken(t *testing.T) {
	api := &fakeAPI{outNum: 100, minNum: 99}
	core := common.HexToAddress("0x94b008aA00579c1307B0EF2c499aD98a8ce58e58")
	p, _ := newProvider(t, api, Config{CoreTokens: []liquidity.TokenConfig{{Address: core, ChainID: 10}}})

	quotes, err := p.Fallback(context.Background(), token(10, usdcOP, 6), token(8453, usdtBase, 6), units(100), "fb")
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	assert.Equal(t, core, quotes[0].TokenOut.Config.Address)
	assert.Equal(t, core, quotes[1].TokenIn.Config.Address)
	// Second leg is sized with the first leg's minimum output: 99 units.
	assert.Equal(t, units(99), quotes[1].AmountIn)
	assert.Equal(t, "99000000", api.calls[1].fromAmount)

	compound := liquidity.BatchSlippage(quotes)
	assert.InDelta(t, 1-0.99*0.99, compound, 1e-9)
}

func TestFallbackWithoutCoreTokens(t *testing.T) {
	p, _ := newProvider(t, &fakeAPI{}, Config{})
	_, err := p.Fallback(context.Background(), token(10, usdcOP, 6), token(8453, usdtBase, 6), units(1), "")
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestExecuteApprovesThenSwaps(t *testing.T) {
	api := &fakeAPI{outNum: 100, minNum: 99}
	p, signer := newProvider(t, api, Config{})

	quote := liquidity.Quote{
		TokenIn:   token(10, usdcOP, 6),
		TokenOut:  token(8453, usdtBase, 6),
		AmountIn:  units(50),
		AmountOut: units(50),
		Strategy:  liquidity.StrategyLiFi,
	}
	hash, err := p.Execute(context.Background(), walletAddr, quote)
	require.NoError(t, err)

	client := signer.Client(10)
	assert.Equal(t, client.Hash, hash)

	batch := client.LastBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, usdcOP, batch[0].To)
	assert.True(t, strings.HasPrefix(common.Bytes2Hex(batch[0].Data), common.Bytes2Hex(contracts.ERC20.Methods["approve"].ID)))
	assert.Equal(t, router, batch[1].To)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, batch[1].Data)
	assert.Equal(t, 0, batch[1].Value.Sign())

	require.Len(t, api.calls, 1)
	assert.Equal(t, "50000000", api.calls[0].fromAmount)
}

func TestExecuteRejectsForeignWallet(t *testing.T) {
	p, signer := newProvider(t, &fakeAPI{outNum: 100, minNum: 100}, Config{})

	_, err := p.Execute(context.Background(), common.HexToAddress("0x2222222222222222222222222222222222222222"), liquidity.Quote{
		TokenIn:  token(10, usdcOP, 6),
		TokenOut: token(8453, usdtBase, 6),
		AmountIn: units(1),
	})
	require.ErrorIs(t, err, ErrWalletMismatch)
	assert.Empty(t, signer.Client(10).Batches)
}

func TestParseValue(t *testing.T) {
	cases := map[string]int64{"": 0, "0x0": 0, "0x00": 0, "0x10": 16, "42": 42}
	for in, want := range cases {
		got, err := parseValue(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.Int64(), in)
	}
	_, err := parseValue("nope")
	assert.Error(t, err)
}
