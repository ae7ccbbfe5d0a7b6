// Package warproute moves tokens over message-based warp routes, optionally paired with a LiFi swap.
package warproute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/wallet"
)

var (
	ErrUnsupportedPath   = errors.New("Unsupported action path")
	ErrUnexpectedWallet  = errors.New("Unexpected wallet during WarpRoute execution")
	errPartialQuoteFails = errors.New("Unable to get quote for partial action path")
)

// Token is a token on one chain.
type Token struct {
	ChainID uint64
	Token   common.Address
}

// ChainToken is a route member. Synthetic is the router contract that sends the remote transfer.
type ChainToken struct {
	ChainID   uint64
	Token     common.Address
	Synthetic common.Address
}

// Route is one warp route: a collateral token and the chains it is bridged to.
type Route struct {
	Collateral Token
	Chains     []ChainToken
}

// Swapper prices single-leg swaps. The LiFi provider satisfies it.
type Swapper interface {
	Quote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) (liquidity.Quote, error)
}

// Provider quotes and executes warp route transfers for one wallet.
type Provider struct {
	routes   []Route
	swapper  Swapper
	signer   wallet.Provider
	balances liquidity.BalanceReader
	logger   zerolog.Logger
}

// New builds the provider.
func New(routes []Route, swapper Swapper, signer wallet.Provider, balances liquidity.BalanceReader, logger zerolog.Logger) *Provider {
	return &Provider{
		routes:   routes,
		swapper:  swapper,
		signer:   signer,
		balances: balances,
		logger:   logger.With().Str("component", "warp_route_provider").Logger(),
	}
}

func (p *Provider) Strategy() liquidity.Strategy { return liquidity.StrategyWarpRoute }

// GetQuote returns a single remote transfer when both tokens share a route, or a remote transfer chained
// with a LiFi swap when only one of them belongs to a route. Quotes are in execution order.
func (p *Provider) GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error) {
	routeIn, _ := p.route(tokenIn.ChainID, tokenIn.Config.Address)
	routeOut, _ := p.route(tokenOut.ChainID, tokenOut.Config.Address)

	switch {
	case routeIn == nil && routeOut == nil:
		return nil, ErrUnsupportedPath
	case routeIn != nil && routeIn == routeOut:
		return []liquidity.Quote{p.remoteTransferQuote(tokenIn, tokenOut, amount, *routeIn, liquidity.WarpRoutePathFull, id)}, nil
	}

	quotes, err := p.partialQuote(ctx, tokenIn, tokenOut, routeIn, routeOut, amount, id)
	if err != nil {
		p.logger.Debug().Err(err).Str("id", id).Msg("partial warp route quote failed")
		return nil, err
	}
	return quotes, nil
}

func (p *Provider) partialQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, routeIn, routeOut *Route, amount *big.Int, id string) ([]liquidity.Quote, error) {
	if routeIn != nil {
		// Bridge tokenIn home to the collateral chain, then swap collateral into tokenOut.
		if isToken(routeIn.Collateral, tokenIn.ChainID, tokenIn.Config.Address) {
			return nil, ErrUnsupportedPath
		}
		collateral, err := p.collateralData(ctx, routeIn.Collateral)
		if err != nil {
			return nil, err
		}
		transfer := p.remoteTransferQuote(tokenIn, collateral, amount, *routeIn, liquidity.WarpRoutePathPartial, id)
		swap, err := p.swapper.Quote(ctx, collateral, tokenOut, amount, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errPartialQuoteFails, err)
		}
		return []liquidity.Quote{transfer, swap}, nil
	}

	// Swap tokenIn into collateral, then bridge collateral out to tokenOut's chain.
	if isToken(routeOut.Collateral, tokenOut.ChainID, tokenOut.Config.Address) {
		return nil, ErrUnsupportedPath
	}
	collateral, err := p.collateralData(ctx, routeOut.Collateral)
	if err != nil {
		return nil, err
	}
	swap, err := p.swapper.Quote(ctx, tokenIn, collateral, amount, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errPartialQuoteFails, err)
	}
	lc, ok := swap.Context.(liquidity.LiFiContext)
	if !ok {
		return nil, errPartialQuoteFails
	}
	minOut, ok := new(big.Int).SetString(lc.ToAmountMin, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid toAmountMin %q", errPartialQuoteFails, lc.ToAmountMin)
	}
	transferAmount, err := decimals.Normalize(minOut, collateral.NativeDecimals())
	if err != nil {
		return nil, err
	}
	transfer := p.remoteTransferQuote(collateral, tokenOut, transferAmount, *routeOut, liquidity.WarpRoutePathPartial, id)
	return []liquidity.Quote{swap, transfer}, nil
}

func (p *Provider) remoteTransferQuote(tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, route Route, path liquidity.WarpRoutePath, id string) liquidity.Quote {
	wc := liquidity.WarpRouteContext{Path: path, Collateral: route.Collateral.Token}
	if m, ok := member(route, tokenIn.ChainID, tokenIn.Config.Address); ok {
		wc.WarpToken = m.Synthetic
	}
	return liquidity.Quote{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amount),
		AmountOut: new(big.Int).Set(amount),
		Slippage:  0,
		Strategy:  liquidity.StrategyWarpRoute,
		Context:   wc,
	}
}

// Execute sends transferRemote from the source chain's warp router, approving it first when the
// router does not hold the token itself.
func (p *Provider) Execute(ctx context.Context, walletAddress common.Address, quote liquidity.Quote) (common.Hash, error) {
	log := p.logger.With().
		Str("id", quote.ID).
		Str("rebalance_id", quote.RebalanceJobID).
		Str("token_in", quote.TokenIn.Config.Address.Hex()).
		Uint64("chain_in", quote.TokenIn.ChainID).
		Str("token_out", quote.TokenOut.Config.Address.Hex()).
		Uint64("chain_out", quote.TokenOut.ChainID).
		Logger()
	log.Debug().Str("amount_in", quote.AmountIn.String()).Str("amount_out", quote.AmountOut.String()).Msg("executing warp route quote")

	signerAddress, err := p.signer.GetAddress(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("resolve wallet address: %w", err)
	}
	if signerAddress != walletAddress {
		return common.Hash{}, ErrUnexpectedWallet
	}

	route, _ := p.route(quote.TokenIn.ChainID, quote.TokenIn.Config.Address)
	if route == nil {
		return common.Hash{}, fmt.Errorf("Warp route not found for %s in chain %d", quote.TokenIn.Config.Address.Hex(), quote.TokenIn.ChainID)
	}
	warpToken, ok := member(*route, quote.TokenIn.ChainID, quote.TokenIn.Config.Address)
	if !ok {
		return common.Hash{}, fmt.Errorf("Warp route not found for %s in chain %d", quote.TokenIn.Config.Address.Hex(), quote.TokenIn.ChainID)
	}
	if quote.TokenOut.ChainID > math.MaxUint32 {
		return common.Hash{}, fmt.Errorf("destination chain %d exceeds domain range", quote.TokenOut.ChainID)
	}
	destination := uint32(quote.TokenOut.ChainID)

	amount, err := decimals.Denormalize(quote.AmountOut, quote.TokenIn.NativeDecimals())
	if err != nil {
		return common.Hash{}, err
	}

	client, err := p.signer.GetClient(ctx, quote.TokenIn.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet client for chain %d: %w", quote.TokenIn.ChainID, err)
	}

	fee, err := quoteGasPayment(ctx, client, warpToken.Synthetic, destination)
	if err != nil {
		return common.Hash{}, err
	}

	transfer, err := contracts.WarpRoute.Pack("transferRemote", destination, contracts.PadAddress(walletAddress), amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transferRemote: %w", err)
	}

	var calls []wallet.Call
	if warpToken.Synthetic != quote.TokenIn.Config.Address {
		approve, err := contracts.Approve(warpToken.Synthetic, amount)
		if err != nil {
			return common.Hash{}, fmt.Errorf("encode approve: %w", err)
		}
		calls = append(calls, wallet.Call{To: warpToken.Token, Data: approve})
	}
	calls = append(calls, wallet.Call{To: warpToken.Synthetic, Data: transfer, Value: fee})

	hash, err := client.Execute(ctx, calls)
	if err != nil {
		return common.Hash{}, fmt.Errorf("execute transferRemote: %w", err)
	}
	receipt, err := client.WaitForReceipt(ctx, hash)
	if err != nil {
		return hash, fmt.Errorf("wait for transferRemote %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("transferRemote %s reverted", hash.Hex())
	}

	log.Info().Str("tx_hash", hash.Hex()).Str("fee", fee.String()).Msg("warp route transfer sent")
	return hash, nil
}

func quoteGasPayment(ctx context.Context, client wallet.Client, router common.Address, destination uint32) (*big.Int, error) {
	data, err := contracts.WarpRoute.Pack("quoteGasPayment", destination)
	if err != nil {
		return nil, fmt.Errorf("encode quoteGasPayment: %w", err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data})
	if err != nil {
		return nil, fmt.Errorf("quoteGasPayment: %w", err)
	}
	out, err := contracts.WarpRoute.Unpack("quoteGasPayment", res)
	if err != nil {
		return nil, fmt.Errorf("decode quoteGasPayment: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("unexpected quoteGasPayment response")
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected quoteGasPayment response")
	}
	return fee, nil
}

// route finds the route tokenAddr belongs to, either as a member or as its collateral.
func (p *Provider) route(chainID uint64, tokenAddr common.Address) (*Route, bool) {
	for i := range p.routes {
		r := &p.routes[i]
		if _, ok := member(*r, chainID, tokenAddr); ok {
			return r, true
		}
		if isToken(r.Collateral, chainID, tokenAddr) {
			return r, true
		}
	}
	return nil, false
}

func (p *Provider) collateralData(ctx context.Context, collateral Token) (liquidity.TokenDataAnalyzed, error) {
	address, err := p.signer.GetAddress(ctx)
	if err != nil {
		return liquidity.TokenDataAnalyzed{}, fmt.Errorf("resolve wallet address: %w", err)
	}
	cfg := liquidity.TokenConfig{Address: collateral.Token, ChainID: collateral.ChainID, Type: liquidity.TokenTypeERC20}
	bal, err := p.balances.TokenBalance(ctx, address, cfg)
	if err != nil {
		return liquidity.TokenDataAnalyzed{}, fmt.Errorf("collateral balance: %w", err)
	}
	return liquidity.TokenDataAnalyzed{TokenData: liquidity.TokenData{ChainID: collateral.ChainID, Config: cfg, Balance: bal}}, nil
}

func member(r Route, chainID uint64, tokenAddr common.Address) (ChainToken, bool) {
	for _, c := range r.Chains {
		if c.ChainID == chainID && c.Token == tokenAddr {
			return c, true
		}
	}
	return ChainToken{}, false
}

func isToken(t Token, chainID uint64, tokenAddr common.Address) bool {
	return t.ChainID == chainID && t.Token == tokenAddr
}

var _ liquidity.Provider = (*Provider)(nil)
