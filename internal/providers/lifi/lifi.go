// Package lifi is the generic DEX aggregator strategy backed by the LiFi quote API.
package lifi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/wallet"
)

var (
	// ErrRouteNotFound means no direct or core token route is available.
	ErrRouteNotFound = errors.New("rebalancing route not found")
	// ErrWalletMismatch is returned when execution targets a wallet this provider does not sign for.
	ErrWalletMismatch = errors.New("LiFi is not configured with the provided wallet")
)

// Quoter fetches route quotes.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error)
}

// Config tunes the provider.
type Config struct {
	// SwapSlippage is sent with same-chain requests. Zero lets the API decide.
	SwapSlippage float64
	// Chains restricts routing to these chain ids. Empty allows every chain.
	Chains []uint64
	// CoreTokens are the intermediaries tried by Fallback, in order.
	CoreTokens []liquidity.TokenConfig
}

// Provider quotes and executes LiFi routes for one wallet.
type Provider struct {
	quoter   Quoter
	signer   wallet.Provider
	balances liquidity.BalanceReader
	cfg      Config
	logger   zerolog.Logger
}

// New builds the provider.
func New(quoter Quoter, signer wallet.Provider, balances liquidity.BalanceReader, cfg Config, logger zerolog.Logger) *Provider {
	return &Provider{
		quoter:   quoter,
		signer:   signer,
		balances: balances,
		cfg:      cfg,
		logger:   logger.With().Str("component", "lifi_provider").Logger(),
	}
}

func (p *Provider) Strategy() liquidity.Strategy { return liquidity.StrategyLiFi }

// GetQuote returns a single-leg quote.
func (p *Provider) GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error) {
	q, err := p.Quote(ctx, tokenIn, tokenOut, amount, id)
	if err != nil {
		return nil, err
	}
	return []liquidity.Quote{q}, nil
}

// Quote prices swapping amount (base precision) of tokenIn into tokenOut.
func (p *Provider) Quote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) (liquidity.Quote, error) {
	if !p.supports(tokenIn.ChainID) || !p.supports(tokenOut.ChainID) {
		p.logger.Warn().
			Str("id", id).
			Uint64("from_chain", tokenIn.ChainID).
			Uint64("to_chain", tokenOut.ChainID).
			Msg("skipping quote request for unsupported chain")
		return liquidity.Quote{}, ErrRouteNotFound
	}

	address, err := p.signer.GetAddress(ctx)
	if err != nil {
		return liquidity.Quote{}, fmt.Errorf("resolve wallet address: %w", err)
	}

	fromAmount, err := decimals.Denormalize(amount, tokenIn.NativeDecimals())
	if err != nil {
		return liquidity.Quote{}, err
	}

	req := QuoteRequest{
		FromChain:   tokenIn.ChainID,
		ToChain:     tokenOut.ChainID,
		FromToken:   tokenIn.Config.Address,
		ToToken:     tokenOut.Config.Address,
		FromAmount:  fromAmount,
		FromAddress: address,
		ToAddress:   address,
	}
	if tokenIn.ChainID == tokenOut.ChainID {
		req.Slippage = p.cfg.SwapSlippage
	}

	resp, err := p.quoter.Quote(ctx, req)
	if err != nil {
		return liquidity.Quote{}, fmt.Errorf("lifi quote: %w", err)
	}

	lc, err := toContext(resp)
	if err != nil {
		return liquidity.Quote{}, err
	}

	in, err := parseAmount(lc.FromAmount, tokenIn.NativeDecimals())
	if err != nil {
		return liquidity.Quote{}, fmt.Errorf("parse fromAmount: %w", err)
	}
	out, err := parseAmount(lc.ToAmount, tokenOut.NativeDecimals())
	if err != nil {
		return liquidity.Quote{}, fmt.Errorf("parse toAmount: %w", err)
	}
	outMin, err := parseAmount(lc.ToAmountMin, tokenOut.NativeDecimals())
	if err != nil {
		return liquidity.Quote{}, fmt.Errorf("parse toAmountMin: %w", err)
	}

	quote := liquidity.Quote{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  in,
		AmountOut: out,
		Slippage:  slippage(in, outMin),
		Strategy:  liquidity.StrategyLiFi,
		Context:   lc,
	}

	p.logger.Debug().
		Str("id", id).
		Str("tool", lc.Tool).
		Str("amount_in", in.String()).
		Str("amount_out", out.String()).
		Float64("slippage", quote.Slippage).
		Msg("lifi quote")
	return quote, nil
}

// Fallback routes through each configured core token in turn and returns the first two-leg route found.
// The second leg is priced with the first leg's guaranteed minimum output.
func (p *Provider) Fallback(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error) {
	p.logger.Debug().
		Str("id", id).
		Str("from_token", tokenIn.Config.Address.Hex()).
		Uint64("from_chain", tokenIn.ChainID).
		Str("to_token", tokenOut.Config.Address.Hex()).
		Uint64("to_chain", tokenOut.ChainID).
		Msg("using fallback route with core tokens")

	address, err := p.signer.GetAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet address: %w", err)
	}

	for _, core := range p.cfg.CoreTokens {
		log := p.logger.With().Str("core_token", core.Address.Hex()).Uint64("core_chain", core.ChainID).Logger()
		if !p.supports(core.ChainID) {
			log.Debug().Msg("skipping core token on unsupported chain")
			continue
		}

		coreToken, err := p.coreTokenData(ctx, address, core)
		if err != nil {
			log.Debug().Err(err).Msg("failed to load core token")
			continue
		}

		first, err := p.Quote(ctx, tokenIn, coreToken, amount, id)
		if err != nil {
			log.Debug().Err(err).Msg("failed to route through core token")
			continue
		}
		lc := first.Context.(liquidity.LiFiContext)
		coreAmount, err := parseAmount(lc.ToAmountMin, coreToken.NativeDecimals())
		if err != nil {
			log.Debug().Err(err).Msg("failed to parse core token amount")
			continue
		}
		second, err := p.Quote(ctx, coreToken, tokenOut, coreAmount, id)
		if err != nil {
			log.Debug().Err(err).Msg("failed to route through core token")
			continue
		}
		return []liquidity.Quote{first, second}, nil
	}

	return nil, ErrRouteNotFound
}

// Execute refreshes the route's transaction request and sends approve plus the swap in one batch.
func (p *Provider) Execute(ctx context.Context, walletAddress common.Address, quote liquidity.Quote) (common.Hash, error) {
	signerAddress, err := p.signer.GetAddress(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("resolve wallet address: %w", err)
	}
	if signerAddress != walletAddress {
		p.logger.Error().
			Str("id", quote.ID).
			Str("wallet", walletAddress.Hex()).
			Str("signer", signerAddress.Hex()).
			Msg(ErrWalletMismatch.Error())
		return common.Hash{}, ErrWalletMismatch
	}

	fromAmount, err := decimals.Denormalize(quote.AmountIn, quote.TokenIn.NativeDecimals())
	if err != nil {
		return common.Hash{}, err
	}

	req := QuoteRequest{
		FromChain:   quote.TokenIn.ChainID,
		ToChain:     quote.TokenOut.ChainID,
		FromToken:   quote.TokenIn.Config.Address,
		ToToken:     quote.TokenOut.Config.Address,
		FromAmount:  fromAmount,
		FromAddress: walletAddress,
		ToAddress:   walletAddress,
	}
	if req.FromChain == req.ToChain {
		req.Slippage = p.cfg.SwapSlippage
	}
	resp, err := p.quoter.Quote(ctx, req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("refresh lifi route: %w", err)
	}
	lc, err := toContext(resp)
	if err != nil {
		return common.Hash{}, err
	}

	calls, err := buildCalls(quote.TokenIn, fromAmount, lc)
	if err != nil {
		return common.Hash{}, err
	}

	client, err := p.signer.GetClient(ctx, quote.TokenIn.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet client for chain %d: %w", quote.TokenIn.ChainID, err)
	}

	log := p.logger.With().Str("id", quote.ID).Str("rebalance_id", quote.RebalanceJobID).Str("tool", lc.Tool).Logger()
	log.Info().Uint64("chain_id", quote.TokenIn.ChainID).Int("calls", len(calls)).Msg("executing lifi route")

	hash, err := client.Execute(ctx, calls)
	if err != nil {
		return common.Hash{}, fmt.Errorf("execute lifi route: %w", err)
	}
	receipt, err := client.WaitForReceipt(ctx, hash)
	if err != nil {
		return hash, fmt.Errorf("wait for lifi route %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("lifi route %s reverted", hash.Hex())
	}

	log.Info().Str("tx_hash", hash.Hex()).Msg("lifi route executed")
	return hash, nil
}

func (p *Provider) supports(chainID uint64) bool {
	if len(p.cfg.Chains) == 0 {
		return true
	}
	for _, c := range p.cfg.Chains {
		if c == chainID {
			return true
		}
	}
	return false
}

func (p *Provider) coreTokenData(ctx context.Context, address common.Address, cfg liquidity.TokenConfig) (liquidity.TokenDataAnalyzed, error) {
	if cfg.Type == "" {
		cfg.Type = liquidity.TokenTypeERC20
	}
	bal, err := p.balances.TokenBalance(ctx, address, cfg)
	if err != nil {
		return liquidity.TokenDataAnalyzed{}, err
	}
	return liquidity.TokenDataAnalyzed{
		TokenData: liquidity.TokenData{ChainID: cfg.ChainID, Config: cfg, Balance: bal},
	}, nil
}

func buildCalls(tokenIn liquidity.TokenDataAnalyzed, fromAmount *big.Int, lc liquidity.LiFiContext) ([]wallet.Call, error) {
	var calls []wallet.Call

	if tokenIn.Config.Type != liquidity.TokenTypeNative && lc.ApprovalAddress != (common.Address{}) {
		data, err := contracts.Approve(lc.ApprovalAddress, fromAmount)
		if err != nil {
			return nil, fmt.Errorf("encode approve: %w", err)
		}
		calls = append(calls, wallet.Call{To: tokenIn.Config.Address, Data: data})
	}

	data, err := hexutil.Decode(lc.Transaction.Data)
	if err != nil {
		return nil, fmt.Errorf("decode transaction data: %w", err)
	}
	value, err := parseValue(lc.Transaction.Value)
	if err != nil {
		return nil, fmt.Errorf("decode transaction value: %w", err)
	}
	calls = append(calls, wallet.Call{To: lc.Transaction.To, Data: data, Value: value})
	return calls, nil
}

func toContext(resp QuoteResponse) (liquidity.LiFiContext, error) {
	if resp.TransactionRequest.To == "" || !common.IsHexAddress(resp.TransactionRequest.To) {
		return liquidity.LiFiContext{}, errors.New("lifi quote has no transaction request")
	}
	lc := liquidity.LiFiContext{
		Tool:        resp.Tool,
		FromAmount:  resp.Estimate.FromAmount,
		ToAmount:    resp.Estimate.ToAmount,
		ToAmountMin: resp.Estimate.ToAmountMin,
		Transaction: liquidity.LiFiTransaction{
			ChainID:  resp.TransactionRequest.ChainID,
			To:       common.HexToAddress(resp.TransactionRequest.To),
			Data:     resp.TransactionRequest.Data,
			Value:    resp.TransactionRequest.Value,
			GasLimit: resp.TransactionRequest.GasLimit,
		},
	}
	if common.IsHexAddress(resp.Estimate.ApprovalAddress) {
		lc.ApprovalAddress = common.HexToAddress(resp.Estimate.ApprovalAddress)
	}
	return lc, nil
}

// parseAmount reads a native unit integer and normalizes it.
func parseAmount(s string, from uint8) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return decimals.Normalize(v, from)
}

func parseValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if strings.TrimLeft(s[2:], "0") == "" {
			return new(big.Int), nil
		}
		return hexutil.DecodeBig("0x" + strings.TrimLeft(s[2:], "0"))
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// slippage is 1 - minOut/in with both sides in base precision, floored at zero.
func slippage(in, minOut *big.Int) float64 {
	if in == nil || in.Sign() == 0 {
		return 0
	}
	ratio := decimal.NewFromBigInt(minOut, 0).DivRound(decimal.NewFromBigInt(in, 0), 18)
	s, _ := decimal.NewFromInt(1).Sub(ratio).Float64()
	if s < 0 {
		return 0
	}
	return s
}

var _ liquidity.Provider = (*Provider)(nil)
