// Package usdt0 moves USDT0 between chains through its LayerZero OFT contracts.
package usdt0

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/wallet"
)

var (
	ErrUnsupportedChainPair = errors.New("USDT0 unsupported chain pair")
	ErrUnsupportedToken     = errors.New("USDT0 unsupported token")
	ErrUnexpectedWallet     = errors.New("Unexpected wallet during USDT0 execution")
)

// ChainType distinguishes native OFT deployments from adapters that lock an underlying token.
type ChainType string

const (
	ChainTypeNative  ChainType = "native"
	ChainTypeAdapter ChainType = "adapter"
)

// Chain is the USDT0 deployment on one chain.
type Chain struct {
	ChainID         uint64
	EID             uint32
	Type            ChainType
	Contract        common.Address
	Token           common.Address
	UnderlyingToken common.Address
}

// ExpectedToken is the token the wallet actually holds on this chain.
func (c Chain) ExpectedToken() common.Address {
	if c.Type == ChainTypeAdapter {
		return c.UnderlyingToken
	}
	return c.Token
}

// Provider quotes and sends OFT transfers for one wallet.
type Provider struct {
	chains map[uint64]Chain
	signer wallet.Provider
	logger zerolog.Logger
}

// New builds the provider.
func New(chains []Chain, signer wallet.Provider, logger zerolog.Logger) *Provider {
	m := make(map[uint64]Chain, len(chains))
	for _, c := range chains {
		m[c.ChainID] = c
	}
	return &Provider{
		chains: m,
		signer: signer,
		logger: logger.With().Str("component", "usdt0_provider").Logger(),
	}
}

func (p *Provider) Strategy() liquidity.Strategy { return liquidity.StrategyUSDT0 }

// GetQuote prices a 1:1 OFT transfer with zero slippage.
func (p *Provider) GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error) {
	src, okSrc := p.chains[tokenIn.ChainID]
	dst, okDst := p.chains[tokenOut.ChainID]
	if !okSrc || !okDst || tokenIn.ChainID == tokenOut.ChainID {
		p.logger.Debug().Str("id", id).Uint64("source_chain", tokenIn.ChainID).Uint64("destination_chain", tokenOut.ChainID).Msg("unsupported chain pair")
		return nil, ErrUnsupportedChainPair
	}
	if tokenIn.Config.Address != src.ExpectedToken() || tokenOut.Config.Address != dst.ExpectedToken() {
		p.logger.Debug().
			Str("id", id).
			Str("src_expected", src.ExpectedToken().Hex()).
			Str("dst_expected", dst.ExpectedToken().Hex()).
			Str("token_in", tokenIn.Config.Address.Hex()).
			Str("token_out", tokenOut.Config.Address.Hex()).
			Msg("unsupported token")
		return nil, ErrUnsupportedToken
	}

	to, err := p.signer.GetAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet address: %w", err)
	}

	return []liquidity.Quote{{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amount),
		AmountOut: new(big.Int).Set(amount),
		Slippage:  0,
		Strategy:  liquidity.StrategyUSDT0,
		Context: liquidity.USDT0Context{
			SourceEID:      src.EID,
			DestinationEID: dst.EID,
			OFT:            src.Contract,
			To:             to,
		},
	}}, nil
}

// Execute approves the adapter when needed, prices the LayerZero fee and sends.
func (p *Provider) Execute(ctx context.Context, walletAddress common.Address, quote liquidity.Quote) (common.Hash, error) {
	log := p.logger.With().
		Str("id", quote.ID).
		Str("group_id", quote.GroupID).
		Str("rebalance_id", quote.RebalanceJobID).
		Uint64("source_chain", quote.TokenIn.ChainID).
		Uint64("destination_chain", quote.TokenOut.ChainID).
		Logger()

	signerAddress, err := p.signer.GetAddress(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("resolve wallet address: %w", err)
	}
	if signerAddress != walletAddress {
		return common.Hash{}, ErrUnexpectedWallet
	}

	src, ok := p.chains[quote.TokenIn.ChainID]
	if !ok {
		return common.Hash{}, ErrUnsupportedChainPair
	}
	uc, ok := quote.Context.(liquidity.USDT0Context)
	if !ok {
		dst, found := p.chains[quote.TokenOut.ChainID]
		if !found {
			return common.Hash{}, ErrUnsupportedChainPair
		}
		uc = liquidity.USDT0Context{SourceEID: src.EID, DestinationEID: dst.EID, OFT: src.Contract, To: walletAddress}
	}

	amountLD, err := decimals.Denormalize(quote.AmountIn, quote.TokenIn.NativeDecimals())
	if err != nil {
		return common.Hash{}, err
	}
	minAmountLD, err := decimals.Denormalize(quote.AmountOut, quote.TokenOut.NativeDecimals())
	if err != nil {
		return common.Hash{}, err
	}

	param := contracts.SendParam{
		DstEid:       uc.DestinationEID,
		To:           contracts.PadAddress(walletAddress),
		AmountLD:     amountLD,
		MinAmountLD:  minAmountLD,
		ExtraOptions: []byte{},
		ComposeMsg:   []byte{},
		OftCmd:       []byte{},
	}
	log.Debug().
		Str("src_type", string(src.Type)).
		Uint32("dst_eid", param.DstEid).
		Str("amount_ld", amountLD.String()).
		Str("min_amount_ld", minAmountLD.String()).
		Msg("prepared send param")

	client, err := p.signer.GetClient(ctx, quote.TokenIn.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet client for chain %d: %w", quote.TokenIn.ChainID, err)
	}

	var calls []wallet.Call
	if src.Type == ChainTypeAdapter && src.UnderlyingToken != (common.Address{}) {
		approve, err := contracts.Approve(src.Contract, amountLD)
		if err != nil {
			return common.Hash{}, fmt.Errorf("encode approve: %w", err)
		}
		calls = append(calls, wallet.Call{To: src.UnderlyingToken, Data: approve})
	}

	if received, err := quoteOFT(ctx, client, src.Contract, param); err != nil {
		log.Warn().Err(err).Msg("quoteOFT failed, continuing with quoted minimum")
	} else if received != nil {
		param.MinAmountLD = received
	}

	fee, err := quoteSend(ctx, client, src.Contract, param)
	if err != nil {
		return common.Hash{}, err
	}

	send, err := contracts.OFT.Pack("send", param, fee, walletAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode send: %w", err)
	}
	calls = append(calls, wallet.Call{To: src.Contract, Data: send, Value: fee.NativeFee})

	hash, err := client.Execute(ctx, calls)
	if err != nil {
		log.Error().Err(err).Msg("usdt0 send failed")
		return common.Hash{}, fmt.Errorf("execute usdt0 send: %w", err)
	}
	receipt, err := client.WaitForReceipt(ctx, hash)
	if err != nil {
		return hash, fmt.Errorf("wait for usdt0 send %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("usdt0 send %s reverted", hash.Hex())
	}

	log.Info().Str("tx_hash", hash.Hex()).Str("native_fee", fee.NativeFee.String()).Msg("usdt0 send broadcast")
	return hash, nil
}

func quoteOFT(ctx context.Context, client wallet.Client, oft common.Address, param contracts.SendParam) (*big.Int, error) {
	unbounded := param
	unbounded.MinAmountLD = new(big.Int)
	data, err := contracts.OFT.Pack("quoteOFT", unbounded)
	if err != nil {
		return nil, fmt.Errorf("encode quoteOFT: %w", err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &oft, Data: data})
	if err != nil {
		return nil, err
	}
	out, err := contracts.OFT.Unpack("quoteOFT", res)
	if err != nil {
		return nil, fmt.Errorf("decode quoteOFT: %w", err)
	}
	if len(out) != 3 {
		return nil, errors.New("unexpected quoteOFT response")
	}
	receipt := *abi.ConvertType(out[2], new(contracts.OFTReceipt)).(*contracts.OFTReceipt)
	return receipt.AmountReceivedLD, nil
}

func quoteSend(ctx context.Context, client wallet.Client, oft common.Address, param contracts.SendParam) (contracts.MessagingFee, error) {
	data, err := contracts.OFT.Pack("quoteSend", param, false)
	if err != nil {
		return contracts.MessagingFee{}, fmt.Errorf("encode quoteSend: %w", err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &oft, Data: data})
	if err != nil {
		return contracts.MessagingFee{}, fmt.Errorf("quoteSend: %w", err)
	}
	out, err := contracts.OFT.Unpack("quoteSend", res)
	if err != nil {
		return contracts.MessagingFee{}, fmt.Errorf("decode quoteSend: %w", err)
	}
	if len(out) != 1 {
		return contracts.MessagingFee{}, errors.New("unexpected quoteSend response")
	}
	fee := *abi.ConvertType(out[0], new(contracts.MessagingFee)).(*contracts.MessagingFee)
	if fee.NativeFee == nil {
		fee.NativeFee = new(big.Int)
	}
	if fee.LzTokenFee == nil {
		fee.LzTokenFee = new(big.Int)
	}
	return fee, nil
}

var _ liquidity.Provider = (*Provider)(nil)
