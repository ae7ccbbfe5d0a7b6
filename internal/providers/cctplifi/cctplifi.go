// Package cctplifi composes a LiFi swap into USDC, a CCTP burn and a LiFi swap out of USDC
// so that non-USDC balances can ride the native USDC bridge.
package cctplifi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/providers/cctp"
	"liquidity-rebalancer/internal/queue"
)

const usdcDecimals uint8 = 6

var ErrInvalidRoute = errors.New("Invalid CCTPLiFi route")

// Swapper prices and executes the LiFi legs.
type Swapper interface {
	Quote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) (liquidity.Quote, error)
	Execute(ctx context.Context, wallet common.Address, quote liquidity.Quote) (common.Hash, error)
}

// Bridge is the CCTP leg.
type Bridge interface {
	USDC(chainID uint64) (common.Address, bool)
	ExecuteWithMetadata(ctx context.Context, wallet common.Address, quote liquidity.Quote) (cctp.Transfer, error)
}

// Scheduler enqueues the attestation poll that follows the burn.
type Scheduler interface {
	StartCCTPAttestationCheck(ctx context.Context, data jobdata.CheckCCTPAttestation, delay time.Duration) (*queue.Job, error)
}

type Provider struct {
	swapper   Swapper
	bridge    Bridge
	scheduler Scheduler
	logger    zerolog.Logger
}

func New(swapper Swapper, bridge Bridge, scheduler Scheduler, logger zerolog.Logger) *Provider {
	return &Provider{
		swapper:   swapper,
		bridge:    bridge,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "cctp_lifi_provider").Logger(),
	}
}

func (p *Provider) Strategy() liquidity.Strategy { return liquidity.StrategyCCTPLiFi }

// PlanRoute lists the steps needed to move tokenIn to tokenOut through CCTP.
func (p *Provider) PlanRoute(tokenIn, tokenOut liquidity.TokenDataAnalyzed) ([]string, error) {
	usdcIn, okIn := p.bridge.USDC(tokenIn.ChainID)
	usdcOut, okOut := p.bridge.USDC(tokenOut.ChainID)
	switch {
	case tokenIn.ChainID == tokenOut.ChainID:
		return nil, fmt.Errorf("%w: same chain transfer %d", ErrInvalidRoute, tokenIn.ChainID)
	case !okIn:
		return nil, fmt.Errorf("%w: chain %d has no CCTP support", ErrInvalidRoute, tokenIn.ChainID)
	case !okOut:
		return nil, fmt.Errorf("%w: chain %d has no CCTP support", ErrInvalidRoute, tokenOut.ChainID)
	}

	var steps []string
	if tokenIn.Config.Address != usdcIn {
		steps = append(steps, liquidity.StepSourceSwap)
	}
	steps = append(steps, liquidity.StepCCTPBridge)
	if tokenOut.Config.Address != usdcOut {
		steps = append(steps, liquidity.StepDestinationSwap)
	}
	return steps, nil
}

// GetQuote prices the composite route. The bridged amount is the source swap's expected output.
func (p *Provider) GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error) {
	steps, err := p.PlanRoute(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	rc := liquidity.CCTPLiFiContext{Steps: steps}

	bridged := new(big.Int).Set(amount)
	if rc.HasStep(liquidity.StepSourceSwap) {
		q, err := p.swapper.Quote(ctx, tokenIn, p.usdc(tokenIn.ChainID), amount, id)
		if err != nil {
			return nil, fmt.Errorf("Failed to build route context: %w", err)
		}
		rc.SourceSwap = &q
		bridged = new(big.Int).Set(q.AmountOut)
	}
	if rc.HasStep(liquidity.StepDestinationSwap) {
		q, err := p.swapper.Quote(ctx, p.usdc(tokenOut.ChainID), tokenOut, bridged, id)
		if err != nil {
			return nil, fmt.Errorf("Failed to build route context: %w", err)
		}
		rc.DestinationSwap = &q
	}

	var legs []float64
	amountOut := bridged
	if rc.SourceSwap != nil {
		legs = append(legs, rc.SourceSwap.Slippage)
	}
	if rc.DestinationSwap != nil {
		legs = append(legs, rc.DestinationSwap.Slippage)
		amountOut = new(big.Int).Set(rc.DestinationSwap.AmountOut)
	}

	quote := liquidity.Quote{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amount),
		AmountOut: amountOut,
		Slippage:  liquidity.CompoundSlippage(legs...),
		Strategy:  liquidity.StrategyCCTPLiFi,
		Context:   rc,
	}
	p.logger.Debug().
		Str("id", id).
		Strs("steps", steps).
		Uint64("source_chain", tokenIn.ChainID).
		Uint64("destination_chain", tokenOut.ChainID).
		Str("amount_out", amountOut.String()).
		Float64("slippage", quote.Slippage).
		Msg("cctp-lifi quote")
	return []liquidity.Quote{quote}, nil
}

// Execute runs the source swap, burns USDC and schedules the attestation poll.
// The destination swap rides along the attestation job and runs after the mint.
func (p *Provider) Execute(ctx context.Context, walletAddress common.Address, quote liquidity.Quote) (common.Hash, error) {
	rc, ok := quote.Context.(liquidity.CCTPLiFiContext)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: missing route context", ErrInvalidRoute)
	}
	log := p.logger.With().
		Str("id", quote.ID).
		Str("group_id", quote.GroupID).
		Str("rebalance_id", quote.RebalanceJobID).
		Str("wallet", walletAddress.Hex()).
		Strs("steps", rc.Steps).
		Logger()

	bridged := new(big.Int).Set(quote.AmountIn)
	if rc.HasStep(liquidity.StepSourceSwap) && rc.SourceSwap != nil {
		swap := *rc.SourceSwap
		swap.GroupID, swap.RebalanceJobID = quote.GroupID, quote.RebalanceJobID
		hash, err := p.swapper.Execute(ctx, walletAddress, swap)
		if err != nil {
			log.Error().Err(err).Msg("source swap failed")
			return common.Hash{}, fmt.Errorf("Source swap failed: %w", err)
		}
		bridged = new(big.Int).Set(rc.SourceSwap.AmountOut)
		log.Info().Str("tx_hash", hash.Hex()).Msg("source swap completed")
	}

	bridgeQuote := liquidity.Quote{
		ID:             quote.ID,
		TokenIn:        p.usdc(quote.TokenIn.ChainID),
		TokenOut:       p.usdc(quote.TokenOut.ChainID),
		AmountIn:       bridged,
		AmountOut:      new(big.Int).Set(bridged),
		Strategy:       liquidity.StrategyCCTP,
		Context:        liquidity.CCTPContext{},
		GroupID:        quote.GroupID,
		RebalanceJobID: quote.RebalanceJobID,
	}
	transfer, err := p.bridge.ExecuteWithMetadata(ctx, walletAddress, bridgeQuote)
	if err != nil {
		log.Error().Err(err).Msg("cctp bridge failed")
		return common.Hash{}, fmt.Errorf("CCTP bridge failed: %w, id: %s", err, quote.ID)
	}

	check := jobdata.CheckCCTPAttestation{
		GroupID:            quote.GroupID,
		RebalanceJobID:     quote.RebalanceJobID,
		Wallet:             walletAddress,
		DestinationChainID: quote.TokenOut.ChainID,
		MessageHash:        transfer.MessageHash,
		MessageBody:        transfer.MessageBody,
		ID:                 quote.ID,
	}
	if rc.HasStep(liquidity.StepDestinationSwap) && rc.DestinationSwap != nil {
		check.CCTPLiFiContext = &jobdata.CCTPLiFiContext{
			DestinationSwapQuote: *rc.DestinationSwap,
			WalletAddress:        walletAddress,
			OriginalTokenOut: jobdata.OriginalToken{
				Address:  quote.TokenOut.Config.Address,
				ChainID:  quote.TokenOut.ChainID,
				Decimals: quote.TokenOut.NativeDecimals(),
			},
		}
	}
	if _, err := p.scheduler.StartCCTPAttestationCheck(ctx, check, 0); err != nil {
		return transfer.TxHash, fmt.Errorf("schedule attestation check for %s: %w", transfer.MessageHash.Hex(), err)
	}

	log.Info().
		Str("tx_hash", transfer.TxHash.Hex()).
		Str("message_hash", transfer.MessageHash.Hex()).
		Bool("destination_swap", check.CCTPLiFiContext != nil).
		Msg("cctp-lifi bridge initiated")
	return transfer.TxHash, nil
}

// usdc builds token data for the chain's CCTP USDC. Only the address and precision matter for quoting.
func (p *Provider) usdc(chainID uint64) liquidity.TokenDataAnalyzed {
	addr, _ := p.bridge.USDC(chainID)
	return liquidity.TokenDataAnalyzed{TokenData: liquidity.TokenData{
		ChainID: chainID,
		Config:  liquidity.TokenConfig{Address: addr, ChainID: chainID, Type: liquidity.TokenTypeERC20},
		Balance: liquidity.TokenBalance{
			Address:  addr,
			Balance:  new(big.Int),
			Decimals: liquidity.Decimals{Original: usdcDecimals, Current: 18},
		},
	}}
}

var _ liquidity.Provider = (*Provider)(nil)
