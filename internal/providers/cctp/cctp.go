// Package cctp implements the native USDC burn-and-mint bridge.
package cctp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/wallet"
)

var (
	ErrUnsupportedRoute = errors.New("Unsupported route")
	ErrUnexpectedWallet = errors.New("Unexpected wallet during CCTP execution")
	ErrMessageNotFound  = errors.New("MessageSent event not found in burn receipt")
)

// Chain is the CCTP deployment on one chain.
type Chain struct {
	ChainID            uint64
	Domain             uint32
	Token              common.Address
	TokenMessenger     common.Address
	MessageTransmitter common.Address
}

// Scheduler enqueues the attestation poll that follows a burn.
type Scheduler interface {
	StartCCTPAttestationCheck(ctx context.Context, data jobdata.CheckCCTPAttestation, delay time.Duration) (*queue.Job, error)
}

// Transfer is what a burn leaves behind for the mint side.
type Transfer struct {
	TxHash      common.Hash
	MessageHash common.Hash
	MessageBody []byte
}

// Provider burns USDC on the source chain and mints it on the destination chain.
type Provider struct {
	chains    map[uint64]Chain
	signer    wallet.Provider
	scheduler Scheduler
	logger    zerolog.Logger
}

// New builds the provider.
func New(chains []Chain, signer wallet.Provider, scheduler Scheduler, logger zerolog.Logger) *Provider {
	m := make(map[uint64]Chain, len(chains))
	for _, c := range chains {
		m[c.ChainID] = c
	}
	return &Provider{
		chains:    m,
		signer:    signer,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "cctp_provider").Logger(),
	}
}

func (p *Provider) Strategy() liquidity.Strategy { return liquidity.StrategyCCTP }

// IsSupportedToken reports whether token is the CCTP USDC of chainID.
func (p *Provider) IsSupportedToken(chainID uint64, token common.Address) bool {
	c, ok := p.chains[chainID]
	return ok && c.Token == token
}

// USDC returns the CCTP token configured for chainID.
func (p *Provider) USDC(chainID uint64) (common.Address, bool) {
	c, ok := p.chains[chainID]
	return c.Token, ok
}

// GetQuote prices a 1:1 transfer with zero slippage.
func (p *Provider) GetQuote(ctx context.Context, tokenIn, tokenOut liquidity.TokenDataAnalyzed, amount *big.Int, id string) ([]liquidity.Quote, error) {
	inOK := p.IsSupportedToken(tokenIn.ChainID, tokenIn.Config.Address)
	outOK := p.IsSupportedToken(tokenOut.ChainID, tokenOut.Config.Address)
	p.logger.Debug().
		Str("id", id).
		Uint64("source_chain", tokenIn.ChainID).
		Bool("source_supported", inOK).
		Uint64("destination_chain", tokenOut.ChainID).
		Bool("destination_supported", outOK).
		Msg("cctp domain validation")
	if !inOK || !outOK || tokenIn.ChainID == tokenOut.ChainID {
		return nil, ErrUnsupportedRoute
	}

	return []liquidity.Quote{{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amount),
		AmountOut: new(big.Int).Set(amount),
		Slippage:  0,
		Strategy:  liquidity.StrategyCCTP,
		Context:   liquidity.CCTPContext{},
	}}, nil
}

// Execute burns on the source chain and schedules the attestation poll.
func (p *Provider) Execute(ctx context.Context, walletAddress common.Address, quote liquidity.Quote) (common.Hash, error) {
	transfer, err := p.ExecuteWithMetadata(ctx, walletAddress, quote)
	if err != nil {
		return common.Hash{}, err
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
	if _, err := p.scheduler.StartCCTPAttestationCheck(ctx, check, 0); err != nil {
		return transfer.TxHash, fmt.Errorf("schedule attestation check for %s: %w", transfer.MessageHash.Hex(), err)
	}
	return transfer.TxHash, nil
}

// ExecuteWithMetadata burns on the source chain and returns the message without scheduling anything.
func (p *Provider) ExecuteWithMetadata(ctx context.Context, walletAddress common.Address, quote liquidity.Quote) (Transfer, error) {
	log := p.logger.With().
		Str("id", quote.ID).
		Str("rebalance_id", quote.RebalanceJobID).
		Str("wallet", walletAddress.Hex()).
		Uint64("source_chain", quote.TokenIn.ChainID).
		Uint64("destination_chain", quote.TokenOut.ChainID).
		Logger()

	signerAddress, err := p.signer.GetAddress(ctx)
	if err != nil {
		return Transfer{}, fmt.Errorf("resolve wallet address: %w", err)
	}
	if signerAddress != walletAddress {
		return Transfer{}, ErrUnexpectedWallet
	}

	source, err := p.chainConfig(quote.TokenIn.ChainID)
	if err != nil {
		return Transfer{}, err
	}
	destination, err := p.chainConfig(quote.TokenOut.ChainID)
	if err != nil {
		return Transfer{}, err
	}

	amount, err := decimals.Denormalize(quote.AmountOut, quote.TokenIn.NativeDecimals())
	if err != nil {
		return Transfer{}, err
	}

	approve, err := contracts.Approve(source.TokenMessenger, amount)
	if err != nil {
		return Transfer{}, fmt.Errorf("encode approve: %w", err)
	}
	burn, err := contracts.TokenMessenger.Pack("depositForBurn", amount, destination.Domain, contracts.PadAddress(walletAddress), quote.TokenIn.Config.Address)
	if err != nil {
		return Transfer{}, fmt.Errorf("encode depositForBurn: %w", err)
	}

	client, err := p.signer.GetClient(ctx, quote.TokenIn.ChainID)
	if err != nil {
		return Transfer{}, fmt.Errorf("wallet client for chain %d: %w", quote.TokenIn.ChainID, err)
	}

	log.Info().Str("amount", amount.String()).Uint32("destination_domain", destination.Domain).Msg("burning usdc")
	txHash, err := client.Execute(ctx, []wallet.Call{
		{To: quote.TokenIn.Config.Address, Data: approve},
		{To: source.TokenMessenger, Data: burn},
	})
	if err != nil {
		return Transfer{}, fmt.Errorf("execute depositForBurn: %w", err)
	}

	receipt, err := client.WaitForReceipt(ctx, txHash)
	if err != nil {
		return Transfer{}, fmt.Errorf("wait for burn %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Transfer{}, fmt.Errorf("burn %s reverted", txHash.Hex())
	}

	body, err := MessageBytes(receipt)
	if err != nil {
		return Transfer{}, fmt.Errorf("burn %s: %w", txHash.Hex(), err)
	}
	transfer := Transfer{TxHash: txHash, MessageHash: crypto.Keccak256Hash(body), MessageBody: body}

	log.Info().Str("tx_hash", txHash.Hex()).Str("message_hash", transfer.MessageHash.Hex()).Msg("usdc burned")
	return transfer, nil
}

// ReceiveMessage submits the attested message to the destination transmitter. It does not wait for inclusion.
func (p *Provider) ReceiveMessage(ctx context.Context, chainID uint64, body, attestation []byte, id string) (common.Hash, error) {
	c, err := p.chainConfig(chainID)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := contracts.MessageTransmitter.Pack("receiveMessage", body, attestation)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode receiveMessage: %w", err)
	}

	client, err := p.signer.GetClient(ctx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet client for chain %d: %w", chainID, err)
	}
	hash, err := client.Execute(ctx, []wallet.Call{{To: c.MessageTransmitter, Data: data}})
	if err != nil {
		return common.Hash{}, fmt.Errorf("execute receiveMessage: %w", err)
	}

	p.logger.Info().Str("id", id).Uint64("chain_id", chainID).Str("tx_hash", hash.Hex()).Msg("receiveMessage submitted")
	return hash, nil
}

// GetTxReceipt waits for hash on chainID.
func (p *Provider) GetTxReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	client, err := p.signer.GetClient(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("wallet client for chain %d: %w", chainID, err)
	}
	return client.WaitForReceipt(ctx, hash)
}

func (p *Provider) chainConfig(chainID uint64) (Chain, error) {
	c, ok := p.chains[chainID]
	if !ok {
		return Chain{}, fmt.Errorf("CCTP chain config not found for chain %d", chainID)
	}
	return c, nil
}

// MessageBytes extracts the MessageSent payload from a burn receipt.
func MessageBytes(receipt *types.Receipt) ([]byte, error) {
	event := contracts.MessageTransmitter.Events["MessageSent"]
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		out, err := event.Inputs.Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("decode MessageSent: %w", err)
		}
		if len(out) != 1 {
			return nil, errors.New("unexpected MessageSent payload")
		}
		body, ok := out[0].([]byte)
		if !ok {
			return nil, errors.New("unexpected MessageSent payload")
		}
		return body, nil
	}
	return nil, ErrMessageNotFound
}

var (
	_ liquidity.Provider        = (*Provider)(nil)
	_ liquidity.MessageReceiver = (*Provider)(nil)
)
