package jobs

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
)

// AttestationResult is what a check job reports.
type AttestationResult struct {
	Status liquidity.AttestationStatus `json:"status"`
}

// AttestationManager polls the attestor network and hands complete messages to the mint job.
type AttestationManager struct {
	base
}

func NewAttestationManager(d Deps) *AttestationManager {
	return &AttestationManager{base: newBase(d, jobdata.CheckCCTPAttestationJob)}
}

func (m *AttestationManager) Name() string { return jobdata.CheckCCTPAttestationJob }

func (m *AttestationManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data jobdata.CheckCCTPAttestation
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	log := m.jobLogger(job).With().
		Str("rebalance_id", data.RebalanceJobID).
		Str("message_hash", data.MessageHash.Hex()).
		Uint64("chain_id", data.DestinationChainID).
		Logger()

	att, err := m.deps.Attestations.FetchAttestation(ctx, data.MessageHash, data.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch attestation %s: %w", data.MessageHash.Hex(), err)
	}

	if att.Status != liquidity.AttestationComplete {
		log.Debug().Dur("delay", jobdata.AttestationRecheckDelay).Msg("attestation pending, rescheduling check")
		if _, err := m.deps.Enqueuer.StartCCTPAttestationCheck(ctx, data, jobdata.AttestationRecheckDelay); err != nil {
			return nil, err
		}
		return AttestationResult{Status: liquidity.AttestationPending}, nil
	}

	mint := jobdata.ExecuteCCTPMint{
		GroupID:            data.GroupID,
		RebalanceJobID:     data.RebalanceJobID,
		Wallet:             data.Wallet,
		DestinationChainID: data.DestinationChainID,
		MessageHash:        data.MessageHash,
		MessageBody:        data.MessageBody,
		Attestation:        att.Attestation,
		CCTPLiFiContext:    data.CCTPLiFiContext,
		ID:                 data.ID,
	}
	if _, err := m.deps.Enqueuer.StartCCTPMint(ctx, mint); err != nil {
		return nil, err
	}
	log.Info().Msg("attestation complete, mint scheduled")
	return AttestationResult{Status: liquidity.AttestationComplete}, nil
}

func (m *AttestationManager) OnComplete(ctx context.Context, job *queue.Job, result any) {}

func (m *AttestationManager) OnFailed(ctx context.Context, job *queue.Job, err error) {
	if !job.Exhausted() {
		return
	}
	var data jobdata.CheckCCTPAttestation
	if derr := job.Decode(&data); derr != nil {
		m.jobLogger(job).Error().Err(derr).Msg("failed to decode exhausted job")
		return
	}
	m.terminal(ctx, job, err, data.RebalanceJobID, data.GroupID, strategyOf(data.CCTPLiFiContext), data.Wallet)
}

// MintResult is what a mint job reports.
type MintResult struct {
	TxHash common.Hash `json:"txHash"`
}

// MintManager submits receiveMessage once per message. A recorded TxHash is only waited on.
type MintManager struct {
	base
}

func NewMintManager(d Deps) *MintManager {
	return &MintManager{base: newBase(d, jobdata.ExecuteCCTPMintJob)}
}

func (m *MintManager) Name() string { return jobdata.ExecuteCCTPMintJob }

func (m *MintManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data jobdata.ExecuteCCTPMint
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	log := m.jobLogger(job).With().
		Str("rebalance_id", data.RebalanceJobID).
		Str("message_hash", data.MessageHash.Hex()).
		Uint64("chain_id", data.DestinationChainID).
		Logger()

	receiver, err := m.deps.Resolver.Receiver(data.Wallet)
	if err != nil {
		return nil, fmt.Errorf("resolve message receiver for %s: %w", data.Wallet.Hex(), err)
	}

	var hash common.Hash
	if data.TxHash != nil {
		hash = *data.TxHash
		log.Info().Str("tx_hash", hash.Hex()).Msg("mint already submitted, waiting for receipt")
	} else {
		hash, err = receiver.ReceiveMessage(ctx, data.DestinationChainID, data.MessageBody, data.Attestation, data.ID)
		if err != nil {
			return nil, liquidity.ExecutionFailed(liquidity.StrategyCCTP, err)
		}
		data.TxHash = &hash
		if err := m.deps.Queue.UpdateData(ctx, job, data); err != nil {
			log.Error().Err(err).Str("tx_hash", hash.Hex()).Msg("failed to record mint transaction")
		}
		log.Info().Str("tx_hash", hash.Hex()).Msg("mint submitted")
	}

	receipt, err := receiver.GetTxReceipt(ctx, data.DestinationChainID, hash)
	if err != nil {
		return nil, fmt.Errorf("mint receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("mint transaction %s reverted", hash.Hex())
	}
	return MintResult{TxHash: hash}, nil
}

// OnComplete finishes plain CCTP rebalances and hands composite ones to the destination swap.
func (m *MintManager) OnComplete(ctx context.Context, job *queue.Job, result any) {
	var data jobdata.ExecuteCCTPMint
	if err := job.Decode(&data); err != nil {
		m.jobLogger(job).Error().Err(err).Msg("failed to decode completed mint")
		return
	}
	log := m.jobLogger(job).With().Str("rebalance_id", data.RebalanceJobID).Logger()

	if data.CCTPLiFiContext == nil {
		m.setStatus(ctx, data.RebalanceJobID, liquidity.StrategyCCTP, storage.StatusCompleted)
		log.Info().Msg("cctp rebalance completed")
		return
	}

	swap := jobdata.CCTPLiFiDestinationSwap{
		GroupID:              data.GroupID,
		RebalanceJobID:       data.RebalanceJobID,
		WalletAddress:        data.CCTPLiFiContext.WalletAddress,
		DestinationSwapQuote: data.CCTPLiFiContext.DestinationSwapQuote,
		OriginalTokenOut:     data.CCTPLiFiContext.OriginalTokenOut,
		MessageHash:          data.MessageHash,
		ID:                   data.ID,
	}
	if _, err := m.deps.Enqueuer.StartDestinationSwap(ctx, swap); err != nil {
		m.terminal(ctx, job, err, data.RebalanceJobID, data.GroupID, liquidity.StrategyCCTPLiFi, swap.WalletAddress)
		return
	}
	log.Info().Str("token_out", swap.OriginalTokenOut.Address.Hex()).Msg("destination swap scheduled")
}

func (m *MintManager) OnFailed(ctx context.Context, job *queue.Job, err error) {
	if !job.Exhausted() {
		return
	}
	var data jobdata.ExecuteCCTPMint
	if derr := job.Decode(&data); derr != nil {
		m.jobLogger(job).Error().Err(derr).Msg("failed to decode exhausted job")
		return
	}
	m.terminal(ctx, job, err, data.RebalanceJobID, data.GroupID, strategyOf(data.CCTPLiFiContext), data.Wallet)
}

func strategyOf(c *jobdata.CCTPLiFiContext) liquidity.Strategy {
	if c != nil {
		return liquidity.StrategyCCTPLiFi
	}
	return liquidity.StrategyCCTP
}
