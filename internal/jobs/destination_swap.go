package jobs

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"liquidity-rebalancer/internal/alerting"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
)

// DestinationSwapResult is what a destination swap job reports.
type DestinationSwapResult struct {
	TxHash common.Hash `json:"txHash"`
}

// DestinationSwapManager swaps minted USDC into the token the composite route targeted.
// Until it succeeds the wallet holds USDC on the destination chain.
type DestinationSwapManager struct {
	base
}

func NewDestinationSwapManager(d Deps) *DestinationSwapManager {
	return &DestinationSwapManager{base: newBase(d, jobdata.CCTPLiFiDestinationSwapJob)}
}

func (m *DestinationSwapManager) Name() string { return jobdata.CCTPLiFiDestinationSwapJob }

func (m *DestinationSwapManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data jobdata.CCTPLiFiDestinationSwap
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	log := m.jobLogger(job).With().
		Str("rebalance_id", data.RebalanceJobID).
		Str("wallet", data.WalletAddress.Hex()).
		Uint64("chain_id", data.OriginalTokenOut.ChainID).
		Logger()

	quote := data.DestinationSwapQuote
	quote.GroupID, quote.RebalanceJobID = data.GroupID, data.RebalanceJobID

	hash, err := m.execute(ctx, data.WalletAddress, quote)
	if err != nil {
		amount := decimals.ToDecimal(quote.AmountIn).String()
		log.Error().
			Err(err).
			Str("amount", amount).
			Str("message_hash", data.MessageHash.Hex()).
			Str("token_out", data.OriginalTokenOut.Address.Hex()).
			Msg("STRANDED USDC ALERT: destination swap failed, USDC remains on destination chain")
		m.alert(ctx, alerting.Notification{
			Kind:        alerting.KindStrandedFunds,
			Title:       "Stranded USDC after CCTP mint",
			Wallet:      data.WalletAddress.Hex(),
			ChainID:     data.OriginalTokenOut.ChainID,
			Strategy:    string(liquidity.StrategyCCTPLiFi),
			GroupID:     data.GroupID,
			RebalanceID: data.RebalanceJobID,
			Amount:      amount,
			MessageHash: data.MessageHash.Hex(),
			Job:         job.Name,
			Attempts:    job.AttemptsMade + 1,
			MaxAttempts: job.MaxAttempts(),
			Error:       err.Error(),
		})
		return nil, err
	}

	log.Info().Str("tx_hash", hash.Hex()).Str("token_out", data.OriginalTokenOut.Address.Hex()).Msg("destination swap executed")
	return DestinationSwapResult{TxHash: hash}, nil
}

func (m *DestinationSwapManager) execute(ctx context.Context, wallet common.Address, quote liquidity.Quote) (common.Hash, error) {
	executor, err := m.deps.Resolver.Executor(wallet)
	if err != nil {
		return common.Hash{}, fmt.Errorf("resolve executor for %s: %w", wallet.Hex(), err)
	}
	return executor.Execute(ctx, wallet, quote)
}

func (m *DestinationSwapManager) OnComplete(ctx context.Context, job *queue.Job, result any) {
	var data jobdata.CCTPLiFiDestinationSwap
	if err := job.Decode(&data); err != nil {
		m.jobLogger(job).Error().Err(err).Msg("failed to decode completed destination swap")
		return
	}
	m.setStatus(ctx, data.RebalanceJobID, liquidity.StrategyCCTPLiFi, storage.StatusCompleted)
	m.jobLogger(job).Info().Str("rebalance_id", data.RebalanceJobID).Msg("cctp-lifi rebalance completed")
}

func (m *DestinationSwapManager) OnFailed(ctx context.Context, job *queue.Job, err error) {
	if !job.Exhausted() {
		return
	}
	var data jobdata.CCTPLiFiDestinationSwap
	if derr := job.Decode(&data); derr != nil {
		m.jobLogger(job).Error().Err(derr).Msg("failed to decode exhausted job")
		return
	}
	m.jobLogger(job).Error().
		Err(err).
		Str("rebalance_id", data.RebalanceJobID).
		Str("wallet", data.WalletAddress.Hex()).
		Uint64("chain_id", data.OriginalTokenOut.ChainID).
		Str("amount", decimals.ToDecimal(data.DestinationSwapQuote.AmountIn).String()).
		Msg("FINAL FAILURE: destination swap exhausted retries, USDC stranded")
	m.terminal(ctx, job, err, data.RebalanceJobID, data.GroupID, liquidity.StrategyCCTPLiFi, data.WalletAddress)
}
