package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
)

// ErrInsufficientBalance fails an attempt whose tokenIn balance no longer covers the quote.
var ErrInsufficientBalance = errors.New("insufficient balance for rebalance")

// ExecuteRebalanceManager executes the legs of one batch in order.
// Finished legs are written back to the job so a retry resumes with the next one.
type ExecuteRebalanceManager struct {
	base
}

func NewExecuteRebalanceManager(d Deps) *ExecuteRebalanceManager {
	return &ExecuteRebalanceManager{base: newBase(d, jobdata.ExecuteRebalanceJob)}
}

func (m *ExecuteRebalanceManager) Name() string { return jobdata.ExecuteRebalanceJob }

// ExecuteRebalanceResult lists the transaction of every executed leg.
type ExecuteRebalanceResult struct {
	TxHashes []common.Hash `json:"txHashes"`
}

func (m *ExecuteRebalanceManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data jobdata.ExecuteRebalance
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	log := m.jobLogger(job).With().Str("group_id", data.GroupID).Str("wallet", data.Wallet.Hex()).Logger()

	executor, err := m.deps.Resolver.Executor(data.Wallet)
	if err != nil {
		return nil, fmt.Errorf("resolve executor for %s: %w", data.Wallet.Hex(), err)
	}

	var result ExecuteRebalanceResult
	for i, quote := range data.Quotes {
		if data.Done(quote.RebalanceJobID) {
			log.Debug().Str("rebalance_id", quote.RebalanceJobID).Msg("leg already executed, skipping")
			continue
		}
		legLog := log.With().Str("rebalance_id", quote.RebalanceJobID).Str("strategy", string(quote.Strategy)).Logger()

		if err := m.checkBalance(ctx, data.Wallet, quote); err != nil {
			legLog.Warn().Err(err).Msg("pre-execution balance check failed")
			return nil, err
		}

		legLog.Info().
			Uint64("source_chain", quote.TokenIn.ChainID).
			Uint64("destination_chain", quote.TokenOut.ChainID).
			Str("amount_in", quote.AmountIn.String()).
			Msg("executing rebalance")
		hash, err := executor.Execute(ctx, data.Wallet, quote)
		if err != nil {
			legLog.Error().Err(err).Msg("rebalance execution failed")
			return nil, err
		}
		result.TxHashes = append(result.TxHashes, hash)

		var remaining *jobdata.ExecuteRebalance
		if quote.TracksDelivery() {
			remaining = m.pending(data, i+1)
			m.trackDelivery(ctx, data, quote, hash, remaining)
		} else if !quote.Async() {
			m.setStatus(ctx, quote.RebalanceJobID, quote.Strategy, storage.StatusCompleted)
		}
		data.Completed = append(data.Completed, quote.RebalanceJobID)
		if remaining != nil {
			data.Completed = append(data.Completed, remaining.LegIDs()...)
		}
		if err := m.deps.Queue.UpdateData(ctx, job, data); err != nil {
			legLog.Error().Err(err).Msg("failed to record executed leg")
		}
		legLog.Info().Str("tx_hash", hash.Hex()).Bool("async", quote.Async()).Msg("rebalance executed")
		if remaining != nil {
			legLog.Info().Int("legs", len(remaining.Quotes)).Msg("remaining legs wait for bridge delivery")
			break
		}
	}
	return result, nil
}

// pending is the part of the batch from index from onwards, or nil when nothing is left.
func (m *ExecuteRebalanceManager) pending(data jobdata.ExecuteRebalance, from int) *jobdata.ExecuteRebalance {
	var quotes []liquidity.Quote
	for _, q := range data.Quotes[from:] {
		if !data.Done(q.RebalanceJobID) {
			quotes = append(quotes, q)
		}
	}
	if len(quotes) == 0 {
		return nil
	}
	return &jobdata.ExecuteRebalance{GroupID: data.GroupID, Wallet: data.Wallet, Quotes: quotes}
}

// trackDelivery schedules the destination poll of a bridge leg. The leg stays PENDING until it reports.
func (m *ExecuteRebalanceManager) trackDelivery(ctx context.Context, data jobdata.ExecuteRebalance, quote liquidity.Quote, hash common.Hash, remaining *jobdata.ExecuteRebalance) {
	check := jobdata.CheckDelivery{
		GroupID:            data.GroupID,
		RebalanceJobID:     quote.RebalanceJobID,
		Wallet:             data.Wallet,
		Strategy:           quote.Strategy,
		SourceChainID:      quote.TokenIn.ChainID,
		DestinationChainID: quote.TokenOut.ChainID,
		TxHash:             hash,
		Remaining:          remaining,
		ID:                 quote.ID,
	}
	if _, err := m.deps.Enqueuer.StartDeliveryCheck(ctx, check); err != nil {
		// the transfer is already on chain, so the attempt must not be retried
		m.logger.Error().Err(err).
			Str("rebalance_id", quote.RebalanceJobID).
			Str("tx_hash", hash.Hex()).
			Msg("failed to schedule delivery check, rebalance stays pending")
	}
}

// checkBalance re-reads tokenIn so a surplus spent since the tick does not reach the chain.
func (m *ExecuteRebalanceManager) checkBalance(ctx context.Context, wallet common.Address, quote liquidity.Quote) error {
	if m.deps.Balances == nil || quote.AmountIn == nil {
		return nil
	}
	bal, err := m.deps.Balances.TokenBalance(ctx, wallet, quote.TokenIn.Config)
	if err != nil {
		return fmt.Errorf("read balance of %s on chain %d: %w", quote.TokenIn.Config.Address.Hex(), quote.TokenIn.ChainID, err)
	}
	current := bal.Balance
	if bal.Decimals.Current != decimals.Base {
		current, err = decimals.Normalize(bal.Balance, bal.Decimals.Current)
		if err != nil {
			return err
		}
	}
	if current == nil || current.Cmp(quote.AmountIn) < 0 {
		return fmt.Errorf("%w: token %s on chain %d has %s, needs %s", ErrInsufficientBalance,
			quote.TokenIn.Config.Address.Hex(), quote.TokenIn.ChainID, decimals.ToDecimal(current).String(), decimals.ToDecimal(quote.AmountIn).String())
	}
	return nil
}

func (m *ExecuteRebalanceManager) OnComplete(ctx context.Context, job *queue.Job, result any) {
	m.jobLogger(job).Info().Msg("rebalance batch executed")
}

func (m *ExecuteRebalanceManager) OnFailed(ctx context.Context, job *queue.Job, err error) {
	if !job.Exhausted() {
		return
	}
	var data jobdata.ExecuteRebalance
	if derr := job.Decode(&data); derr != nil {
		m.jobLogger(job).Error().Err(derr).Msg("failed to decode exhausted job")
		return
	}
	for _, quote := range data.Quotes {
		if data.Done(quote.RebalanceJobID) {
			continue
		}
		m.terminal(ctx, job, err, quote.RebalanceJobID, data.GroupID, quote.Strategy, data.Wallet)
	}
}
