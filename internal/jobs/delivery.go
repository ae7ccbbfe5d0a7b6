package jobs

import (
	"context"
	"errors"
	"fmt"

	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
)

// ErrDeliveryPending fails a check attempt whose transfer has not landed yet; the backoff schedules the next poll.
var ErrDeliveryPending = errors.New("bridge delivery pending")

// DeliveryResult is what a delivery check reports.
type DeliveryResult struct {
	Status liquidity.DeliveryStatus `json:"status"`
}

// DeliveryManager confirms that a bridge transfer reached its destination chain before the
// rebalance is COMPLETED and any legs that depend on the funds are released.
type DeliveryManager struct {
	base
}

func NewDeliveryManager(d Deps) *DeliveryManager {
	return &DeliveryManager{base: newBase(d, jobdata.CheckDeliveryJob)}
}

func (m *DeliveryManager) Name() string { return jobdata.CheckDeliveryJob }

func (m *DeliveryManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data jobdata.CheckDelivery
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	log := m.jobLogger(job).With().
		Str("rebalance_id", data.RebalanceJobID).
		Str("strategy", string(data.Strategy)).
		Str("tx_hash", data.TxHash.Hex()).
		Logger()

	tracker, ok := m.deps.Deliveries[data.Strategy]
	if !ok {
		return nil, queue.Unrecoverable(&liquidity.UnsupportedStrategyError{Strategy: data.Strategy})
	}

	status, err := tracker.DeliveryStatus(ctx, data.Delivery())
	if err != nil {
		return nil, fmt.Errorf("delivery status of %s: %w", data.TxHash.Hex(), err)
	}
	switch status {
	case liquidity.DeliveryComplete:
		log.Info().Uint64("destination_chain", data.DestinationChainID).Msg("bridge delivery confirmed")
		return DeliveryResult{Status: status}, nil
	case liquidity.DeliveryFailed:
		return nil, queue.Unrecoverable(fmt.Errorf("%s transfer %s failed on the destination side", data.Strategy, data.TxHash.Hex()))
	default:
		log.Debug().Msg("bridge delivery pending")
		return nil, ErrDeliveryPending
	}
}

// OnComplete finishes the rebalance and releases the legs that waited on the funds.
func (m *DeliveryManager) OnComplete(ctx context.Context, job *queue.Job, result any) {
	var data jobdata.CheckDelivery
	if err := job.Decode(&data); err != nil {
		m.jobLogger(job).Error().Err(err).Msg("failed to decode completed delivery check")
		return
	}
	m.setStatus(ctx, data.RebalanceJobID, data.Strategy, storage.StatusCompleted)
	if data.Remaining == nil || len(data.Remaining.Quotes) == 0 {
		return
	}
	if _, err := m.deps.Enqueuer.StartExecuteRebalance(ctx, *data.Remaining); err != nil {
		m.terminalRemaining(ctx, job, err, data)
		return
	}
	m.jobLogger(job).Info().
		Str("group_id", data.GroupID).
		Int("legs", len(data.Remaining.Quotes)).
		Msg("released legs waiting on delivery")
}

func (m *DeliveryManager) OnFailed(ctx context.Context, job *queue.Job, err error) {
	if !job.Exhausted() {
		return
	}
	var data jobdata.CheckDelivery
	if derr := job.Decode(&data); derr != nil {
		m.jobLogger(job).Error().Err(derr).Msg("failed to decode exhausted job")
		return
	}
	m.terminal(ctx, job, err, data.RebalanceJobID, data.GroupID, data.Strategy, data.Wallet)
	m.terminalRemaining(ctx, job, err, data)
}

// terminalRemaining fails the legs that can no longer run because their funds never arrived.
func (m *DeliveryManager) terminalRemaining(ctx context.Context, job *queue.Job, err error, data jobdata.CheckDelivery) {
	if data.Remaining == nil {
		return
	}
	for _, quote := range data.Remaining.Quotes {
		m.terminal(ctx, job, err, quote.RebalanceJobID, data.GroupID, quote.Strategy, data.Wallet)
	}
}
