// Package jobs processes the queued execution chain: batch execution, attestation polling, minting,
// destination swaps and bridge delivery checks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/alerting"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
)

// Executor runs a quote on behalf of a wallet.
type Executor interface {
	Execute(ctx context.Context, wallet common.Address, quote liquidity.Quote) (common.Hash, error)
}

// Resolver hands out the wallet-bound collaborators a job needs.
type Resolver interface {
	Executor(wallet common.Address) (Executor, error)
	Receiver(wallet common.Address) (liquidity.MessageReceiver, error)
}

// StatusUpdater moves a rebalance record through its lifecycle.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status storage.RebalanceStatus) error
}

// Enqueuer submits follow-up jobs.
type Enqueuer interface {
	StartCCTPAttestationCheck(ctx context.Context, data jobdata.CheckCCTPAttestation, delay time.Duration) (*queue.Job, error)
	StartCCTPMint(ctx context.Context, data jobdata.ExecuteCCTPMint) (*queue.Job, error)
	StartDestinationSwap(ctx context.Context, data jobdata.CCTPLiFiDestinationSwap) (*queue.Job, error)
	StartDeliveryCheck(ctx context.Context, data jobdata.CheckDelivery) (*queue.Job, error)
	StartExecuteRebalance(ctx context.Context, data jobdata.ExecuteRebalance) (*queue.Job, error)
}

// Manager handles one job name.
type Manager interface {
	Name() string
	Process(ctx context.Context, job *queue.Job) (any, error)
	OnComplete(ctx context.Context, job *queue.Job, result any)
	OnFailed(ctx context.Context, job *queue.Job, err error)
}

// Deps are the collaborators shared by all managers.
type Deps struct {
	Queue        queue.Queue
	Enqueuer     Enqueuer
	Resolver     Resolver
	Balances     liquidity.BalanceReader
	Attestations liquidity.AttestationFetcher
	Deliveries   map[liquidity.Strategy]liquidity.DeliveryTracker
	Statuses     StatusUpdater
	Notifier     alerting.Notifier
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Dispatcher routes jobs to their manager. It implements queue.Handler.
type Dispatcher struct {
	managers map[string]Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewDispatcher registers the managers of the execution chain.
func NewDispatcher(d Deps) *Dispatcher {
	return NewDispatcherWith(d.Metrics, d.Logger,
		NewExecuteRebalanceManager(d),
		NewAttestationManager(d),
		NewMintManager(d),
		NewDestinationSwapManager(d),
		NewDeliveryManager(d),
	)
}

// NewDispatcherWith registers an explicit set of managers.
func NewDispatcherWith(m *metrics.Metrics, logger zerolog.Logger, managers ...Manager) *Dispatcher {
	d := &Dispatcher{
		managers: make(map[string]Manager, len(managers)),
		metrics:  m,
		logger:   logger.With().Str("component", "job_dispatcher").Logger(),
	}
	for _, mgr := range managers {
		d.managers[mgr.Name()] = mgr
	}
	return d
}

func (d *Dispatcher) Process(ctx context.Context, job *queue.Job) (any, error) {
	mgr, ok := d.managers[job.Name]
	if !ok {
		return nil, fmt.Errorf("no manager registered for job %s", job.Name)
	}
	start := time.Now()
	result, err := mgr.Process(ctx, job)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	d.metrics.ObserveJob(job.Name, outcome, time.Since(start))
	return result, err
}

func (d *Dispatcher) OnComplete(ctx context.Context, job *queue.Job, result any) {
	if mgr, ok := d.managers[job.Name]; ok {
		mgr.OnComplete(ctx, job, result)
	}
}

func (d *Dispatcher) OnFailed(ctx context.Context, job *queue.Job, err error) {
	mgr, ok := d.managers[job.Name]
	if !ok {
		d.logger.Error().Err(err).Str("job", job.Name).Str("job_id", job.ID).Msg("failed job has no manager")
		return
	}
	mgr.OnFailed(ctx, job, err)
}

var _ queue.Handler = (*Dispatcher)(nil)

// base carries what every manager shares.
type base struct {
	deps   Deps
	alert  func(context.Context, alerting.Notification)
	logger zerolog.Logger
}

func newBase(d Deps, name string) base {
	logger := d.Logger.With().Str("component", "job_manager").Str("job", name).Logger()
	return base{deps: d, alert: alerting.Safe(d.Notifier, logger), logger: logger}
}

func (b base) jobLogger(job *queue.Job) *zerolog.Logger {
	l := b.logger.With().Str("job_id", job.ID).Int("attempt", job.AttemptsMade+1).Int("max_attempts", job.MaxAttempts()).Logger()
	return &l
}

func (b base) setStatus(ctx context.Context, id string, strategy liquidity.Strategy, status storage.RebalanceStatus) {
	if id == "" || b.deps.Statuses == nil {
		return
	}
	if err := b.deps.Statuses.UpdateStatus(ctx, id, status); err != nil {
		b.logger.Error().Err(err).Str("rebalance_id", id).Str("status", string(status)).Msg("failed to update rebalance status")
		return
	}
	b.deps.Metrics.IncRebalance(string(strategy), string(status))
}

// terminal marks a rebalance FAILED after its job exhausted every attempt.
func (b base) terminal(ctx context.Context, job *queue.Job, err error, rebalanceID, groupID string, strategy liquidity.Strategy, wallet common.Address) {
	err = recoveryFailure(job, err)
	b.setStatus(ctx, rebalanceID, strategy, storage.StatusFailed)
	b.jobLogger(job).Error().
		Err(err).
		Str("rebalance_id", rebalanceID).
		Str("group_id", groupID).
		Str("strategy", string(strategy)).
		Str("wallet", wallet.Hex()).
		Msg("job exhausted all attempts, manual intervention required")
	b.alert(ctx, alerting.Notification{
		Kind:        alerting.KindTerminalFailure,
		Title:       "Rebalance failed, manual intervention required",
		Wallet:      wallet.Hex(),
		Strategy:    string(strategy),
		GroupID:     groupID,
		RebalanceID: rebalanceID,
		Job:         job.Name,
		Attempts:    job.AttemptsMade,
		MaxAttempts: job.MaxAttempts(),
		Error:       errString(err),
	})
}

// recoveryFailure is the error reported for a job that will not run again.
func recoveryFailure(job *queue.Job, err error) error {
	if errors.Is(err, liquidity.ErrRecoveryFailure) {
		return err
	}
	return fmt.Errorf("%w: %s job %s gave up after %d attempts: %w", liquidity.ErrRecoveryFailure, job.Name, job.ID, job.AttemptsMade, err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
