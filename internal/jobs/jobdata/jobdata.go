// Package jobdata defines the queued job names, their payloads and the submission presets.
// Providers enqueue follow-up work through it so they never import the job managers.
package jobdata

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
)

// Job names.
const (
	ExecuteRebalanceJob        = "ExecuteRebalance"
	CheckCCTPAttestationJob    = "CheckCCTPAttestation"
	ExecuteCCTPMintJob         = "ExecuteCCTPMint"
	CCTPLiFiDestinationSwapJob = "CCTPLiFiDestinationSwap"
	CheckDeliveryJob           = "CheckDelivery"
)

const (
	// AttestationRecheckDelay is how long a pending attestation waits before the next poll.
	AttestationRecheckDelay = 30 * time.Second
	// DeliveryCheckDelay is the wait before the first destination status poll of a bridge transfer.
	DeliveryCheckDelay = 10 * time.Second
)

// ExecuteRebalance executes one batch of chained quotes in order.
// Completed lists the rebalance job ids already executed so a retry resumes after them.
type ExecuteRebalance struct {
	GroupID   string            `json:"groupId"`
	Wallet    common.Address    `json:"wallet"`
	Quotes    []liquidity.Quote `json:"quotes"`
	Completed []string          `json:"completed,omitempty"`
}

// Done reports whether the quote with rebalanceJobID already executed.
func (e ExecuteRebalance) Done(rebalanceJobID string) bool {
	for _, id := range e.Completed {
		if id == rebalanceJobID {
			return true
		}
	}
	return false
}

// LegIDs lists the rebalance job ids of every quote in the batch.
func (e ExecuteRebalance) LegIDs() []string {
	ids := make([]string, 0, len(e.Quotes))
	for _, q := range e.Quotes {
		ids = append(ids, q.RebalanceJobID)
	}
	return ids
}

// OriginalToken identifies the token a composite route must finally deliver.
type OriginalToken struct {
	Address  common.Address `json:"address"`
	ChainID  uint64         `json:"chainId"`
	Decimals uint8          `json:"decimals"`
}

// CCTPLiFiContext rides along the CCTP jobs when a destination swap follows the mint.
type CCTPLiFiContext struct {
	DestinationSwapQuote liquidity.Quote `json:"destinationSwapQuote"`
	WalletAddress        common.Address  `json:"walletAddress"`
	OriginalTokenOut     OriginalToken   `json:"originalTokenOut"`
}

// CheckCCTPAttestation polls the attestor network for a burn message.
type CheckCCTPAttestation struct {
	GroupID            string           `json:"groupID"`
	RebalanceJobID     string           `json:"rebalanceJobID"`
	Wallet             common.Address   `json:"wallet"`
	DestinationChainID uint64           `json:"destinationChainId"`
	MessageHash        common.Hash      `json:"messageHash"`
	MessageBody        hexutil.Bytes    `json:"messageBody"`
	CCTPLiFiContext    *CCTPLiFiContext `json:"cctpLiFiContext,omitempty"`
	ID                 string           `json:"id,omitempty"`
}

// ExecuteCCTPMint submits receiveMessage on the destination chain.
// TxHash is recorded after the first submission so retries only wait for the receipt.
type ExecuteCCTPMint struct {
	GroupID            string           `json:"groupID"`
	RebalanceJobID     string           `json:"rebalanceJobID"`
	Wallet             common.Address   `json:"wallet"`
	DestinationChainID uint64           `json:"destinationChainId"`
	MessageHash        common.Hash      `json:"messageHash"`
	MessageBody        hexutil.Bytes    `json:"messageBody"`
	Attestation        hexutil.Bytes    `json:"attestation"`
	TxHash             *common.Hash     `json:"txHash,omitempty"`
	CCTPLiFiContext    *CCTPLiFiContext `json:"cctpLiFiContext,omitempty"`
	ID                 string           `json:"id,omitempty"`
}

// CCTPLiFiDestinationSwap swaps minted USDC into the original target token.
type CCTPLiFiDestinationSwap struct {
	GroupID              string          `json:"groupID"`
	RebalanceJobID       string          `json:"rebalanceJobID"`
	WalletAddress        common.Address  `json:"walletAddress"`
	DestinationSwapQuote liquidity.Quote `json:"destinationSwapQuote"`
	OriginalTokenOut     OriginalToken   `json:"originalTokenOut"`
	MessageHash          common.Hash     `json:"messageHash"`
	ID                   string          `json:"id,omitempty"`
}

// CheckDelivery polls a bridge until the transfer sent by TxHash lands on the destination chain.
// Remaining carries the legs of the batch that must wait for the delivery.
type CheckDelivery struct {
	GroupID            string             `json:"groupID"`
	RebalanceJobID     string             `json:"rebalanceJobID"`
	Wallet             common.Address     `json:"wallet"`
	Strategy           liquidity.Strategy `json:"strategy"`
	SourceChainID      uint64             `json:"sourceChainId"`
	DestinationChainID uint64             `json:"destinationChainId"`
	TxHash             common.Hash        `json:"txHash"`
	Remaining          *ExecuteRebalance  `json:"remaining,omitempty"`
	ID                 string             `json:"id,omitempty"`
}

// Delivery is the tracker request for d.
func (d CheckDelivery) Delivery() liquidity.Delivery {
	return liquidity.Delivery{
		SourceChainID:      d.SourceChainID,
		DestinationChainID: d.DestinationChainID,
		TxHash:             d.TxHash,
		ID:                 d.ID,
	}
}

// Submission presets.
var (
	ExecuteRebalanceOptions = queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Second},
	}
	// a pending attestation schedules a fresh check, so finished ones are dropped
	AttestationCheckOptions = queue.Options{
		Attempts:         5,
		Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
		RemoveOnComplete: true,
		Timeout:          time.Minute,
	}
	MintOptions = queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 10 * time.Second},
		Timeout:  5 * time.Minute,
	}
	DestinationSwapOptions = queue.Options{
		Attempts:         3,
		Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: 15 * time.Second},
		RemoveOnComplete: true,
		Timeout:          5 * time.Minute,
	}
	// failed checks are retained for inspection
	DeliveryCheckOptions = queue.Options{
		Delay:            DeliveryCheckDelay,
		Attempts:         20,
		Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: 10 * time.Second},
		RemoveOnComplete: true,
		Timeout:          time.Minute,
	}
)

// Enqueuer submits the engine's jobs with their presets.
type Enqueuer struct {
	queue queue.Queue
}

// NewEnqueuer wraps q.
func NewEnqueuer(q queue.Queue) *Enqueuer {
	return &Enqueuer{queue: q}
}

// StartExecuteRebalance submits one batch for execution. The first leg's rebalance id keys the job.
func (e *Enqueuer) StartExecuteRebalance(ctx context.Context, data ExecuteRebalance) (*queue.Job, error) {
	if len(data.Quotes) == 0 {
		return nil, fmt.Errorf("execute rebalance job for group %s has no quotes", data.GroupID)
	}
	opts := ExecuteRebalanceOptions
	opts.JobID = ExecuteRebalanceJob + "-" + data.Quotes[0].RebalanceJobID
	return e.add(ctx, ExecuteRebalanceJob, data, opts)
}

// StartCCTPAttestationCheck submits an attestation poll after delay.
func (e *Enqueuer) StartCCTPAttestationCheck(ctx context.Context, data CheckCCTPAttestation, delay time.Duration) (*queue.Job, error) {
	opts := AttestationCheckOptions
	opts.Delay = delay
	return e.add(ctx, CheckCCTPAttestationJob, data, opts)
}

// StartCCTPMint submits the mint for an attested message. One mint job exists per message hash.
func (e *Enqueuer) StartCCTPMint(ctx context.Context, data ExecuteCCTPMint) (*queue.Job, error) {
	opts := MintOptions
	opts.JobID = ExecuteCCTPMintJob + "-" + data.MessageHash.Hex()
	return e.add(ctx, ExecuteCCTPMintJob, data, opts)
}

// StartDestinationSwap submits the swap that follows a composite route's mint.
func (e *Enqueuer) StartDestinationSwap(ctx context.Context, data CCTPLiFiDestinationSwap) (*queue.Job, error) {
	opts := DestinationSwapOptions
	opts.JobID = CCTPLiFiDestinationSwapJob + "-" + data.MessageHash.Hex()
	return e.add(ctx, CCTPLiFiDestinationSwapJob, data, opts)
}

// StartDeliveryCheck submits the destination poll for a bridge transfer. One check exists per source transaction.
func (e *Enqueuer) StartDeliveryCheck(ctx context.Context, data CheckDelivery) (*queue.Job, error) {
	opts := DeliveryCheckOptions
	opts.JobID = CheckDeliveryJob + "-" + data.TxHash.Hex()
	return e.add(ctx, CheckDeliveryJob, data, opts)
}

func (e *Enqueuer) add(ctx context.Context, name string, data any, opts queue.Options) (*queue.Job, error) {
	job, err := e.queue.Add(ctx, name, data, opts)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return job, nil
}
