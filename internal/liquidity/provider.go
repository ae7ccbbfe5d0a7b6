package liquidity

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider is a bridge or swap strategy pluggable into the aggregator.
type Provider interface {
	Strategy() Strategy
	GetQuote(ctx context.Context, tokenIn, tokenOut TokenDataAnalyzed, amount *big.Int, id string) ([]Quote, error)
	Execute(ctx context.Context, wallet common.Address, quote Quote) (common.Hash, error)
}

// MessageReceiver is implemented by attestation based bridges.
type MessageReceiver interface {
	ReceiveMessage(ctx context.Context, chainID uint64, body, attestation []byte, id string) (common.Hash, error)
	GetTxReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error)
}

// AttestationStatus is the attestation lifecycle reported by an attestor network.
type AttestationStatus string

const (
	AttestationPending  AttestationStatus = "pending"
	AttestationComplete AttestationStatus = "complete"
)

// Attestation is the signed proof needed to mint on the destination chain.
type Attestation struct {
	Status      AttestationStatus
	Attestation []byte
}

// AttestationFetcher polls an attestor network.
type AttestationFetcher interface {
	FetchAttestation(ctx context.Context, messageHash common.Hash, id string) (Attestation, error)
}

// DeliveryStatus is the destination side state of a cross-chain transfer.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryComplete DeliveryStatus = "complete"
	DeliveryFailed   DeliveryStatus = "failed"
)

// Delivery identifies a cross-chain transfer by its source transaction.
type Delivery struct {
	SourceChainID      uint64
	DestinationChainID uint64
	TxHash             common.Hash
	ID                 string
}

// DeliveryTracker reports whether a transfer reached its destination chain.
type DeliveryTracker interface {
	DeliveryStatus(ctx context.Context, d Delivery) (DeliveryStatus, error)
}

// BalanceReader reads live token balances.
type BalanceReader interface {
	TokenBalance(ctx context.Context, wallet common.Address, token TokenConfig) (TokenBalance, error)
}
