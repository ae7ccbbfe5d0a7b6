// Package wallet is the signing collaborator: it turns call lists into mined transactions.
package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Call is a single contract interaction.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Client executes calls on one chain on behalf of the wallet.
type Client interface {
	ChainID() uint64
	Address() common.Address
	Execute(ctx context.Context, calls []Call) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// Provider hands out per-chain clients for a single wallet.
type Provider interface {
	GetClient(ctx context.Context, chainID uint64) (Client, error)
	GetAddress(ctx context.Context) (common.Address, error)
}
