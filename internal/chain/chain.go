// Package chain keeps one lazily dialled RPC client per configured chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Client is the subset of ethclient used by the engine.
type Client interface {
	ethereum.ChainReader
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.GasPricer1559
	ethereum.PendingStateReader
	ethereum.TransactionSender
	ethereum.TransactionReader
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Endpoint is one chain's RPC configuration.
type Endpoint struct {
	ChainID uint64
	RPCURL  string
}

// Registry dials chains on first use and reuses the connection afterwards.
type Registry struct {
	endpoints map[uint64]string
	timeout   time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	clients map[uint64]Client
}

// NewRegistry builds a registry from endpoints.
func NewRegistry(endpoints []Endpoint, dialTimeout time.Duration, logger zerolog.Logger) *Registry {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	m := make(map[uint64]string, len(endpoints))
	for _, ep := range endpoints {
		m[ep.ChainID] = ep.RPCURL
	}
	return &Registry{
		endpoints: m,
		timeout:   dialTimeout,
		logger:    logger.With().Str("component", "chain_registry").Logger(),
		clients:   make(map[uint64]Client),
	}
}

// Supports reports whether an RPC endpoint is configured for chainID.
func (r *Registry) Supports(chainID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[chainID]; ok {
		return true
	}
	_, ok := r.endpoints[chainID]
	return ok
}

// Client returns the RPC client for chainID.
func (r *Registry) Client(ctx context.Context, chainID uint64) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chainID]; ok {
		return c, nil
	}

	url, ok := r.endpoints[chainID]
	if !ok || url == "" {
		return nil, fmt.Errorf("no rpc endpoint configured for chain %d", chainID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := ethclient.DialContext(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	r.clients[chainID] = c
	r.logger.Debug().Uint64("chain_id", chainID).Msg("rpc client connected")
	return c, nil
}

// Set installs a client for chainID, replacing any dialled one.
func (r *Registry) Set(chainID uint64, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[chainID] = c
}

// WaitForReceipt polls for a transaction receipt until it is mined or ctx ends.
func WaitForReceipt(ctx context.Context, c ethereum.TransactionReader, hash common.Hash, poll time.Duration) (*types.Receipt, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases every dialled client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.clients, id)
	}
}
