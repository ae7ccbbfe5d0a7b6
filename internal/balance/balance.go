// Package balance reads live wallet balances from chain.
package balance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
)

const nativeDecimals uint8 = 18

// Backend is the RPC surface needed for balance reads.
type Backend interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Chains resolves a Backend per chain.
type Chains interface {
	Backend(ctx context.Context, chainID uint64) (Backend, error)
}

// Options parameterise the reader.
type Options struct {
	Timeout time.Duration
}

// Reader reads token balances and caches token decimals.
type Reader struct {
	chains Chains
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	decimals map[string]uint8
}

// NewReader builds a balance reader.
func NewReader(chains Chains, opts Options, logger zerolog.Logger) *Reader {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Reader{
		chains:   chains,
		opts:     opts,
		logger:   logger.With().Str("component", "balance_reader").Logger(),
		decimals: make(map[string]uint8),
	}
}

// TokenBalance returns the wallet balance normalised to base precision.
func (r *Reader) TokenBalance(ctx context.Context, wallet common.Address, token liquidity.TokenConfig) (liquidity.TokenBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	backend, err := r.chains.Backend(ctx, token.ChainID)
	if err != nil {
		return liquidity.TokenBalance{}, err
	}

	var (
		raw *big.Int
		dec uint8
	)
	switch token.Type {
	case liquidity.TokenTypeNative:
		raw, err = backend.BalanceAt(ctx, wallet, nil)
		if err != nil {
			return liquidity.TokenBalance{}, fmt.Errorf("native balance on chain %d: %w", token.ChainID, err)
		}
		dec = nativeDecimals
	default:
		raw, err = r.erc20Balance(ctx, backend, token.Address, wallet)
		if err != nil {
			return liquidity.TokenBalance{}, fmt.Errorf("balanceOf %s on chain %d: %w", token.Address.Hex(), token.ChainID, err)
		}
		dec, err = r.tokenDecimals(ctx, backend, token)
		if err != nil {
			return liquidity.TokenBalance{}, err
		}
	}

	normalized, err := decimals.Normalize(raw, dec)
	if err != nil {
		return liquidity.TokenBalance{}, err
	}

	return liquidity.TokenBalance{
		Address:  token.Address,
		Balance:  normalized,
		Decimals: liquidity.Decimals{Original: dec, Current: decimals.Base},
	}, nil
}

func (r *Reader) erc20Balance(ctx context.Context, backend Backend, token, wallet common.Address) (*big.Int, error) {
	payload, err := contracts.ERC20.Pack("balanceOf", wallet)
	if err != nil {
		return nil, err
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	outputs, err := contracts.ERC20.Unpack("balanceOf", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected balanceOf response")
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode balanceOf output")
	}
	return v, nil
}

func (r *Reader) tokenDecimals(ctx context.Context, backend Backend, token liquidity.TokenConfig) (uint8, error) {
	key := liquidity.TokenKey(token.ChainID, token.Address)

	r.mu.Lock()
	if d, ok := r.decimals[key]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	payload, err := contracts.ERC20.Pack("decimals")
	if err != nil {
		return 0, err
	}
	addr := token.Address
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, fmt.Errorf("decimals %s on chain %d: %w", addr.Hex(), token.ChainID, err)
	}
	outputs, err := contracts.ERC20.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	r.mu.Lock()
	r.decimals[key] = d
	r.mu.Unlock()

	r.logger.Debug().Str("token", addr.Hex()).Uint64("chain_id", token.ChainID).Uint8("decimals", d).Msg("token decimals cached")
	return d, nil
}

var _ liquidity.BalanceReader = (*Reader)(nil)

// ChainsFunc adapts a function to Chains.
type ChainsFunc func(ctx context.Context, chainID uint64) (Backend, error)

// Backend implements Chains.
func (f ChainsFunc) Backend(ctx context.Context, chainID uint64) (Backend, error) {
	return f(ctx, chainID)
}
