package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/chain"
)

// ErrReverted is returned when an intermediate call of a batch fails on chain.
var ErrReverted = errors.New("transaction reverted")

// Chains resolves RPC clients by chain id.
type Chains interface {
	Client(ctx context.Context, chainID uint64) (chain.Client, error)
}

// EOA signs EIP-1559 transactions with a local key. Each call in a batch becomes one transaction;
// every call but the last is awaited so later calls observe earlier state (approve then spend).
type EOA struct {
	key         *ecdsa.PrivateKey
	address     common.Address
	chains      Chains
	receiptPoll time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	clients map[uint64]*eoaClient
}

// NewEOA parses a hex private key.
func NewEOA(privateKeyHex string, chains Chains, receiptPoll time.Duration, logger zerolog.Logger) (*EOA, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return &EOA{
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		chains:      chains,
		receiptPoll: receiptPoll,
		logger:      logger.With().Str("component", "wallet").Logger(),
		clients:     make(map[uint64]*eoaClient),
	}, nil
}

// GetAddress returns the signer address.
func (w *EOA) GetAddress(ctx context.Context) (common.Address, error) {
	return w.address, nil
}

// GetClient returns the per-chain client, creating it on first use.
func (w *EOA) GetClient(ctx context.Context, chainID uint64) (Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.clients[chainID]; ok {
		return c, nil
	}
	rpc, err := w.chains.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	c := &eoaClient{
		chainID: chainID,
		rpc:     rpc,
		key:     w.key,
		address: w.address,
		signer:  types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		poll:    w.receiptPoll,
		logger:  w.logger.With().Uint64("chain_id", chainID).Logger(),
	}
	w.clients[chainID] = c
	return c, nil
}

type eoaClient struct {
	chainID uint64
	rpc     chain.Client
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
	poll    time.Duration
	logger  zerolog.Logger

	// serialises nonce allocation
	sendMu sync.Mutex
}

func (c *eoaClient) ChainID() uint64         { return c.chainID }
func (c *eoaClient) Address() common.Address { return c.address }

func (c *eoaClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if msg.From == (common.Address{}) {
		msg.From = c.address
	}
	return c.rpc.CallContract(ctx, msg, nil)
}

func (c *eoaClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return chain.WaitForReceipt(ctx, c.rpc, hash, c.poll)
}

func (c *eoaClient) Execute(ctx context.Context, calls []Call) (common.Hash, error) {
	if len(calls) == 0 {
		return common.Hash{}, errors.New("no calls to execute")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var last common.Hash
	for i, call := range calls {
		hash, err := c.send(ctx, call)
		if err != nil {
			return common.Hash{}, fmt.Errorf("send call %d/%d: %w", i+1, len(calls), err)
		}
		last = hash
		if i == len(calls)-1 {
			break
		}
		receipt, err := c.WaitForReceipt(ctx, hash)
		if err != nil {
			return common.Hash{}, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return common.Hash{}, fmt.Errorf("call %d/%d %s: %w", i+1, len(calls), hash.Hex(), ErrReverted)
		}
	}
	return last, nil
}

func (c *eoaClient) send(ctx context.Context, call Call) (common.Hash, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To

	nonce, err := c.rpc.PendingNonceAt(ctx, c.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: value,
		Data:  call.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(c.chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast tx: %w", err)
	}

	c.logger.Info().Str("tx_hash", signed.Hash().Hex()).Str("to", to.Hex()).Uint64("nonce", nonce).Msg("transaction sent")
	return signed.Hash(), nil
}

var (
	_ Provider = (*EOA)(nil)
	_ Client   = (*eoaClient)(nil)
)
