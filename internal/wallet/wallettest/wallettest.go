// Package wallettest provides a recording wallet for provider tests.
package wallettest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidity-rebalancer/internal/wallet"
)

// Client records every Execute batch and answers eth_call by 4-byte selector.
type Client struct {
	mu sync.Mutex

	chainID uint64
	address common.Address

	Batches     [][]wallet.Call
	Hash        common.Hash
	ExecuteErr  error
	Receipt     *types.Receipt
	ReceiptErr  error
	CallResults map[[4]byte][]byte
	CallErr     error
}

// Provider hands out recording clients for one address.
type Provider struct {
	mu      sync.Mutex
	address common.Address
	clients map[uint64]*Client
}

// New builds a provider for address.
func New(address common.Address) *Provider {
	return &Provider{address: address, clients: make(map[uint64]*Client)}
}

// Client returns the recording client for chainID, creating it on first use.
func (p *Provider) Client(chainID uint64) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[chainID]
	if !ok {
		c = &Client{
			chainID:     chainID,
			address:     p.address,
			Hash:        common.HexToHash(fmt.Sprintf("0x%x", 0xabc000+chainID)),
			CallResults: make(map[[4]byte][]byte),
		}
		p.clients[chainID] = c
	}
	return c
}

func (p *Provider) GetClient(ctx context.Context, chainID uint64) (wallet.Client, error) {
	return p.Client(chainID), nil
}

func (p *Provider) GetAddress(ctx context.Context) (common.Address, error) {
	return p.address, nil
}

func (c *Client) ChainID() uint64         { return c.chainID }
func (c *Client) Address() common.Address { return c.address }

func (c *Client) Execute(ctx context.Context, calls []wallet.Call) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ExecuteErr != nil {
		return common.Hash{}, c.ExecuteErr
	}
	c.Batches = append(c.Batches, append([]wallet.Call(nil), calls...))
	return c.Hash, nil
}

func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReceiptErr != nil {
		return nil, c.ReceiptErr
	}
	if c.Receipt != nil {
		return c.Receipt, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallErr != nil {
		return nil, c.CallErr
	}
	if len(msg.Data) < 4 {
		return nil, errors.New("wallettest: call data too short")
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])
	out, ok := c.CallResults[sel]
	if !ok {
		return nil, fmt.Errorf("wallettest: no result for selector %x", sel)
	}
	return out, nil
}

// LastBatch returns the most recent Execute batch.
func (c *Client) LastBatch() []wallet.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Batches) == 0 {
		return nil
	}
	return c.Batches[len(c.Batches)-1]
}

// Selector returns the 4-byte selector of call data.
func Selector(data []byte) [4]byte {
	var sel [4]byte
	copy(sel[:], data)
	return sel
}

var _ wallet.Provider = (*Provider)(nil)
