package wallet

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/chain"
)

const simulatedChainID = 1337

type staticChains struct {
	client chain.Client
}

func (s staticChains) Client(ctx context.Context, chainID uint64) (chain.Client, error) {
	return s.client, nil
}

func TestEOAExecuteSendsSignedTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	funds := new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	backend := simulated.NewBackend(types.GenesisAlloc{from: {Balance: funds}})
	defer backend.Close()

	w, err := NewEOA(common.Bytes2Hex(crypto.FromECDSA(key)), staticChains{client: backend.Client()}, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	addr, err := w.GetAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, from, addr)

	client, err := w.GetClient(context.Background(), simulatedChainID)
	require.NoError(t, err)

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	hash, err := client.Execute(context.Background(), []Call{{To: to, Value: big.NewInt(1000)}})
	require.NoError(t, err)
	backend.Commit()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	receipt, err := client.WaitForReceipt(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	bal, err := backend.Client().BalanceAt(context.Background(), to, nil)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.String())
}

func TestEOARejectsEmptyBatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := simulated.NewBackend(types.GenesisAlloc{})
	defer backend.Close()

	w, err := NewEOA(common.Bytes2Hex(crypto.FromECDSA(key)), staticChains{client: backend.Client()}, 0, zerolog.Nop())
	require.NoError(t, err)
	client, err := w.GetClient(context.Background(), simulatedChainID)
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewEOAInvalidKey(t *testing.T) {
	_, err := NewEOA("not-a-key", staticChains{}, 0, zerolog.Nop())
	assert.Error(t, err)
}
