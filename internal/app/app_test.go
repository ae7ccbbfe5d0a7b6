package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/config"
	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage"
	"liquidity-rebalancer/internal/storage/memory"
	"liquidity-rebalancer/internal/wallet"
	"liquidity-rebalancer/internal/wallet/wallettest"
)

var (
	walletA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	walletB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdcOP  = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	usdcArb = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
)

type fixedBalances map[string]*big.Int

func (f fixedBalances) TokenBalance(_ context.Context, _ common.Address, token liquidity.TokenConfig) (liquidity.TokenBalance, error) {
	bal, ok := f[liquidity.TokenKey(token.ChainID, token.Address)]
	if !ok {
		bal = new(big.Int)
	}
	return liquidity.TokenBalance{
		Address:  token.Address,
		Balance:  new(big.Int).Set(bal),
		Decimals: liquidity.Decimals{Original: 6, Current: 18},
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		LiquidityManager: config.LiquidityManagerConfig{
			MaxQuoteSlippage: 0.01,
			Thresholds:       config.ThresholdsConfig{Deficit: 0.1, Surplus: 0.1},
			Interval:         time.Minute,
			WalletStrategies: map[string][]string{
				"default": {"LiFi", "CCTP", "CCTPLiFi", "WarpRoute", "USDT0"},
				"crowd":   {"CCTP"},
			},
		},
		Wallets: []config.WalletConfig{
			{Address: walletA, Class: "default", SignerKeyEnv: "A_KEY"},
			{Address: walletB, Class: "crowd", SignerKeyEnv: "B_KEY"},
		},
		Chains: []config.ChainConfig{{ChainID: 10, RPCURL: "http://op.invalid"}, {ChainID: 42161, RPCURL: "http://arb.invalid"}},
		Tokens: []config.TokenConfig{
			{Address: usdcOP, ChainID: 10, TargetBalance: decimal.NewFromInt(1000)},
			{Address: usdcArb, ChainID: 42161, TargetBalance: decimal.NewFromInt(1000)},
		},
		CCTP: config.CCTPConfig{Chains: []config.CCTPChainConfig{
			{ChainID: 10, Domain: 2, Token: usdcOP},
			{ChainID: 42161, Domain: 3, Token: usdcArb},
		}},
		Worker: config.WorkerConfig{Concurrency: 1},
		Export: config.ExportConfig{MaxDataPoints: 10},
	}
}

func testSigners(w config.WalletConfig) (wallet.Provider, error) {
	return wallettest.New(w.Address), nil
}

func newTestEngine(t *testing.T, cfg *config.Config, balances liquidity.BalanceReader) *Engine {
	t.Helper()
	mem := memory.New()
	engine, err := NewEngine(context.Background(), cfg, EngineDeps{
		Persistence: Persistence{Rebalances: mem, Rejections: mem, Locker: mem},
		Queue:       queue.NewMemoryQueue(),
		Balances:    balances,
		Signer:      testSigners,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestEngineRegistersStrategiesPerClass(t *testing.T) {
	engine := newTestEngine(t, testConfig(), fixedBalances{})

	assert.Equal(t, []common.Address{walletA, walletB}, engine.Wallets())
	assert.Equal(t, []liquidity.Strategy{
		liquidity.StrategyLiFi, liquidity.StrategyCCTP, liquidity.StrategyCCTPLiFi,
		liquidity.StrategyWarpRoute, liquidity.StrategyUSDT0,
	}, engine.wallets[walletA].aggregator.Strategies())
	assert.Equal(t, []liquidity.Strategy{liquidity.StrategyCCTP}, engine.wallets[walletB].aggregator.Strategies())
}

func TestEngineResolvesWalletCollaborators(t *testing.T) {
	engine := newTestEngine(t, testConfig(), fixedBalances{})

	exec, err := engine.Executor(walletB)
	require.NoError(t, err)
	assert.Same(t, engine.wallets[walletB].aggregator, exec)

	recv, err := engine.Receiver(walletA)
	require.NoError(t, err)
	assert.Same(t, engine.wallets[walletA].bridge, recv)

	_, err = engine.Executor(common.HexToAddress("0xdead"))
	assert.Error(t, err)
	_, err = engine.Receiver(common.HexToAddress("0xdead"))
	assert.Error(t, err)

	_, err = engine.Orchestrator(common.HexToAddress("0xdead"), nil)
	assert.Error(t, err)
	assert.NotNil(t, engine.Dispatcher())
}

func TestEngineRejectsSignerMismatch(t *testing.T) {
	cfg := testConfig()
	_, err := NewEngine(context.Background(), cfg, EngineDeps{
		Persistence: Persistence{Rebalances: memory.New(), Rejections: memory.New()},
		Queue:       queue.NewMemoryQueue(),
		Balances:    fixedBalances{},
		Signer: func(config.WalletConfig) (wallet.Provider, error) {
			return wallettest.New(common.HexToAddress("0xbeef")), nil
		},
	}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signer key belongs to")
}

func TestEngineRejectsMissingSignerKey(t *testing.T) {
	cfg := testConfig()
	t.Setenv("A_KEY", "")
	_, err := NewEngine(context.Background(), cfg, EngineDeps{
		Persistence: Persistence{Rebalances: memory.New(), Rejections: memory.New()},
		Queue:       queue.NewMemoryQueue(),
		Balances:    fixedBalances{},
	}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A_KEY")
}

func TestPlanPrintsBalancedWallets(t *testing.T) {
	cfg := testConfig()
	balances := fixedBalances{
		liquidity.TokenKey(10, usdcOP):     decimals.FromUnits(decimal.NewFromInt(1000)),
		liquidity.TokenKey(42161, usdcArb): decimals.FromUnits(decimal.NewFromInt(1050)),
	}
	a := NewApp(cfg, zerolog.Nop())

	var out bytes.Buffer
	err := a.plan(context.Background(), PlanOptions{}, &out, EngineDeps{Balances: balances, Signer: testSigners})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Wallet "+walletA.Hex())
	assert.Contains(t, text, "Wallet "+walletB.Hex())
	assert.Contains(t, text, "BALANCED")
	assert.Contains(t, text, "no rebalances needed")
}

func TestPlanRejectsBadWalletFlag(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	err := a.plan(context.Background(), PlanOptions{Wallet: "nope"}, &bytes.Buffer{}, EngineDeps{Balances: fixedBalances{}, Signer: testSigners})
	assert.Error(t, err)
}

func TestSumAmountInCountsFirstLegOnce(t *testing.T) {
	quotes := []liquidity.Quote{
		{ID: "a", AmountIn: big.NewInt(100)},
		{ID: "a", AmountIn: big.NewInt(99)},
		{ID: "b", AmountIn: big.NewInt(5)},
	}
	assert.Equal(t, int64(105), sumAmountIn(quotes).Int64())
}

func sampleRecords() []storage.RebalanceRecord {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := func(id string, strategy liquidity.Strategy, at time.Duration, amount int64) storage.RebalanceRecord {
		return storage.RebalanceRecord{
			ID:        id,
			GroupID:   "group-1234567890",
			Wallet:    walletA,
			TokenIn:   storage.RebalanceToken{ChainID: 10, Address: usdcOP},
			TokenOut:  storage.RebalanceToken{ChainID: 42161, Address: usdcArb},
			AmountIn:  decimals.FromUnits(decimal.NewFromInt(amount)),
			AmountOut: decimals.FromUnits(decimal.NewFromInt(amount)),
			Slippage:  0.001,
			Strategy:  strategy,
			Status:    storage.StatusCompleted,
			CreatedAt: base.Add(at),
		}
	}
	return []storage.RebalanceRecord{
		rec("r1", liquidity.StrategyCCTP, 0, 100),
		rec("r2", liquidity.StrategyLiFi, time.Minute, 40),
		rec("r3", liquidity.StrategyCCTP, 2*time.Minute, 50),
	}
}

func TestCumulativeByStrategy(t *testing.T) {
	series := cumulativeByStrategy(sampleRecords())
	require.Len(t, series, 2)
	assert.Equal(t, []float64{100, 150}, series["CCTP"].YValues)
	assert.Equal(t, []float64{40}, series["LiFi"].YValues)
}

func TestDownsampleRecords(t *testing.T) {
	records := sampleRecords()
	assert.Len(t, downsampleRecords(records, 0), 3)
	assert.Len(t, downsampleRecords(records, 5), 3)

	two := downsampleRecords(records, 2)
	require.Len(t, two, 2)
	assert.Equal(t, "r1", two[0].ID)
	assert.Equal(t, "r3", two[1].ID)

	one := downsampleRecords(records, 1)
	require.Len(t, one, 1)
	assert.Equal(t, "r3", one[0].ID)
}

func TestWriteRebalancesCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "rebalances.csv")
	pngPath := filepath.Join(dir, "out", "rebalances.png")

	require.NoError(t, writeRebalancesCSV(csvPath, sampleRecords()))
	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "strategy", rows[0][4])
	assert.Equal(t, "CCTP", rows[1][4])
	assert.Equal(t, "100", rows[1][10])

	require.NoError(t, writeRebalancesPNG(pngPath, sampleRecords()))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRenderRebalances(t *testing.T) {
	var out bytes.Buffer
	renderRebalances(&out, sampleRecords())
	text := out.String()
	assert.Contains(t, text, "CCTP")
	assert.Contains(t, text, "group-12")
	assert.Contains(t, text, "0.1000%")
	assert.Contains(t, text, "100.00")
}

func TestRecordFilterAndWalletSelection(t *testing.T) {
	records := sampleRecords()
	records[1].Status = storage.StatusPending

	pending := RecordFilter{Status: storage.StatusPending}.apply(records)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].ID)

	cctp := RecordFilter{Strategy: liquidity.StrategyCCTP, Wallet: walletA}.apply(records)
	assert.Len(t, cctp, 2)
	assert.Empty(t, RecordFilter{Wallet: walletB}.apply(records))
	assert.Len(t, records, 3, "filtering leaves the input intact")

	configured := []common.Address{walletA, walletB}
	all, err := selectWallets(configured, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, configured, all)

	none, err := selectWallets(configured, RunOptions{WorkerOnly: true})
	require.NoError(t, err)
	assert.Empty(t, none)

	one, err := selectWallets(configured, RunOptions{Wallets: []common.Address{walletB}})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{walletB}, one)

	_, err = selectWallets(configured, RunOptions{Wallets: []common.Address{common.HexToAddress("0xdead")}})
	assert.Error(t, err)
}
