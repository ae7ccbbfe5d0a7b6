package app

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/storage/memory"
)

// Plan runs a dry-run tick for each wallet: balances are analyzed and quoted, and the
// selected routes are printed. Nothing is persisted or enqueued.
func (a *App) Plan(ctx context.Context, opts PlanOptions) error {
	return a.plan(ctx, opts, os.Stdout, EngineDeps{})
}

func (a *App) plan(ctx context.Context, opts PlanOptions, out io.Writer, deps EngineDeps) error {
	persistence, closeStore, err := a.openPersistence(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	// pending reservations are read from the real store; rejections stay local
	deps.Persistence = Persistence{Rebalances: persistence.Rebalances, Rejections: memory.New()}
	deps.Queue = queue.NewMemoryQueue()

	engine, err := NewEngine(ctx, a.Config, deps, a.Logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	wallets := engine.Wallets()
	if opts.Wallet != "" {
		if !common.IsHexAddress(opts.Wallet) {
			return fmt.Errorf("invalid --wallet %q", opts.Wallet)
		}
		wallets = []common.Address{common.HexToAddress(opts.Wallet)}
	}
	if len(wallets) == 0 {
		fmt.Fprintln(out, "no wallets configured")
		return nil
	}

	for _, address := range wallets {
		orch, err := engine.Orchestrator(address, out)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nWallet %s\n", address.Hex())
		plan, err := orch.Plan(ctx)
		if err != nil {
			return fmt.Errorf("plan %s: %w", address.Hex(), err)
		}

		quotes := plan.Quotes()
		if len(quotes) == 0 {
			fmt.Fprintln(out, "no rebalances needed")
			continue
		}
		total := decimals.ToDecimal(sumAmountIn(quotes))
		fmt.Fprintf(out, "%d deficits, %d quotes, %s units moved\n", len(plan.Requests), len(quotes), total.StringFixed(2))
	}
	return nil
}

// sumAmountIn adds the input of the first leg of every batch.
func sumAmountIn(quotes []liquidity.Quote) *big.Int {
	total := new(big.Int)
	seen := make(map[string]bool)
	for _, q := range quotes {
		if seen[q.ID] || q.AmountIn == nil {
			continue
		}
		seen[q.ID] = true
		total.Add(total, q.AmountIn)
	}
	return total
}
