package orchestrator

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
)

// RenderBalances prints the analysed balances of a wallet.
func RenderBalances(w io.Writer, items []liquidity.TokenDataAnalyzed) {
	table := tablewriter.NewWriter(w)
	table.Header("Chain ID", "Address", "Balance", "Target", "Range", "State")
	for _, item := range items {
		b := item.Analysis.Balance
		table.Append(
			fmt.Sprintf("%d", item.ChainID),
			item.Config.Address.Hex(),
			units(b.Current),
			units(b.Target),
			fmt.Sprintf("%s - %s", units(b.Minimum), units(b.Maximum)),
			string(item.Analysis.State),
		)
	}
	table.Render()
}

// RenderPlan prints the rebalances selected for each deficit.
func RenderPlan(w io.Writer, requests []liquidity.RebalanceRequest) {
	table := tablewriter.NewWriter(w)
	table.Header("Token Out", "Chain Out", "Token In", "Chain In", "Current Balance", "Target Balance", "Strategy", "Amount In", "Amount Out", "Slippage")
	for _, r := range requests {
		for _, q := range r.Quotes {
			table.Append(
				shortAddr(q.TokenOut.Config.Address),
				fmt.Sprintf("%d", q.TokenOut.ChainID),
				shortAddr(q.TokenIn.Config.Address),
				fmt.Sprintf("%d", q.TokenIn.ChainID),
				units(q.TokenOut.Analysis.Balance.Current),
				q.TokenOut.Config.TargetBalance.StringFixed(2),
				string(q.Strategy),
				units(q.AmountIn),
				units(q.AmountOut),
				q.SlippageDecimal().Shift(2).StringFixed(4)+"%",
			)
		}
	}
	table.Render()
}

func units(v *big.Int) string {
	return decimals.ToDecimal(v).StringFixed(2)
}

func shortAddr(a common.Address) string {
	h := a.Hex()
	return h[:6] + "..." + h[len(h)-4:]
}
