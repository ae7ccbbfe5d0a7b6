package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/storage"
)

// Export renders rebalance history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.LiquidityManager.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListRebalancesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	records = opts.Filter.apply(records)
	if len(records) == 0 {
		a.Logger.Info().Msg("no rebalances found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting rebalances")

	if opts.CSVPath != "" {
		if err := writeRebalancesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRebalancesPNG(opts.PNGPath, records); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.RebalanceRecord, max int) []storage.RebalanceRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.RebalanceRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRebalancesCSV(path string, records []storage.RebalanceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "id", "group_id", "wallet", "strategy", "status", "chain_in", "token_in", "chain_out", "token_out", "amount_in", "amount_out", "slippage"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		record := []string{
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.ID,
			r.GroupID,
			r.Wallet.Hex(),
			string(r.Strategy),
			string(r.Status),
			fmt.Sprintf("%d", r.TokenIn.ChainID),
			r.TokenIn.Address.Hex(),
			fmt.Sprintf("%d", r.TokenOut.ChainID),
			r.TokenOut.Address.Hex(),
			decimals.ToDecimal(r.AmountIn).String(),
			decimals.ToDecimal(r.AmountOut).String(),
			decimal.NewFromFloat(r.Slippage).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// cumulativeByStrategy returns, per strategy, the running total of amountIn at each record time.
func cumulativeByStrategy(records []storage.RebalanceRecord) map[string]chart.TimeSeries {
	sorted := append([]storage.RebalanceRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	series := make(map[string]chart.TimeSeries)
	totals := make(map[string]float64)
	for _, r := range sorted {
		name := string(r.Strategy)
		totals[name] += decimals.ToDecimal(r.AmountIn).InexactFloat64()
		s := series[name]
		s.Name = name
		s.XValues = append(s.XValues, r.CreatedAt)
		s.YValues = append(s.YValues, totals[name])
		series[name] = s
	}
	return series
}

func writeRebalancesPNG(path string, records []storage.RebalanceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byStrategy := cumulativeByStrategy(records)
	names := make([]string, 0, len(byStrategy))
	for name := range byStrategy {
		names = append(names, name)
	}
	sort.Strings(names)

	var series []chart.Series
	for _, name := range names {
		s := byStrategy[name]
		if len(s.XValues) == 1 {
			// a line needs two points
			s.XValues = append(s.XValues, s.XValues[0].Add(time.Second))
			s.YValues = append(s.YValues, s.YValues[0])
		}
		series = append(series, s)
	}

	slippageX := make([]time.Time, len(records))
	slippageY := make([]float64, len(records))
	for i, r := range records {
		slippageX[i] = r.CreatedAt
		slippageY[i] = r.Slippage * 100
	}
	if len(records) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Slippage %",
			XValues: slippageX,
			YValues: slippageY,
			YAxis:   chart.YAxisSecondary,
		})
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative amount in",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Slippage (%)",
			ValueFormatter: amountFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
