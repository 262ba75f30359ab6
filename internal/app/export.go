package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"virtual-drop-alerts/internal/market"
)

// Export renders one instrument's bar history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Coin == "" || opts.Exchange == "" {
		return errors.New("--coin and --exchange are required")
	}

	cfg := a.Config()
	opts.MaxPoints = cfg.ResolveMaxPoints(opts.MaxPoints)
	if opts.Region == "" {
		opts.Region = cfg.Regions.Local.Name
	}
	if opts.Timeframe == "" {
		opts.Timeframe = market.TimeframeHour
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now()
	if opts.To != nil {
		to = *opts.To
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * opts.Timeframe.Period())
	if opts.From != nil {
		from = *opts.From
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	all, err := store.ListBarsBetween(ctx, opts.Region, opts.Timeframe, from, to)
	if err != nil {
		return err
	}

	key := market.InstrumentKey{CoinName: opts.Coin, Exchange: opts.Exchange}
	bars := market.GroupBars(all)[key]
	if len(bars) == 0 {
		a.Logger.Info().Str("coin", opts.Coin).Str("exchange", opts.Exchange).Msg("no bars found for export window")
		return nil
	}

	downsampled := downsampleBars(bars, opts.MaxPoints)
	a.Logger.Info().Int("total", len(bars)).Int("exported", len(downsampled)).Msg("exporting bars")

	if opts.CSVPath != "" {
		if err := writeBarsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeBarsPNG(opts.PNGPath, opts.Coin, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleBars(bars []market.Bar, max int) []market.Bar {
	if max <= 0 || len(bars) <= max {
		return bars
	}

	result := make([]market.Bar, 0, max)
	step := float64(len(bars)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		result = append(result, bars[idx])
	}
	return result
}

func writeBarsCSV(path string, bars []market.Bar) error {
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

	header := []string{"period_start", "open", "high", "low", "close", "change_pct", "amplitude_pct", "virtual_drop_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, bar := range bars {
		record := []string{
			bar.PeriodStart.Format(time.RFC3339),
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.ChangePct.String(),
			bar.AmplitudePct.String(),
			bar.VirtualDropPct.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeBarsPNG(path, coin string, bars []market.Bar) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(bars))
	closes := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	drops := make([]float64, len(bars))

	for i, bar := range bars {
		x[i] = bar.PeriodStart
		closes[i] = bar.Close.InexactFloat64()
		lows[i] = bar.Low.InexactFloat64()
		drops[i] = bar.VirtualDropPct.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  coin,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Virtual Drop (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "Low",
				XValues: x,
				YValues: lows,
			},
			chart.TimeSeries{
				Name:    "Virtual Drop %",
				XValues: x,
				YValues: drops,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
