package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"virtual-drop-alerts/internal/app"
	"virtual-drop-alerts/internal/market"
)

var (
	exportCoin      string
	exportExchange  string
	exportRegion    string
	exportTimeframe string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one instrument's bar history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Coin:      exportCoin,
			Exchange:  exportExchange,
			Region:    exportRegion,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportTimeframe != "" {
			tf, err := parseTimeframe(exportTimeframe)
			if err != nil {
				return err
			}
			opts.Timeframe = tf
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseTimeframe(s string) (market.Timeframe, error) {
	switch s {
	case "minute":
		return market.TimeframeMinute, nil
	case "hour":
		return market.TimeframeHour, nil
	case "day":
		return market.TimeframeDay, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q (expected hour or day)", s)
	}
}

func init() {
	exportCmd.Flags().StringVar(&exportCoin, "coin", "", "Coin name, e.g. BTCUSDT")
	exportCmd.Flags().StringVar(&exportExchange, "exchange", "", "Exchange name, e.g. binance")
	exportCmd.Flags().StringVar(&exportRegion, "region", "", "Region whose bars to export (defaults to the local region)")
	exportCmd.Flags().StringVar(&exportTimeframe, "timeframe", "hour", "Bar timeframe: hour or day")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
